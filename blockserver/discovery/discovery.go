// Package discovery announces block servers with mDNS and finds them again.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_sdblock._tcp"
	Domain  = "local."
)

// Card is one card exported by a server.
type Card struct {
	Index  int
	Serial string
	Blocks uint32
}

// TXTRecord lists the exported cards as "card<index>=<serial>,<blocks>".
func TXTRecord(cards []Card) []string {
	txt := []string{"txtvers=1"}
	for _, c := range cards {
		txt = append(txt, fmt.Sprintf("card%d=%s,%d", c.Index, c.Serial, c.Blocks))
	}
	return txt
}

// ParseTXT is the inverse of TXTRecord. Unknown or malformed keys are ignored.
func ParseTXT(txt []string) []Card {
	var cards []Card

	for _, m := range txt {
		kv := strings.SplitN(m, "=", 2)
		if len(kv) != 2 || !strings.HasPrefix(strings.ToLower(kv[0]), "card") {
			continue
		}

		index, err := strconv.Atoi(kv[0][4:])
		if err != nil {
			continue
		}

		serial, blocks, ok := strings.Cut(kv[1], ",")
		if !ok {
			continue
		}

		n, err := strconv.ParseUint(blocks, 10, 32)
		if err != nil {
			continue
		}

		cards = append(cards, Card{Index: index, Serial: serial, Blocks: uint32(n)})
	}

	return cards
}

type Server struct {
	server *zeroconf.Server
}

// Advertise registers the service on all interfaces, or on the named one.
func Advertise(name string, port int, ifaceName string, cards []Card) (*Server, error) {
	if name == "" {
		name = "sdblock"
	}

	var ifaces []net.Interface
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, *iface)
	}

	server, err := zeroconf.Register(name, Service, Domain, port, TXTRecord(cards), ifaces)
	if err != nil {
		return nil, err
	}
	server.TTL(60)

	return &Server{server: server}, nil
}

func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	s.server.Shutdown()
	s.server = nil
}

// Result is a server found on the network.
type Result struct {
	Instance string
	Addr     string
	Cards    []Card
}

// URL returns the base URL of a card on the server.
func (r Result) URL(c Card) string {
	return fmt.Sprintf("http://%s/%d", r.Addr, c.Index)
}

func entryAddr(e *zeroconf.ServiceEntry) string {
	var addr string
	if len(e.AddrIPv4) > 0 {
		addr = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		addr = "[" + e.AddrIPv6[0].String() + "]"
	} else {
		addr = e.HostName
	}
	return addr + fmt.Sprintf(":%d", e.Port)
}

// Browse collects servers until the timeout expires. If serial is not empty
// only servers exporting that card are returned.
func Browse(ctx context.Context, timeout time.Duration, serial string) ([]Result, error) {
	/* The resolver is not reused as the network may change between calls */
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, err
	}

	var results []Result
	for e := range entries {
		r := Result{
			Instance: e.Instance,
			Addr:     entryAddr(e),
			Cards:    ParseTXT(e.Text),
		}

		if serial != "" && !hasSerial(r.Cards, serial) {
			continue
		}
		results = append(results, r)
	}

	return results, nil
}

func hasSerial(cards []Card, serial string) bool {
	for _, c := range cards {
		if strings.EqualFold(c.Serial, serial) {
			return true
		}
	}
	return false
}
