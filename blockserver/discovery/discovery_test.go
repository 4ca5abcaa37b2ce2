package discovery

import (
	"net"
	"reflect"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseTXT(t *testing.T) {
	cards := []Card{
		{Index: 0, Serial: "425d5d0001", Blocks: 1024},
		{Index: 3, Serial: "03aabbccdd", Blocks: 62333952},
	}

	txt := append(TXTRecord(cards),
		"card7",
		"cardx=11,22",
		"card8=nocomma",
		"card9=01,notanumber",
		"serial=ignored",
	)

	if got := ParseTXT(txt); !reflect.DeepEqual(got, cards) {
		t.Errorf("ParseTXT() = %+v, want %+v", got, cards)
	}
}

func TestEntryAddr(t *testing.T) {
	tests := []struct {
		entry zeroconf.ServiceEntry
		want  string
	}{
		{zeroconf.ServiceEntry{HostName: "pi.local.", Port: 8067, AddrIPv4: []net.IP{net.IPv4(192, 168, 1, 20)}}, "192.168.1.20:8067"},
		{zeroconf.ServiceEntry{HostName: "pi.local.", Port: 80, AddrIPv6: []net.IP{net.ParseIP("fe80::1")}}, "[fe80::1]:80"},
		{zeroconf.ServiceEntry{HostName: "pi.local.", Port: 1}, "pi.local.:1"},
	}

	for _, tc := range tests {
		if got := entryAddr(&tc.entry); got != tc.want {
			t.Errorf("entryAddr() = %q, want %q", got, tc.want)
		}
	}
}

func TestResultURL(t *testing.T) {
	r := Result{Addr: "10.0.0.2:8067"}
	if got := r.URL(Card{Index: 2}); got != "http://10.0.0.2:8067/2" {
		t.Errorf("URL() = %q", got)
	}

	if !hasSerial([]Card{{Serial: "AB01"}}, "ab01") {
		t.Error("serial match is case sensitive")
	}
}
