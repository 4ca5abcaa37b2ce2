package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/BertoldVdb/go-misc/httplog"
	"github.com/BertoldVdb/sdspi/blockserver/api"
	"github.com/BertoldVdb/sdspi/blockserver/discovery"
	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/BertoldVdb/sdspi/sdcard/cardopen"
)

func main() {
	apiKey := flag.String("apikey", "", "API key to use")
	address := flag.String("addr", ":8067", "Address to listen on")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	mdns := flag.Bool("mdns", true, "Announce the server with mDNS")
	mdnsName := flag.String("name", "", "mDNS instance name")
	mdnsIface := flag.String("iface", "", "Only announce on this interface")
	ignoreCRC := flag.Bool("ignorecrc", false, "Do not verify data block checksums")
	authCard := flag.String("authcard", "", "Limit the printed credentials to this card (index or serial)")

	flag.Parse()

	closeChan := make(chan os.Signal, 1)
	signal.Notify(closeChan, os.Interrupt)

	logOut := log.Printf
	if !*verbose {
		logOut = nil
	}

	var mux http.ServeMux
	var cards []discovery.Card
	serials := make([]string, 0, len(flag.Args()))
	scope := make(authScope)

	for i, m := range flag.Args() {
		log.Printf("Initializing card '%s':", m)

		card, err := cardopen.OpenCard(m, sdcard.Config{IgnoreDataCRC: *ignoreCRC}, logOut)
		if err != nil {
			log.Printf(" -> Failed to open: %v", err)
			continue
		}
		defer card.Close()

		api, err := api.New(card)
		if err != nil {
			log.Println(" -> Failed to create API:", err)
			return
		}

		info := api.Info()
		log.Println(" -> Card ready:", info.CID)
		log.Println(" ->", info.CSD)

		serial := info.Serial

		log.Printf(" -> Registering as '%s' and '%d'", serial, i)
		mux.Handle("/"+serial+"/", http.StripPrefix("/"+serial, api))
		mux.Handle("/"+strconv.Itoa(i)+"/", http.StripPrefix("/"+strconv.Itoa(i), api))

		scope.add(serial, serial)
		scope.add(strconv.Itoa(i), serial)

		serials = append(serials, serial)
		cards = append(cards, discovery.Card{Index: i, Serial: serial, Blocks: info.Capacity})
	}

	if len(serials) == 0 {
		log.Println("No devices available")
		return
	}

	if *apiKey != "" {
		if _, ok := scope[*authCard]; *authCard != "" && !ok {
			log.Printf("Card '%s' is not mounted", *authCard)
			return
		}

		user, pass := authCalculate(*apiKey, *authCard, time.Now().AddDate(10, 0, 0))
		log.Printf("Password for username '%s': %s", user, pass)
	}

	serialJson, err := json.MarshalIndent(&serials, "", "  ")
	if err != nil {
		log.Println(err)
		return
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(serialJson)
	})

	logger := httplog.HTTPLog{
		LogOut:     log.Printf,
		ServerName: "SDBlock",
	}

	server := &http.Server{
		Addr:    *address,
		Handler: logger.GetHandler(authProcess(mux.ServeHTTP, *apiKey, scope)),

		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
	}

	if *mdns {
		_, portStr, err := net.SplitHostPort(*address)
		if err != nil {
			log.Println("Invalid listen address:", err)
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Println("Invalid listen port:", err)
			return
		}

		adv, err := discovery.Advertise(*mdnsName, port, *mdnsIface, cards)
		if err != nil {
			log.Println("Failed to start mDNS:", err)
		} else {
			defer adv.Stop()
		}
	}

	go func() {
		log.Printf("Starting server on: http://%s", *address)
		log.Println("Server stopped:", server.ListenAndServe())

		select {
		case closeChan <- nil:
		default:
		}
	}()

	<-closeChan
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	server.Shutdown(ctx)
	cancel()
}
