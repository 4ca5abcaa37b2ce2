// Package api serves a card read-only over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/BertoldVdb/sdspi/sdcard"
)

// MaxBlocks limits the number of blocks returned by one request.
const MaxBlocks = 128

// Reader is implemented by a local sdcard.Card and by blockclient.Client.
type Reader interface {
	ReadBlocks(dst []byte, start int64) error
	ReadCSD() (*sdcard.CSD, error)
	ReadCID() (*sdcard.CID, error)
	OCR() uint32
}

// Info is the response to /info.
type Info struct {
	Serial   string
	Capacity uint32
	OCR      uint32
	CID      sdcard.CID
	CSD      sdcard.CSD
}

type API struct {
	mux  *http.ServeMux
	card Reader
	info Info
}

const (
	ctBinary string = "application/octet-stream"
	ctJSON   string = "application/json"
)

// New reads the card registers once; they are served from memory afterwards.
func New(card Reader) (*API, error) {
	mux := &http.ServeMux{}

	s := &API{
		mux:  mux,
		card: card,
	}

	csd, err := card.ReadCSD()
	if err != nil {
		return nil, fmt.Errorf("read CSD: %w", err)
	}

	cid, err := card.ReadCID()
	if err != nil {
		return nil, fmt.Errorf("read CID: %w", err)
	}

	s.info = Info{
		Serial:   SerialString(cid),
		Capacity: csd.Blocks,
		OCR:      card.OCR(),
		CID:      *cid,
		CSD:      *csd,
	}

	infoJson, err := json.MarshalIndent(&s.info, "", "  ")
	if err != nil {
		return nil, err
	}

	mux.HandleFunc("/info", sendStatic(ctJSON, infoJson))
	mux.HandleFunc("/csd", sendStatic(ctBinary, csd.Raw[:]))
	mux.HandleFunc("/cid", sendStatic(ctBinary, cid.Raw[:]))
	mux.HandleFunc("/block/", s.blockHandler)

	return s, nil
}

// SerialString names a card by its manufacturer and serial number.
func SerialString(cid *sdcard.CID) string {
	return fmt.Sprintf("%02x%08x", cid.Manufacturer, cid.Serial)
}

func (s *API) Info() Info {
	return s.info
}

func sendStatic(contentType string, data []byte) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// blockHandler serves /block/<n>[?count=<m>].
func (s *API) blockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	start, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/block/"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid block number", http.StatusBadRequest)
		return
	}

	count := uint64(1)
	if c := r.URL.Query().Get("count"); c != "" {
		count, err = strconv.ParseUint(c, 10, 32)
		if err != nil || count == 0 || count > MaxBlocks {
			http.Error(w, "Invalid block count", http.StatusBadRequest)
			return
		}
	}

	if start+count > uint64(s.info.Capacity) {
		http.Error(w, "Block out of range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	buf := make([]byte, count*sdcard.BlockSize)
	if err := s.card.ReadBlocks(buf, int64(start)); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", ctBinary)
	w.Write(buf)
}

func (s *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
