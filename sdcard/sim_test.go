package sdcard_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/BertoldVdb/sdspi/sdcard/sdsim"
)

func testImage(blocks int) []byte {
	img := make([]byte, blocks*sdcard.BlockSize)
	for i := range img {
		img[i] = byte(i/sdcard.BlockSize) ^ byte(i)
	}
	return img
}

func TestSimulatedCard(t *testing.T) {
	img := testImage(16)
	sim := sdsim.New(bytes.NewReader(img), 16, sdsim.Options{ResponseDelay: 2, TokenDelay: 40, OpCondAttempts: 25})

	card, err := sdcard.New(sim, sdcard.Config{InitialClockDelay: 100, ClockDelay: 1}, t.Logf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if sim.ClockDelay() != 1 {
		t.Errorf("clock delay = %d, want 1", sim.ClockDelay())
	}

	buf := make([]byte, sdcard.BlockSize)
	for _, addr := range []uint32{0, 7, 15} {
		if err := card.ReadBlock(addr, buf); err != nil {
			t.Fatalf("ReadBlock(%d) error = %v", addr, err)
		}
		if !bytes.Equal(buf, img[addr*sdcard.BlockSize:(addr+1)*sdcard.BlockSize]) {
			t.Errorf("block %d mismatch", addr)
		}
	}

	/* Past the image but inside the reported capacity */
	if err := card.ReadBlock(100, buf); err != nil {
		t.Fatalf("ReadBlock(100) error = %v", err)
	}
	if !bytes.Equal(buf, make([]byte, sdcard.BlockSize)) {
		t.Error("block past image is not zero")
	}

	if err := card.ReadBlock(sim.Capacity(), buf); err != sdcard.ErrBadResponse {
		t.Errorf("ReadBlock(capacity) error = %v, want %v", err, sdcard.ErrBadResponse)
	}

	blocks, err := card.Capacity()
	if err != nil {
		t.Fatal(err)
	}
	if blocks != sim.Capacity() {
		t.Errorf("Capacity() = %d, want %d", blocks, sim.Capacity())
	}

	cid, err := card.ReadCID()
	if err != nil {
		t.Fatal(err)
	}
	if cid.Product != "SIMSD" || cid.Serial != 0x5D5D0001 || cid.Year != 2024 || cid.Month != 10 {
		t.Errorf("unexpected CID: %v", cid)
	}
}

func TestSimulatedCardReadAt(t *testing.T) {
	img := testImage(4)
	sim := sdsim.New(bytes.NewReader(img), 4, sdsim.Options{})

	card, err := sdcard.New(sim, sdcard.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := io.NewSectionReader(card, 300, 1500)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img[300:1800]) {
		t.Error("ReadAt content mismatch")
	}

	/* ReadAt stops at the end of the card once the CSD is known */
	blocks, err := card.Capacity()
	if err != nil {
		t.Fatal(err)
	}
	end := int64(blocks) * sdcard.BlockSize
	n, err := card.ReadAt(make([]byte, 100), end-10)
	if n != 10 || err != io.EOF {
		t.Errorf("ReadAt(end-10) = %d, %v, want 10, EOF", n, err)
	}
}

func TestSimulatedCardFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    sdsim.Options
		cfg     sdcard.Config
		wantErr error
	}{
		{
			name:    "version 1 card",
			opts:    sdsim.Options{Version1: true},
			wantErr: sdcard.ErrNotSupported,
		},
		{
			name:    "standard capacity card",
			opts:    sdsim.Options{ByteAddressed: true},
			wantErr: sdcard.ErrNotSupported,
		},
		{
			name:    "slow power up",
			opts:    sdsim.Options{OpCondAttempts: 50},
			cfg:     sdcard.Config{OpCondRetries: 49},
			wantErr: sdcard.ErrTimeout,
		},
		{
			name:    "slow responses",
			opts:    sdsim.Options{ResponseDelay: 20},
			cfg:     sdcard.Config{Timeout: 20},
			wantErr: sdcard.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := sdsim.New(bytes.NewReader(nil), 0, tt.opts)

			_, err := sdcard.New(sim, tt.cfg, nil)
			if err != tt.wantErr {
				t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSimulatedCardDataCRC(t *testing.T) {
	sim := sdsim.New(bytes.NewReader(testImage(1)), 1, sdsim.Options{CorruptDataCRC: true})

	card, err := sdcard.New(sim, sdcard.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, sdcard.BlockSize)
	if err := card.ReadBlock(0, buf); err != sdcard.ErrCRC {
		t.Fatalf("ReadBlock() error = %v, want %v", err, sdcard.ErrCRC)
	}

	lenient, err := sdcard.New(sim, sdcard.Config{IgnoreDataCRC: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := lenient.ReadBlock(0, buf); err != nil {
		t.Fatalf("ReadBlock() error = %v", err)
	}
}
