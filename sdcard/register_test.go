package sdcard

import "testing"

func withCRC(reg []byte) []byte {
	reg[15] = FrameCRC(reg[:15])
	return reg
}

func TestParseCSD(t *testing.T) {
	tests := []struct {
		name        string
		raw         []byte
		wantVersion int
		wantBlocks  uint32
		wantErr     error
	}{
		{
			name:        "version 2, 8GiB",
			raw:         withCRC([]byte{0x40, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00, 0x00, 0x3B, 0x37, 0x7F, 0x80, 0x0A, 0x40, 0x00, 0x00}),
			wantVersion: 2,
			wantBlocks:  (0x3B37 + 1) * 1024,
		},
		{
			name:        "version 1, 1GB",
			raw:         withCRC([]byte{0x00, 0x26, 0x00, 0x32, 0x5F, 0x59, 0x83, 0xC8, 0xBE, 0xFB, 0xCF, 0xFF, 0x92, 0x40, 0x40, 0x00}),
			wantVersion: 1,
			wantBlocks:  (0xF22 + 1) * 512,
		},
		{
			name:    "bad crc",
			raw:     []byte{0x40, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00, 0x00, 0x3B, 0x37, 0x7F, 0x80, 0x0A, 0x40, 0x00, 0x01},
			wantErr: ErrCRC,
		},
		{
			name:    "reserved structure",
			raw:     withCRC([]byte{0xC0, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00, 0x00, 0x3B, 0x37, 0x7F, 0x80, 0x0A, 0x40, 0x00, 0x00}),
			wantErr: ErrNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csd, err := ParseCSD(tt.raw)
			if err != tt.wantErr {
				t.Fatalf("ParseCSD() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if csd.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", csd.Version, tt.wantVersion)
			}
			if csd.Blocks != tt.wantBlocks {
				t.Errorf("Blocks = %d, want %d", csd.Blocks, tt.wantBlocks)
			}
			if csd.TranSpeed != 0x32 {
				t.Errorf("TranSpeed = %02x, want 32", csd.TranSpeed)
			}
		})
	}

	if _, err := ParseCSD(make([]byte, 4)); err == nil {
		t.Error("expected error for short register")
	}
}

func TestParseCID(t *testing.T) {
	raw := withCRC([]byte{0x03, 'S', 'D', 'S', 'U', '0', '8', 'G', 0x80, 0x12, 0x34, 0x56, 0x78, 0x01, 0x3A, 0x00})

	cid, err := ParseCID(raw)
	if err != nil {
		t.Fatal(err)
	}

	if cid.Manufacturer != 0x03 {
		t.Errorf("Manufacturer = %02x, want 03", cid.Manufacturer)
	}
	if cid.OEM != "SD" || cid.Product != "SU08G" {
		t.Errorf("OEM/Product = %q/%q, want SD/SU08G", cid.OEM, cid.Product)
	}
	if cid.Revision != "8.0" {
		t.Errorf("Revision = %q, want 8.0", cid.Revision)
	}
	if cid.Serial != 0x12345678 {
		t.Errorf("Serial = %08x, want 12345678", cid.Serial)
	}
	if cid.Year != 2019 || cid.Month != 10 {
		t.Errorf("Date = %d-%d, want 2019-10", cid.Year, cid.Month)
	}

	raw[15] ^= 0x02
	if _, err := ParseCID(raw); err != ErrCRC {
		t.Errorf("ParseCID() error = %v, want %v", err, ErrCRC)
	}
}

func TestReadCSDCached(t *testing.T) {
	reads := 0
	csd := withCRC([]byte{0x40, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00, 0x00, 0x00, 0x07, 0x7F, 0x80, 0x0A, 0x40, 0x00, 0x00})

	m := &mockTransport{respond: func(cmd byte, arg uint32) []byte {
		if cmd != 9 {
			t.Errorf("unexpected CMD%d", cmd)
		}
		reads++
		return dataResponse(2, 0xFE, csd, CRC16(csd))
	}}
	c := newTestCard(m, Config{})

	for i := 0; i < 2; i++ {
		blocks, err := c.Capacity()
		if err != nil {
			t.Fatal(err)
		}
		if blocks != 8*1024 {
			t.Errorf("Capacity() = %d, want %d", blocks, 8*1024)
		}
	}
	if reads != 1 {
		t.Errorf("CSD read %d times, want 1", reads)
	}
}
