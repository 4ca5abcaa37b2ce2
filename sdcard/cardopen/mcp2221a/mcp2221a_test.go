package mcp2221a

import (
	"errors"
	"testing"
)

// fakeHID models the SRAM and GPIO state of a bridge.
type fakeHID struct {
	gp     [PinCount]byte // SRAM GP settings
	levels [PinCount]byte
	sent   [][]byte
	rsp    []byte
	closed bool
	fail   bool
}

func (f *fakeHID) Write(b []byte) (int, error) {
	if len(b) != MsgSz {
		return 0, errors.New("bad report size")
	}
	f.sent = append(f.sent, append([]byte(nil), b...))

	f.rsp = make([]byte, MsgSz)
	f.rsp[0] = b[0]
	if f.fail {
		f.rsp[1] = 0x01
		return len(b), nil
	}

	switch b[0] {
	case cmdSRAMSet:
		if b[7]&0x80 != 0 {
			copy(f.gp[:], b[8:8+PinCount])
			for i, v := range f.gp {
				f.levels[i] = v >> 4 & 1
			}
		}
	case cmdGPIOSet:
		for pin := 0; pin < PinCount; pin++ {
			i := 2 + 4*pin
			if b[i] != 0 {
				f.levels[pin] = b[i+1]
			}
			if b[i+2] != 0 {
				f.gp[pin] = f.gp[pin]&^0x08 | b[i+3]<<3
			}
		}
	case cmdGPIOGet:
		for pin := 0; pin < PinCount; pin++ {
			if f.gp[pin]&0x07 != modeGPIO {
				f.rsp[2+2*pin] = notGPIO
				f.rsp[3+2*pin] = notGPIO
				continue
			}
			f.rsp[2+2*pin] = f.levels[pin]
			f.rsp[3+2*pin] = f.gp[pin] >> 3 & 1
		}
	}
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	return copy(b, f.rsp), nil
}

func (f *fakeHID) Close() error {
	f.closed = true
	return nil
}

func TestSetAllAndLevels(t *testing.T) {
	f := &fakeHID{}
	mcp := NewFromDev(f)

	if err := mcp.GPIO.SetAll(0x0B, 0x08); err != nil {
		t.Fatal(err)
	}
	want := [PinCount]byte{0x00, 0x00, 0x08, 0x10}
	if f.gp != want {
		t.Errorf("GP settings % x, want % x", f.gp, want)
	}

	if err := mcp.GPIO.SetLevels(0x03, 0x02); err != nil {
		t.Fatal(err)
	}
	last := f.sent[len(f.sent)-1]
	if last[2] != wordSet || last[3] != 0 || last[6] != wordSet || last[7] != 1 || last[10] != 0 || last[14] != 0 {
		t.Errorf("GPIO set report % x", last[:18])
	}
	if last[4] != 0 || last[8] != 0 {
		t.Error("SetLevels changed pin direction")
	}

	f.levels[2] = 1
	levels, err := mcp.GPIO.Levels()
	if err != nil {
		t.Fatal(err)
	}
	if levels != 0x0E {
		t.Errorf("Levels() = %04b, want 1110", levels)
	}
}

func TestLevelsNotGPIO(t *testing.T) {
	f := &fakeHID{
		gp:     [PinCount]byte{0x00, 0x02, 0x00, 0x00},
		levels: [PinCount]byte{0, 1, 1, 0},
	}
	mcp := NewFromDev(f)

	/* GP1 is in ADC mode and must not read as high */
	levels, err := mcp.GPIO.Levels()
	if err != nil || levels != 0x04 {
		t.Errorf("Levels() = %04b, %v, want 0100", levels, err)
	}
}

func TestCommandFailed(t *testing.T) {
	f := &fakeHID{fail: true}
	mcp := NewFromDev(f)

	if err := mcp.GPIO.SetLevels(0x01, 0x01); err == nil {
		t.Error("failed command not reported")
	}

	if err := mcp.Close(); err != nil || !f.closed {
		t.Errorf("Close() = %v, closed %v", err, f.closed)
	}
	if _, err := mcp.GPIO.Levels(); err == nil {
		t.Error("command on closed device succeeded")
	}
}
