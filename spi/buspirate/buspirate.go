// Package buspirate drives the card through a Bus Pirate in binary SPI mode.
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"periph.io/x/conn/v3/spi"
)

const (
	cmdReset      = 0x00
	cmdEnterSPI   = 0x01
	cmdCSLow      = 0x02
	cmdCSHigh     = 0x03
	cmdExit       = 0x0F
	cmdBulk       = 0x10
	cmdPeripheral = 0x40
	cmdSpeed      = 0x60
	cmdConfig     = 0x80

	peripheralPower = 0x08
	peripheralCS    = 0x01

	configPushPull = 0x08
	configCKP      = 0x04 // clock idles high
	configCKE      = 0x02 // output changes on active to idle edge

	maxBulk = 16

	respOK = 0x01
)

var (
	bbioBanner = []byte("BBIO1")
	spiBanner  = []byte("SPI1")
)

// Speeds lists the clock rates selectable with the speed command, in Hz.
var Speeds = []int{30000, 125000, 250000, 1000000, 2000000, 2600000, 4000000, 8000000}

var (
	ErrNoResponse = errors.New("buspirate: no response")
	ErrBadMode    = errors.New("buspirate: LSB first is not supported")
)

type BusPirate struct {
	rw     io.ReadWriter
	closer io.Closer

	// IdleReads is the number of empty reads tolerated while waiting for a
	// reply. Serial ports return no data when their read timeout expires.
	IdleReads int

	buf [1 + maxBulk]byte
}

// Open opens a serial port and enters binary SPI mode.
func Open(name string) (*BusPirate, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("buspirate: open %s: %w", name, err)
	}

	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}

	b, err := New(port)
	if err != nil {
		port.Close()
		return nil, err
	}

	b.closer = port
	return b, nil
}

// New enters binary SPI mode on an already open connection.
func New(rw io.ReadWriter) (*BusPirate, error) {
	b := &BusPirate{
		rw:        rw,
		IdleReads: 20,
	}

	if err := b.enter(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BusPirate) enter() error {
	var banner [5]byte

	/* The device needs up to 20 zero bytes before it answers */
	entered := false
	for i := 0; i < 25 && !entered; i++ {
		if _, err := b.rw.Write([]byte{cmdReset}); err != nil {
			return err
		}

		err := b.readFull(banner[:])
		if errors.Is(err, ErrNoResponse) {
			continue
		} else if err != nil {
			return err
		}
		entered = bytes.Equal(banner[:], bbioBanner)
	}
	if !entered {
		return ErrNoResponse
	}

	if _, err := b.rw.Write([]byte{cmdEnterSPI}); err != nil {
		return err
	}
	if err := b.readFull(banner[:4]); err != nil {
		return err
	}
	if !bytes.Equal(banner[:4], spiBanner) {
		return fmt.Errorf("buspirate: unexpected reply %q to SPI mode request", banner[:4])
	}

	return nil
}

// readFull reads len(p) bytes, giving up after IdleReads empty reads.
func (b *BusPirate) readFull(p []byte) error {
	idle := 0
	for n := 0; n < len(p); {
		m, err := b.rw.Read(p[n:])
		n += m
		if err != nil && (err != io.EOF || n < len(p)) {
			return err
		}
		if m == 0 {
			idle++
			if idle > b.IdleReads {
				return ErrNoResponse
			}
		}
	}
	return nil
}

// simple sends a one byte command answered with 0x01.
func (b *BusPirate) simple(cmd byte) error {
	b.buf[0] = cmd
	if _, err := b.rw.Write(b.buf[:1]); err != nil {
		return err
	}
	if err := b.readFull(b.buf[:1]); err != nil {
		return err
	}
	if b.buf[0] != respOK {
		return fmt.Errorf("buspirate: command %02x failed: %02x", cmd, b.buf[0])
	}
	return nil
}

// SpeedIndex maps a clock delay to a speed setting: delay 0 is the fastest
// step, every extra unit is one step slower.
func SpeedIndex(clockDelay uint16) byte {
	if int(clockDelay) >= len(Speeds) {
		return 0
	}
	return byte(len(Speeds) - 1 - int(clockDelay))
}

func (b *BusPirate) Configure(clockDelay uint16, mode spi.Mode) error {
	if mode&spi.LSBFirst != 0 {
		return ErrBadMode
	}

	cfg := byte(cmdConfig | configPushPull)
	if mode&spi.Mode2 != 0 {
		cfg |= configCKP
	}
	if mode&spi.Mode1 == 0 {
		cfg |= configCKE
	}

	if err := b.simple(cfg); err != nil {
		return err
	}
	return b.simple(cmdSpeed | SpeedIndex(clockDelay))
}

// Begin powers the card and deselects it.
func (b *BusPirate) Begin() error {
	if err := b.simple(cmdPeripheral | peripheralPower | peripheralCS); err != nil {
		return err
	}
	return b.simple(cmdCSHigh)
}

func (b *BusPirate) BeginTransaction() error {
	return b.simple(cmdCSLow)
}

func (b *BusPirate) EndTransaction() error {
	return b.simple(cmdCSHigh)
}

func (b *BusPirate) Send(p []byte) error {
	return b.bulk(p, nil)
}

func (b *BusPirate) Receive(p []byte) error {
	return b.bulk(nil, p)
}

func (b *BusPirate) ReceiveByte() (byte, error) {
	var r [1]byte
	err := b.bulk(nil, r[:])
	return r[0], err
}

func (b *BusPirate) DummyClocks(count int) error {
	return b.bulk(nil, make([]byte, count))
}

// bulk transfers up to 16 bytes per command. A nil w sends 0xFF.
func (b *BusPirate) bulk(w, r []byte) error {
	n := len(w)
	if w == nil {
		n = len(r)
	}

	for off := 0; off < n; off += maxBulk {
		end := min(off+maxBulk, n)
		cnt := end - off

		b.buf[0] = cmdBulk | byte(cnt-1)
		for i := 0; i < cnt; i++ {
			b.buf[1+i] = 0xFF
			if w != nil {
				b.buf[1+i] = w[off+i]
			}
		}

		if _, err := b.rw.Write(b.buf[:1+cnt]); err != nil {
			return err
		}
		if err := b.readFull(b.buf[:1+cnt]); err != nil {
			return err
		}
		if b.buf[0] != respOK {
			return fmt.Errorf("buspirate: bulk transfer failed: %02x", b.buf[0])
		}

		if r != nil {
			copy(r[off:end], b.buf[1:1+cnt])
		}
	}

	return nil
}

// Close returns the device to its terminal and closes the port if it was
// opened by Open.
func (b *BusPirate) Close() error {
	_, err := b.rw.Write([]byte{cmdReset, cmdExit})

	if b.closer != nil {
		if e := b.closer.Close(); err == nil {
			err = e
		}
	}
	return err
}
