// Package periphspi runs the card on a hardware SPI port through periph.io.
// Chip select is a separate GPIO pin so that a transaction can span several
// transfers and so that dummy clocks can be sent with the card deselected.
package periphspi

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// DefaultMaxFrequency is used when no frequency is given. The card is
// initialized at a fraction of it.
const DefaultMaxFrequency = 20 * physic.MegaHertz

const defaultMaxTx = 4096

var ErrNotConfigured = errors.New("periphspi: port not configured")

// Port is an SPI port with a GPIO chip select.
type Port struct {
	open  func() (spi.PortCloser, error)
	cs    gpio.PinOut
	maxHz physic.Frequency

	port  spi.PortCloser
	conn  spi.Conn
	maxTx int
	ff    []byte
}

// New returns a port that is opened with open on every Configure call.
func New(open func() (spi.PortCloser, error), cs gpio.PinOut, maxHz physic.Frequency) *Port {
	if maxHz == 0 {
		maxHz = DefaultMaxFrequency
	}

	return &Port{
		open:  open,
		cs:    cs,
		maxHz: maxHz,
	}
}

// Open uses the port registered under name, "" being the first one.
func Open(name string, cs gpio.PinOut, maxHz physic.Frequency) *Port {
	return New(func() (spi.PortCloser, error) {
		return spireg.Open(name)
	}, cs, maxHz)
}

func (p *Port) String() string {
	if p.port == nil {
		return "periphspi(closed)"
	}
	return fmt.Sprintf("periphspi(%s, cs=%s)", p.port, p.cs)
}

// Configure connects at maxHz/(clockDelay+1). A periph.io port can only be
// connected once, so the port is closed and opened again.
func (p *Port) Configure(clockDelay uint16, mode spi.Mode) error {
	if err := p.Close(); err != nil {
		return err
	}

	port, err := p.open()
	if err != nil {
		return err
	}

	freq := p.maxHz / physic.Frequency(uint32(clockDelay)+1)
	c, err := port.Connect(freq, mode|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("periphspi: connect at %s: %w", freq, err)
	}

	p.port = port
	p.conn = c

	p.maxTx = defaultMaxTx
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		p.maxTx = l.MaxTxSize()
	}

	return nil
}

func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}

	err := p.port.Close()
	p.port = nil
	p.conn = nil
	return err
}

func (p *Port) Begin() error {
	return p.cs.Out(gpio.High)
}

func (p *Port) BeginTransaction() error {
	return p.cs.Out(gpio.Low)
}

func (p *Port) EndTransaction() error {
	return p.cs.Out(gpio.High)
}

func (p *Port) Send(w []byte) error {
	return p.tx(w, nil)
}

func (p *Port) Receive(r []byte) error {
	return p.tx(nil, r)
}

func (p *Port) ReceiveByte() (byte, error) {
	var r [1]byte
	err := p.tx(nil, r[:])
	return r[0], err
}

func (p *Port) DummyClocks(count int) error {
	return p.tx(nil, make([]byte, count))
}

// tx splits a transfer to respect the port limit. A nil w sends 0xFF, a nil r
// discards what is read.
func (p *Port) tx(w, r []byte) error {
	if p.conn == nil {
		return ErrNotConfigured
	}

	n := len(w)
	if r != nil {
		n = len(r)
	}

	for off := 0; off < n; off += p.maxTx {
		end := min(off+p.maxTx, n)

		cw := p.fill(end - off)
		if w != nil {
			cw = w[off:end]
		}

		var cr []byte
		if r != nil {
			cr = r[off:end]
		}

		if err := p.conn.Tx(cw, cr); err != nil {
			return fmt.Errorf("periphspi: transfer: %w", err)
		}
	}

	return nil
}

func (p *Port) fill(n int) []byte {
	if len(p.ff) < n {
		p.ff = make([]byte, n)
		for i := range p.ff {
			p.ff[i] = 0xFF
		}
	}
	return p.ff[:n]
}
