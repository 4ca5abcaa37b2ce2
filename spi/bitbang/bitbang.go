// Package bitbang drives an SPI bus by toggling GPIO lines. It is slow but
// works on any four pins, including pins behind a USB bridge.
package bitbang

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Pins are the four bus lines. Select is active low.
type Pins interface {
	SetClock(l gpio.Level) error
	SetData(l gpio.Level) error
	SetSelect(l gpio.Level) error
	Sample() (gpio.Level, error)
}

// PeriphPins drives the bus with periph.io pins.
type PeriphPins struct {
	SCK  gpio.PinOut
	MOSI gpio.PinOut
	MISO gpio.PinIn
	CS   gpio.PinOut
}

func (p *PeriphPins) SetClock(l gpio.Level) error  { return p.SCK.Out(l) }
func (p *PeriphPins) SetData(l gpio.Level) error   { return p.MOSI.Out(l) }
func (p *PeriphPins) SetSelect(l gpio.Level) error { return p.CS.Out(l) }
func (p *PeriphPins) Sample() (gpio.Level, error)  { return p.MISO.Read(), nil }

// Init puts MISO in input mode with a pull-up, the idle level of the bus.
func (p *PeriphPins) Init() error {
	return p.MISO.In(gpio.PullUp, gpio.NoEdge)
}

// Bus is a bit-banged SPI master.
type Bus struct {
	pins Pins

	// Delay waits for the given number of clock delay units. It is called
	// twice per bit. The default sleeps one microsecond per unit.
	Delay func(units uint16)

	clockDelay uint16
	cpol       gpio.Level
	cpha       bool
	lsbFirst   bool
	selected   bool
}

func New(pins Pins) *Bus {
	return &Bus{
		pins:  pins,
		Delay: sleepDelay,
	}
}

func sleepDelay(units uint16) {
	if units > 0 {
		time.Sleep(time.Duration(units) * time.Microsecond)
	}
}

// Configure sets the half period delay and the SPI mode. The clock line moves
// to its new idle level immediately.
func (b *Bus) Configure(clockDelay uint16, mode spi.Mode) error {
	b.clockDelay = clockDelay
	b.cpha = mode&spi.Mode1 != 0
	b.cpol = gpio.Level(mode&spi.Mode2 != 0)
	b.lsbFirst = mode&spi.LSBFirst != 0

	return b.pins.SetClock(b.cpol)
}

// Begin deselects the card and idles the bus.
func (b *Bus) Begin() error {
	b.selected = false

	if err := b.pins.SetSelect(gpio.High); err != nil {
		return err
	}
	if err := b.pins.SetData(gpio.High); err != nil {
		return err
	}
	return b.pins.SetClock(b.cpol)
}

func (b *Bus) BeginTransaction() error {
	if err := b.pins.SetSelect(gpio.Low); err != nil {
		return err
	}
	b.selected = true
	return nil
}

func (b *Bus) EndTransaction() error {
	b.selected = false
	return b.pins.SetSelect(gpio.High)
}

func (b *Bus) Send(p []byte) error {
	for _, v := range p {
		if _, err := b.transfer(v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Receive(p []byte) error {
	for i := range p {
		v, err := b.transfer(0xFF)
		if err != nil {
			return err
		}
		p[i] = v
	}
	return nil
}

func (b *Bus) ReceiveByte() (byte, error) {
	return b.transfer(0xFF)
}

// DummyClocks clocks out count bytes of 0xFF with the select line unchanged.
func (b *Bus) DummyClocks(count int) error {
	for i := 0; i < count; i++ {
		if _, err := b.transfer(0xFF); err != nil {
			return err
		}
	}
	return nil
}

// Tx matches conn.Conn: w and r may differ in length, missing write bytes are
// sent as 0xFF.
func (b *Bus) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}

	for i := 0; i < n; i++ {
		out := byte(0xFF)
		if i < len(w) {
			out = w[i]
		}

		in, err := b.transfer(out)
		if err != nil {
			return err
		}

		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

func (b *Bus) transfer(out byte) (byte, error) {
	var in byte

	for i := 0; i < 8; i++ {
		shift := uint(7 - i)
		if b.lsbFirst {
			shift = uint(i)
		}

		bit, err := b.bitTransfer(out&(1<<shift) != 0)
		if err != nil {
			return 0, err
		}

		if bit {
			in |= 1 << shift
		}
	}

	return in, nil
}

// bitTransfer runs one clock period. With CPHA=0 data is set up before the
// leading edge and sampled on it; with CPHA=1 data changes on the leading
// edge and is sampled on the trailing edge.
func (b *Bus) bitTransfer(v bool) (gpio.Level, error) {
	var in gpio.Level
	var err error

	if !b.cpha {
		if err = b.pins.SetData(gpio.Level(v)); err != nil {
			return false, err
		}
		b.Delay(b.clockDelay)
		if in, err = b.pins.Sample(); err != nil {
			return false, err
		}
		if err = b.pins.SetClock(!b.cpol); err != nil {
			return false, err
		}
		b.Delay(b.clockDelay)
		return in, b.pins.SetClock(b.cpol)
	}

	if err = b.pins.SetClock(!b.cpol); err != nil {
		return false, err
	}
	if err = b.pins.SetData(gpio.Level(v)); err != nil {
		return false, err
	}
	b.Delay(b.clockDelay)
	if err = b.pins.SetClock(b.cpol); err != nil {
		return false, err
	}
	if in, err = b.pins.Sample(); err != nil {
		return false, err
	}
	b.Delay(b.clockDelay)
	return in, nil
}
