// Package cardopen opens a card from a device path such as
// "platform:/dev/spidev0.0:GPIO8" or "usb:" and picks the matching
// transport.
package cardopen

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/BertoldVdb/sdspi/sdcard/cardopen/mcp2221a"
	"github.com/BertoldVdb/sdspi/sdcard/sdsim"
	"github.com/BertoldVdb/sdspi/spi/bitbang"
	"github.com/BertoldVdb/sdspi/spi/buspirate"
	"github.com/BertoldVdb/sdspi/spi/periphspi"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Card is a card together with the transport it was opened on.
type Card struct {
	*sdcard.Card
	Path string

	closer io.Closer
}

func (c *Card) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Transport is an opened transport with the clock settings that suit it.
type Transport struct {
	sdcard.Transport
	io.Closer

	InitialClockDelay uint16
	ClockDelay        uint16
}

func initHost() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("could not init host: %v", err)
	}
	return nil
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return p, nil
}

// OpenPlatform uses a hardware SPI port with a GPIO chip select.
func OpenPlatform(port string, csName string, maxHz physic.Frequency) (*Transport, error) {
	if err := initHost(); err != nil {
		return nil, err
	}

	cs, err := pinByName(csName)
	if err != nil {
		return nil, err
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, err
	}

	if maxHz == 0 {
		maxHz = periphspi.DefaultMaxFrequency
	}

	p := periphspi.Open(port, cs, maxHz)

	/* 400kHz or less during init */
	initial := uint16(maxHz / (400 * physic.KiloHertz))

	return &Transport{Transport: p, Closer: p, InitialClockDelay: initial}, nil
}

// OpenGPIO bit-bangs the bus on four host GPIO pins.
func OpenGPIO(sck, mosi, miso, cs string) (*Transport, error) {
	if err := initHost(); err != nil {
		return nil, err
	}

	var pins bitbang.PeriphPins
	var err error

	if pins.SCK, err = pinByName(sck); err != nil {
		return nil, err
	}
	if pins.MOSI, err = pinByName(mosi); err != nil {
		return nil, err
	}
	if pins.MISO, err = pinByName(miso); err != nil {
		return nil, err
	}
	if pins.CS, err = pinByName(cs); err != nil {
		return nil, err
	}

	if err := pins.Init(); err != nil {
		return nil, err
	}

	return &Transport{Transport: bitbang.New(&pins), InitialClockDelay: 2}, nil
}

// MCP2221A pin assignment when bit-banging over USB.
const (
	mcpSCK  = 0
	mcpMOSI = 1
	mcpMISO = 2
	mcpCS   = 3
)

// mcpPins drives the bus lines through the GPIO reports of an MCP2221A.
// Each line change is one USB round trip.
type mcpPins struct {
	gpio   *mcp2221a.GPIO
	levels byte
}

func (p *mcpPins) set(pin byte, l gpio.Level) error {
	bit := byte(1) << pin
	want := p.levels &^ bit
	if l {
		want |= bit
	}
	if want == p.levels {
		return nil
	}

	if err := p.gpio.SetLevels(bit, want); err != nil {
		return err
	}
	p.levels = want
	return nil
}

func (p *mcpPins) SetClock(l gpio.Level) error  { return p.set(mcpSCK, l) }
func (p *mcpPins) SetData(l gpio.Level) error   { return p.set(mcpMOSI, l) }
func (p *mcpPins) SetSelect(l gpio.Level) error { return p.set(mcpCS, l) }

func (p *mcpPins) Sample() (gpio.Level, error) {
	levels, err := p.gpio.Levels()
	return gpio.Level(levels&(1<<mcpMISO) != 0), err
}

func newMCPTransport(dev *mcp2221a.MCP2221A) (*Transport, error) {
	pins := &mcpPins{
		gpio:   dev.GPIO,
		levels: 1<<mcpCS | 1<<mcpMOSI,
	}

	outputs := byte(1<<mcpSCK | 1<<mcpMOSI | 1<<mcpCS)
	if err := dev.GPIO.SetAll(outputs, pins.levels); err != nil {
		return nil, err
	}

	return &Transport{Transport: bitbang.New(pins), Closer: dev}, nil
}

// OpenUSB bit-bangs the bus on the GP pins of an MCP2221A: GP0 is SCK, GP1
// MOSI, GP2 MISO and GP3 CS.
func OpenUSB(serial string) (*Transport, error) {
	dev, err := mcp2221a.Open(mcp2221a.VID, mcp2221a.PID, serial)
	if err != nil {
		return nil, err
	}

	t, err := newMCPTransport(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return t, nil
}

func OpenBusPirate(port string) (*Transport, error) {
	bp, err := buspirate.Open(port)
	if err != nil {
		return nil, err
	}

	/* 250kHz during init, 4MHz after */
	return &Transport{Transport: bp, Closer: bp, InitialClockDelay: 5, ClockDelay: 1}, nil
}

func OpenImage(file string, logFunc sdcard.LogFunc) (*Transport, error) {
	sim, err := sdsim.Open(file, sdsim.Options{LogFunc: logFunc})
	if err != nil {
		return nil, err
	}
	return &Transport{Transport: sim, Closer: sim}, nil
}

func getPart(parts []string, index int, def string) string {
	if index >= len(parts) || parts[index] == "" {
		return def
	}
	return parts[index]
}

// OpenTransport parses a device path:
//
//	platform:<spi port>:<cs pin>[:<max frequency>]
//	gpio:<sck>:<mosi>:<miso>:<cs>
//	usb:[serial]
//	buspirate:<serial port>
//	image:<file>
func OpenTransport(path string, logFunc sdcard.LogFunc) (*Transport, error) {
	kind, rest, _ := strings.Cut(path, ":")

	/* Image and serial port names may contain colons */
	switch kind {
	case "image":
		if rest == "" {
			return nil, errors.New("image path missing")
		}
		return OpenImage(rest, logFunc)
	case "buspirate":
		if rest == "" {
			rest = "/dev/ttyUSB0"
		}
		return OpenBusPirate(rest)
	}

	parts := strings.Split(path, ":")

	switch kind {
	case "usb":
		return OpenUSB(getPart(parts, 1, ""))

	case "platform":
		var maxHz physic.Frequency
		if f := getPart(parts, 3, ""); f != "" {
			if err := maxHz.Set(f); err != nil {
				return nil, err
			}
		}
		return OpenPlatform(getPart(parts, 1, ""), getPart(parts, 2, "GPIO8"), maxHz)

	case "gpio":
		if len(parts) != 5 {
			return nil, errors.New("gpio path needs sck, mosi, miso and cs pins")
		}
		return OpenGPIO(parts[1], parts[2], parts[3], parts[4])
	}

	return nil, errors.New("device type not supported, use 'platform', 'gpio', 'usb', 'buspirate' or 'image'")
}

// OpenCard opens the transport and initializes the card. Clock delays left
// at zero in cfg are taken from the transport defaults.
func OpenCard(path string, cfg sdcard.Config, logFunc sdcard.LogFunc) (*Card, error) {
	t, err := OpenTransport(path, logFunc)
	if err != nil {
		return nil, err
	}

	return newCard(path, t, cfg, logFunc)
}

func newCard(path string, t *Transport, cfg sdcard.Config, logFunc sdcard.LogFunc) (*Card, error) {
	if cfg.InitialClockDelay == 0 && cfg.ClockDelay == 0 {
		cfg.InitialClockDelay = t.InitialClockDelay
		cfg.ClockDelay = t.ClockDelay
	}

	c, err := sdcard.New(t.Transport, cfg, logFunc)
	if err != nil {
		if t.Closer != nil {
			t.Closer.Close()
		}
		return nil, fmt.Errorf("failed to initialize card on %s: %w", path, err)
	}

	return &Card{Card: c, Path: path, closer: t.Closer}, nil
}
