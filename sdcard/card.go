// Package sdcard implements a block reader for SDHC/SDXC memory cards
// connected in SPI mode. The card is driven through a Transport, so the same
// code works on a hardware SPI port, bit-banged GPIO lines or a simulator.
//
// Only block-addressed cards are supported and only single block reads are
// implemented.
package sdcard

import (
	"encoding/binary"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/spi"
)

type LogFunc func(format string, params ...interface{})

// BlockSize is the transfer unit of a block-addressed card.
const BlockSize = 512

// Default loop bounds. These count poll iterations, not time, and should be
// scaled to the clock rate of the transport.
const (
	DefaultTimeout       = 1000
	DefaultOpCondRetries = 3000
	DefaultTokenPolls    = 3000
)

// R1 is the one byte status every command response starts with.
type R1 byte

const (
	R1IdleState    R1 = 0x01
	R1EraseReset   R1 = 0x02
	R1IllegalCmd   R1 = 0x04
	R1CmdCRCError  R1 = 0x08
	R1EraseSeqErr  R1 = 0x10
	R1AddressError R1 = 0x20
	R1ParamError   R1 = 0x40
)

var r1Names = []string{"idle", "erase-reset", "illegal-command", "crc-error", "erase-sequence", "address-error", "parameter-error"}

func (r R1) String() string {
	if r&0x80 != 0 {
		return fmt.Sprintf("busy(%02x)", byte(r))
	}
	if r == 0 {
		return "ready"
	}

	s := ""
	for i, name := range r1Names {
		if r&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

type command byte

const (
	cmdGoIdleState     command = 0
	cmdSendIfCond      command = 8
	cmdSendCSD         command = 9
	cmdSendCID         command = 10
	cmdReadSingleBlock command = 17
	cmdAppSendOpCond   command = 41
	cmdAppCmd          command = 55
	cmdReadOCR         command = 58
)

const (
	ifCondCheckPattern = 0x1AA
	opCondHCS          = 1 << 30

	ocrCCS      = 0x40 // byte 1 of the R3 response
	ocrPowerUp  = 0x80
	ocrVoltages = 0x01 // byte 3 of the R7 response, 2.7-3.6V accepted
)

// Config holds the clock settings and loop bounds of a card. Zero values are
// replaced by the defaults above.
type Config struct {
	InitialClockDelay uint16 // used until the card has left the idle state
	ClockDelay        uint16 // used after a successful Init
	Timeout           uint16 // R1 poll iterations per command

	OpCondRetries int // ACMD41 attempts
	TokenPolls    int // bytes polled for the data start token

	// IgnoreDataCRC skips verification of the data block checksum. The
	// trailer is still clocked out.
	IgnoreDataCRC bool
}

func (c *Config) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.OpCondRetries <= 0 {
		c.OpCondRetries = DefaultOpCondRetries
	}
	if c.TokenPolls <= 0 {
		c.TokenPolls = DefaultTokenPolls
	}
}

// Card is an initialized SD card. Exported methods may be called from several
// goroutines; they are serialized internally.
type Card struct {
	t   Transport
	cfg Config

	workMutex sync.Mutex
	ocr       uint32

	csd *CSD
	cid *CID

	// single block cache for unaligned ReadAt calls
	cacheValid bool
	cacheAddr  uint32
	cache      [BlockSize]byte

	logFunc LogFunc
}

func (c *Card) log(format string, params ...interface{}) {
	if c.logFunc != nil {
		c.logFunc(" * "+format, params...)
	}
}

// New brings up the card on the given transport. It returns the error of the
// first failing initialization step.
func New(t Transport, cfg Config, logFunc LogFunc) (*Card, error) {
	cfg.setDefaults()

	c := &Card{
		t:       t,
		cfg:     cfg,
		logFunc: logFunc,
	}

	if err := c.Init(); err != nil {
		return nil, err
	}

	return c, nil
}

// Init runs the SPI mode power-up handshake again. It can be used to recover
// a card that stopped responding.
func (c *Card) Init() error {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	c.csd = nil
	c.cid = nil
	c.cacheValid = false

	return c.init()
}

func (c *Card) init() error {
	var buf [5]byte

	c.log("Initializing card")

	if err := c.t.Begin(); err != nil {
		return fmt.Errorf("sdcard: begin: %w", err)
	}

	if err := c.t.Configure(c.cfg.InitialClockDelay, spi.Mode0); err != nil {
		return fmt.Errorf("sdcard: configure: %w", err)
	}

	/* At least 74 clocks with CS high before the first command */
	if err := c.t.DummyClocks(10); err != nil {
		return fmt.Errorf("sdcard: dummy clocks: %w", err)
	}

	if err := c.command(cmdGoIdleState, 0, buf[:1]); err != nil {
		c.log("CMD0 failed: %v", err)
		return err
	}
	c.log("CMD0, R1=%02x", buf[0])
	if R1(buf[0]) != R1IdleState {
		return ErrTimeout
	}

	/* A card that stays silent on CMD8 is present but not version 2 */
	if err := c.command(cmdSendIfCond, ifCondCheckPattern, buf[:5]); err == ErrTimeout {
		c.log("CMD8 not answered")
		return ErrNotSupported
	} else if err != nil {
		c.log("CMD8 failed: %v", err)
		return err
	}
	c.log("CMD8, R7=% x", buf[:5])
	if R1(buf[0]) != R1IdleState || buf[3]&ocrVoltages == 0 || buf[4] != ifCondCheckPattern&0xFF {
		c.log("Interface condition not accepted")
		return ErrNotSupported
	}

	if err := c.waitOpCond(buf[:1]); err != nil {
		return err
	}

	if err := c.command(cmdReadOCR, 0, buf[:5]); err == ErrTimeout {
		c.log("CMD58 not answered")
		return ErrBadResponse
	} else if err != nil {
		c.log("CMD58 failed: %v", err)
		return err
	}
	c.log("CMD58, R3=% x", buf[:5])
	if R1(buf[0])&^R1IdleState != 0 {
		c.log("Unexpected response: %v", R1(buf[0]))
		return ErrBadResponse
	}
	if buf[1]&ocrCCS == 0 {
		c.log("Card is byte addressed (CCS=0)")
		return ErrNotSupported
	}
	if buf[1]&ocrPowerUp == 0 {
		c.log("Card power up status is 0")
		return ErrBadResponse
	}
	c.ocr = binary.BigEndian.Uint32(buf[1:5])

	if err := c.t.Configure(c.cfg.ClockDelay, spi.Mode0); err != nil {
		return fmt.Errorf("sdcard: configure: %w", err)
	}

	c.log("SDHC/SDXC card ready, OCR=%08x", c.ocr)
	return nil
}

// waitOpCond repeats ACMD41 until the card leaves the idle state. A command
// that times out counts as one failed attempt.
func (c *Card) waitOpCond(r1 []byte) error {
	for i := 0; i < c.cfg.OpCondRetries; i++ {
		if err := c.command(cmdAppCmd, 0, r1); err != nil && err != ErrTimeout {
			return err
		}

		err := c.command(cmdAppSendOpCond, opCondHCS, r1)
		if err != nil && err != ErrTimeout {
			return err
		}

		if err == nil && r1[0] == 0 {
			c.log("ACMD41 accepted after %d attempts", i+1)
			return nil
		}
	}

	c.log("ACMD41, R1=%02x", r1[0])
	return ErrTimeout
}

// OCR returns the operating conditions register read during Init.
func (c *Card) OCR() uint32 {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	return c.ocr
}
