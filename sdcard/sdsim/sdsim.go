// Package sdsim emulates an SDHC card at the SPI byte level. A Card
// implements sdcard.Transport directly: every byte sent or received is one
// full-duplex exchange with the emulated card, so the driver sees the same
// framing, busy bytes and data tokens it would see on a real bus.
package sdsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BertoldVdb/sdspi/sdcard"
	"periph.io/x/conn/v3/spi"
)

type simState int

const (
	statePowerOn simState = iota // waiting for CMD0
	stateIdle                    // CMD0 seen, waiting for ACMD41
	stateReady
)

// Options control how the emulated card behaves. The zero value is a well
// behaved SDHC card.
type Options struct {
	ResponseDelay  int  // 0xFF bytes before every R1
	TokenDelay     int  // 0xFF bytes between R1 and the data token
	OpCondAttempts int  // ACMD41 attempts before the card is ready
	ByteAddressed  bool // report CCS=0 like a standard capacity card
	Version1       bool // reject CMD8 as illegal
	CorruptDataCRC bool // send a wrong CRC16 after data blocks

	CID sdcard.CID // fields used to build the CID register

	LogFunc sdcard.LogFunc
}

var (
	ErrNotSelected     = errors.New("sdsim: no transaction in progress")
	ErrAlreadySelected = errors.New("sdsim: transaction already in progress")
	ErrBadMode         = errors.New("sdsim: only SPI mode 0 and 3 with MSB first are supported")
)

// Card is an emulated SD card.
type Card struct {
	img    io.ReaderAt
	blocks uint32
	closer io.Closer
	opts   Options

	state     simState
	appCmd    bool
	opCondCnt int

	selected bool
	cmdBuf   []byte
	out      []byte

	clockDelay   uint16
	transactions int
}

// New returns a card whose blocks are read from img. Blocks past the end of
// img but inside the reported capacity read as zeros.
func New(img io.ReaderAt, blocks uint32, opts Options) *Card {
	if opts.CID.Product == "" {
		opts.CID = sdcard.CID{
			Manufacturer: 0x42,
			OEM:          "GO",
			Product:      "SIMSD",
			Revision:     "1.0",
			Serial:       0x5D5D0001,
			Year:         2024,
			Month:        10,
		}
	}

	return &Card{
		img:    img,
		blocks: blocks,
		opts:   opts,
	}
}

// Open emulates a card backed by an image file.
func Open(path string, opts Options) (*Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	c := New(f, uint32((st.Size()+sdcard.BlockSize-1)/sdcard.BlockSize), opts)
	c.closer = f

	c.log("Opened image %s, %d blocks", path, c.blocks)
	return c, nil
}

func (c *Card) log(format string, params ...interface{}) {
	if c.opts.LogFunc != nil {
		c.opts.LogFunc("sim: "+format, params...)
	}
}

func (c *Card) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Capacity is the block count reported in the CSD, the image size rounded up
// to the 512KiB granularity of CSD version 2.
func (c *Card) Capacity() uint32 {
	units := (c.blocks + 1023) / 1024
	if units == 0 {
		units = 1
	}
	return units * 1024
}

// Transactions returns how many transactions have been completed.
func (c *Card) Transactions() int {
	return c.transactions
}

// ClockDelay returns the last configured clock delay.
func (c *Card) ClockDelay() uint16 {
	return c.clockDelay
}

func (c *Card) Configure(clockDelay uint16, mode spi.Mode) error {
	if mode&spi.LSBFirst != 0 {
		return ErrBadMode
	}
	if m := mode &^ (spi.HalfDuplex | spi.NoCS); m != spi.Mode0 && m != spi.Mode3 {
		return ErrBadMode
	}

	c.clockDelay = clockDelay
	return nil
}

func (c *Card) Begin() error {
	c.selected = false
	c.cmdBuf = c.cmdBuf[:0]
	c.out = c.out[:0]
	return nil
}

func (c *Card) BeginTransaction() error {
	if c.selected {
		return ErrAlreadySelected
	}
	c.selected = true
	return nil
}

func (c *Card) EndTransaction() error {
	if !c.selected {
		return ErrNotSelected
	}

	/* Deselecting aborts whatever the card was sending */
	c.selected = false
	c.cmdBuf = c.cmdBuf[:0]
	c.out = c.out[:0]
	c.transactions++
	return nil
}

func (c *Card) Send(p []byte) error {
	for _, b := range p {
		c.Exchange(b)
	}
	return nil
}

func (c *Card) Receive(p []byte) error {
	for i := range p {
		p[i] = c.Exchange(0xFF)
	}
	return nil
}

func (c *Card) ReceiveByte() (byte, error) {
	return c.Exchange(0xFF), nil
}

func (c *Card) DummyClocks(count int) error {
	for i := 0; i < count; i++ {
		c.Exchange(0xFF)
	}
	return nil
}

// Exchange clocks one byte in each direction. Bus adapters that shift whole
// bytes can drive the card through it directly.
func (c *Card) Exchange(in byte) byte {
	if !c.selected {
		return 0xFF
	}

	out := byte(0xFF)
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	}

	if len(c.cmdBuf) == 0 && in&0xC0 != 0x40 {
		return out
	}

	c.cmdBuf = append(c.cmdBuf, in)
	if len(c.cmdBuf) == sdcard.FrameSize {
		c.execute(c.cmdBuf)
		c.cmdBuf = c.cmdBuf[:0]
	}

	return out
}

func (c *Card) r1() byte {
	if c.state == stateReady {
		return 0x00
	}
	return byte(sdcard.R1IdleState)
}

func (c *Card) respond(b ...byte) {
	for i := 0; i < c.opts.ResponseDelay; i++ {
		c.out = append(c.out, 0xFF)
	}
	c.out = append(c.out, b...)
}

func (c *Card) respondData(data []byte) {
	for i := 0; i < c.opts.TokenDelay; i++ {
		c.out = append(c.out, 0xFF)
	}

	crc := sdcard.CRC16(data)
	if c.opts.CorruptDataCRC {
		crc = ^crc
	}

	c.out = append(c.out, 0xFE)
	c.out = append(c.out, data...)
	c.out = append(c.out, byte(crc>>8), byte(crc))
}

// Data error tokens replace the start block token when a read fails.
const dataErrorGeneral = 0x01

func (c *Card) respondDataError(token byte) {
	for i := 0; i < c.opts.TokenDelay; i++ {
		c.out = append(c.out, 0xFF)
	}
	c.out = append(c.out, token)
}

func (c *Card) execute(frame []byte) {
	cmd := frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(frame[1:5])
	appCmd := c.appCmd
	c.appCmd = false

	c.log("CMD%d arg=%08x", cmd, arg)

	if c.state == statePowerOn && cmd != 0 {
		return
	}

	/* CRC is always checked for CMD0 and CMD8, as SPI mode starts with CRC on */
	if (cmd == 0 || cmd == 8) && sdcard.FrameCRC(frame[:5]) != frame[5] {
		c.respond(c.r1() | byte(sdcard.R1CmdCRCError))
		return
	}

	switch cmd {
	case 0:
		c.state = stateIdle
		c.opCondCnt = 0
		c.respond(byte(sdcard.R1IdleState))

	case 8:
		if c.opts.Version1 {
			c.respond(c.r1() | byte(sdcard.R1IllegalCmd))
			return
		}
		c.respond(c.r1(), 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))

	case 9:
		if !c.checkReady() {
			return
		}
		c.respond(0x00)
		c.respondData(c.csd())

	case 10:
		if !c.checkReady() {
			return
		}
		c.respond(0x00)
		c.respondData(c.cid())

	case 17:
		if !c.checkReady() {
			return
		}
		if arg >= c.Capacity() {
			c.respond(byte(sdcard.R1AddressError))
			return
		}
		c.respond(0x00)
		if data, err := c.readBlock(arg); err != nil {
			c.respondDataError(dataErrorGeneral)
		} else {
			c.respondData(data)
		}

	case 41:
		if !appCmd {
			c.respond(c.r1() | byte(sdcard.R1IllegalCmd))
			return
		}
		c.opCondCnt++
		if c.state == stateIdle && c.opCondCnt >= c.opts.OpCondAttempts {
			c.state = stateReady
		}
		c.respond(c.r1())

	case 55:
		c.appCmd = true
		c.respond(c.r1())

	case 58:
		ocr := uint32(0x00FF8000)
		if c.state == stateReady {
			ocr |= 1 << 31
			if !c.opts.ByteAddressed {
				ocr |= 1 << 30
			}
		}
		c.respond(c.r1(), byte(ocr>>24), byte(ocr>>16), byte(ocr>>8), byte(ocr))

	default:
		c.log("Unsupported CMD%d", cmd)
		c.respond(c.r1() | byte(sdcard.R1IllegalCmd))
	}
}

func (c *Card) checkReady() bool {
	if c.state != stateReady {
		c.respond(c.r1() | byte(sdcard.R1IllegalCmd))
		return false
	}
	return true
}

// readBlock returns the image contents of a block. Blocks past the end of
// the image read as zeros.
func (c *Card) readBlock(addr uint32) ([]byte, error) {
	buf := make([]byte, sdcard.BlockSize)
	if addr >= c.blocks {
		return buf, nil
	}

	n, err := c.img.ReadAt(buf, int64(addr)*sdcard.BlockSize)
	if err != nil && err != io.EOF {
		c.log("Image read of block %d failed after %d bytes: %v", addr, n, err)
		return nil, err
	}
	return buf, nil
}

func (c *Card) csd() []byte {
	size := c.Capacity()/1024 - 1

	reg := []byte{0x40, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00,
		byte(size>>16) & 0x3F, byte(size >> 8), byte(size),
		0x7F, 0x80, 0x0A, 0x40, 0x00, 0x00}
	reg[15] = sdcard.FrameCRC(reg[:15])
	return reg
}

func (c *Card) cid() []byte {
	id := c.opts.CID
	reg := make([]byte, sdcard.RegisterSize)

	reg[0] = id.Manufacturer
	copy(reg[1:3], fmt.Sprintf("%-2.2s", id.OEM))
	copy(reg[3:8], fmt.Sprintf("%-5.5s", id.Product))

	var major, minor byte
	if id.Revision != "" {
		if _, err := fmt.Sscanf(id.Revision, "%d.%d", &major, &minor); err != nil {
			c.log("Bad product revision %q: %v", id.Revision, err)
			major, minor = 0, 0
		}
	}
	reg[8] = major<<4 | minor&0x0F

	binary.BigEndian.PutUint32(reg[9:13], id.Serial)

	year := id.Year - 2000
	reg[13] = byte(year>>4) & 0x0F
	reg[14] = byte(year)<<4 | byte(id.Month)&0x0F
	reg[15] = sdcard.FrameCRC(reg[:15])
	return reg
}
