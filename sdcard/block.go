package sdcard

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	tokenStartBlock = 0xFE
	tokenIdle       = 0xFF
)

// ReadBlock reads the 512 byte block at the given block address.
func (c *Card) ReadBlock(addr uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return errBlockSize
	}

	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	return c.readData(cmdReadSingleBlock, addr, buf)
}

// ReadBlocks reads len(dst)/512 consecutive blocks starting at start. Each
// block is a separate single block read.
func (c *Card) ReadBlocks(dst []byte, start int64) error {
	if len(dst)%BlockSize != 0 {
		return errBlockSize
	}
	if start < 0 {
		return errNegativeAddr
	}
	if blocks := int64(len(dst) / BlockSize); blocks > 0 && start > math.MaxUint32-(blocks-1) {
		return errAddrRange
	}

	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	for i := 0; i < len(dst); i += BlockSize {
		addr := uint32(start) + uint32(i/BlockSize)
		if err := c.readData(cmdReadSingleBlock, addr, dst[i:i+BlockSize]); err != nil {
			return fmt.Errorf("block %d: %w", addr, err)
		}
	}

	return nil
}

// ReadAt implements io.ReaderAt on top of single block reads. The last block
// touched is kept so that small sequential reads do not hit the card again.
func (c *Card) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeAddr
	}

	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	size := int64(-1)
	if c.csd != nil {
		size = int64(c.csd.Blocks) * BlockSize
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if size >= 0 && pos >= size {
			return n, io.EOF
		}

		if pos/BlockSize > math.MaxUint32 {
			return n, errAddrRange
		}

		addr := uint32(pos / BlockSize)
		if !c.cacheValid || c.cacheAddr != addr {
			c.cacheValid = false
			if err := c.readData(cmdReadSingleBlock, addr, c.cache[:]); err != nil {
				return n, fmt.Errorf("block %d: %w", addr, err)
			}
			c.cacheAddr = addr
			c.cacheValid = true
		}

		n += copy(p[n:], c.cache[pos%BlockSize:])
	}

	return n, nil
}

// readData issues a data read command and transfers one data block of
// len(buf) bytes, followed by its CRC16 trailer.
func (c *Card) readData(cmd command, arg uint32, buf []byte) (err error) {
	if err := c.t.BeginTransaction(); err != nil {
		return fmt.Errorf("sdcard: begin transaction: %w", err)
	}
	defer c.endTransaction(&err)

	var r1 byte
	if err := c.sendCommand(cmd, arg, &r1); err != nil {
		return err
	}
	if r1 != 0 {
		c.log("CMD%d(%d) rejected: %v", cmd, arg, R1(r1))
		return ErrBadResponse
	}

	if err := c.waitStartBlock(cmd); err != nil {
		return err
	}

	if err := c.t.Receive(buf); err != nil {
		return fmt.Errorf("sdcard: CMD%d data: %w", cmd, err)
	}

	var trailer [2]byte
	if err := c.t.Receive(trailer[:]); err != nil {
		return fmt.Errorf("sdcard: CMD%d crc: %w", cmd, err)
	}

	if !c.cfg.IgnoreDataCRC {
		got := binary.BigEndian.Uint16(trailer[:])
		if want := CRC16(buf); got != want {
			c.log("CMD%d(%d) crc mismatch: got %04x, want %04x", cmd, arg, got, want)
			return ErrCRC
		}
	}

	return nil
}

func (c *Card) waitStartBlock(cmd command) error {
	for i := 0; i < c.cfg.TokenPolls; i++ {
		b, err := c.t.ReceiveByte()
		if err != nil {
			return fmt.Errorf("sdcard: CMD%d token: %w", cmd, err)
		}

		switch b {
		case tokenIdle:
			continue
		case tokenStartBlock:
			return nil
		default:
			c.log("CMD%d unexpected token %02x", cmd, b)
			return ErrBadResponse
		}
	}

	return ErrTimeout
}
