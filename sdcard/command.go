package sdcard

import (
	"encoding/binary"
	"fmt"
)

// FrameSize is the length of a command frame on the wire.
const FrameSize = 6

// BuildFrame encodes a command: start bit and index, big-endian argument and
// the CRC7 with stop bit.
func BuildFrame(cmd byte, arg uint32) [FrameSize]byte {
	var frame [FrameSize]byte

	frame[0] = 0x40 | (cmd & 0x3F)
	binary.BigEndian.PutUint32(frame[1:5], arg)
	frame[5] = FrameCRC(frame[:5])

	return frame
}

// Command sends a command and fills resp with its response. The length of
// resp is the expected response length: 1 for R1, 5 for R3 and R7.
func (c *Card) Command(cmd byte, arg uint32, resp []byte) error {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	return c.command(command(cmd), arg, resp)
}

func (c *Card) command(cmd command, arg uint32, resp []byte) (err error) {
	if len(resp) == 0 {
		return errEmptyResponse
	}

	if err := c.t.BeginTransaction(); err != nil {
		return fmt.Errorf("sdcard: begin transaction: %w", err)
	}
	defer c.endTransaction(&err)

	if err := c.sendCommand(cmd, arg, &resp[0]); err != nil {
		return err
	}

	if len(resp) > 1 {
		if err := c.t.Receive(resp[1:]); err != nil {
			return fmt.Errorf("sdcard: CMD%d response: %w", cmd, err)
		}
	}

	return nil
}

// sendCommand writes the frame and polls for R1. It must be called inside a
// transaction.
func (c *Card) sendCommand(cmd command, arg uint32, r1 *byte) error {
	frame := BuildFrame(byte(cmd), arg)

	if err := c.t.DummyClocks(1); err != nil {
		return fmt.Errorf("sdcard: dummy clocks: %w", err)
	}

	if err := c.t.Send(frame[:]); err != nil {
		return fmt.Errorf("sdcard: CMD%d: %w", cmd, err)
	}

	for i := uint16(0); i < c.cfg.Timeout; i++ {
		b, err := c.t.ReceiveByte()
		if err != nil {
			return fmt.Errorf("sdcard: CMD%d R1: %w", cmd, err)
		}

		*r1 = b
		if b&0x80 == 0 {
			return nil
		}
	}

	return ErrTimeout
}

// endTransaction closes the transaction and reports its error unless an
// earlier one is already being returned.
func (c *Card) endTransaction(err *error) {
	if e := c.t.EndTransaction(); e != nil && *err == nil {
		*err = fmt.Errorf("sdcard: end transaction: %w", e)
	}
}
