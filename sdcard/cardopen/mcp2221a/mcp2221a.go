// Package mcp2221a drives the four GP pins of a Microchip MCP2221A USB bridge
// over its HID interface. Only the GP pin designation and the GPIO level
// commands are implemented, which is what a bit-banged bus needs.
//
// Datasheet: http://ww1.microchip.com/downloads/en/devicedoc/20005565b.pdf
package mcp2221a

// Based on: https://github.com/ardnew/mcp2221a
// MIT License
//
// Copyright (c) 2020 ardnew
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

import (
	"errors"
	"fmt"

	usb "github.com/karalabe/hid"
)

// VID and PID of an MCP2221A with factory settings.
const (
	VID = 0x04D8
	PID = 0x00DD
)

// MsgSz is the size of all command and response reports.
const MsgSz = 64

// PinCount is the number of GP pins.
const PinCount = 4

const (
	wordSet byte = 0xFF
	wordClr byte = 0x00
)

const (
	cmdGPIOSet byte = 0x50
	cmdGPIOGet byte = 0x51
	cmdSRAMSet byte = 0x60
)

// Pin designation bits in an SRAM set report.
const (
	modeGPIO  byte = 0x00
	dirOutput byte = 0x00
	dirInput  byte = 0x01
)

// notGPIO is reported by GPIO get for pins that are not in GPIO mode.
const notGPIO = 0xEE

var ErrNoDevice = errors.New("mcp2221a: no device found")

// HIDDevice is the part of a hid.Device that is used.
type HIDDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2221A is an opened bridge.
type MCP2221A struct {
	dev    HIDDevice
	Serial string

	GPIO *GPIO

	rsp [MsgSz]byte
}

// AttachedDevices lists the HID devices matching vid and pid.
func AttachedDevices(vid uint16, pid uint16) []usb.DeviceInfo {
	return usb.Enumerate(vid, pid)
}

// Open opens the first bridge with the given USB serial number, or the first
// one found if serial is empty.
func Open(vid uint16, pid uint16, serial string) (*MCP2221A, error) {
	for _, info := range AttachedDevices(vid, pid) {
		if serial != "" && info.Serial != serial {
			continue
		}

		dev, err := info.Open()
		if err != nil {
			return nil, fmt.Errorf("mcp2221a: open %s: %w", info.Path, err)
		}

		mcp := NewFromDev(dev)
		mcp.Serial = info.Serial
		return mcp, nil
	}

	return nil, ErrNoDevice
}

// NewFromDev wraps an already opened HID device.
func NewFromDev(dev HIDDevice) *MCP2221A {
	mcp := &MCP2221A{dev: dev}
	mcp.GPIO = &GPIO{mcp}
	return mcp
}

func (mcp *MCP2221A) Close() error {
	if mcp.dev == nil {
		return nil
	}

	err := mcp.dev.Close()
	mcp.dev = nil
	return err
}

// send writes a command report and returns the response. The response is
// only valid until the next call.
func (mcp *MCP2221A) send(cmd byte, data []byte) ([]byte, error) {
	if mcp.dev == nil {
		return nil, errors.New("mcp2221a: device closed")
	}

	data[0] = cmd
	if _, err := mcp.dev.Write(data); err != nil {
		return nil, fmt.Errorf("mcp2221a: write command %02x: %w", cmd, err)
	}

	n, err := mcp.dev.Read(mcp.rsp[:])
	if err != nil {
		return nil, fmt.Errorf("mcp2221a: read response %02x: %w", cmd, err)
	}
	if n < MsgSz {
		return nil, fmt.Errorf("mcp2221a: short response to %02x (%d of %d bytes)", cmd, n, MsgSz)
	}
	if mcp.rsp[0] != cmd || mcp.rsp[1] != wordClr {
		return nil, fmt.Errorf("mcp2221a: command %02x failed", cmd)
	}

	return mcp.rsp[:], nil
}

// GPIO controls the GP pins.
type GPIO struct {
	*MCP2221A
}

func gpSetting(val byte, mode byte, dir byte) byte {
	return (val&1)<<4 | dir<<3 | mode
}

// SetAll configures all pins as GPIO in one command. Bit n of outputs makes
// GPn an output, bit n of levels is its initial value.
func (mod *GPIO) SetAll(outputs byte, levels byte) error {
	var gp [PinCount]byte
	for i := range gp {
		dir := dirInput
		if outputs&(1<<i) != 0 {
			dir = dirOutput
		}
		gp[i] = gpSetting(levels>>i, modeGPIO, dir)
	}

	return mod.setDesignation(gp[:])
}

func (mod *GPIO) setDesignation(gp []byte) error {
	var cmd [MsgSz]byte
	cmd[7] = wordSet
	copy(cmd[8:8+PinCount], gp)

	_, err := mod.send(cmdSRAMSet, cmd[:])
	return err
}

// SetLevels changes the output value of every pin in mask with a single
// report. Directions are left alone.
func (mod *GPIO) SetLevels(mask byte, levels byte) error {
	var cmd [MsgSz]byte
	for pin := 0; pin < PinCount; pin++ {
		if mask&(1<<pin) == 0 {
			continue
		}

		i := 2 + 4*pin
		cmd[i+0] = wordSet
		cmd[i+1] = (levels >> pin) & 1
	}

	_, err := mod.send(cmdGPIOSet, cmd[:])
	return err
}

// Levels returns the level of all pins as a bit mask. Pins that are not in
// GPIO mode read as zero.
func (mod *GPIO) Levels() (byte, error) {
	var cmd [MsgSz]byte
	rsp, err := mod.send(cmdGPIOGet, cmd[:])
	if err != nil {
		return 0, err
	}

	var levels byte
	for pin := 0; pin < PinCount; pin++ {
		if v := rsp[2+2*pin]; v != notGPIO && v != 0 {
			levels |= 1 << pin
		}
	}
	return levels, nil
}
