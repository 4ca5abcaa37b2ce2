package sdcard

import "periph.io/x/conn/v3/spi"

// Transport is the SPI link to the card. Implementations live in the spi/
// packages and in sdsim.
//
// DummyClocks sends count bytes of 0xFF. Called outside a transaction the
// chip select line stays deasserted, which is what the power-up sequence
// needs. The clock delay unit is transport specific; larger is slower.
type Transport interface {
	Configure(clockDelay uint16, mode spi.Mode) error
	Begin() error
	BeginTransaction() error
	EndTransaction() error
	Send(p []byte) error
	Receive(p []byte) error
	ReceiveByte() (byte, error)
	DummyClocks(count int) error
}
