package sdcard

import (
	"encoding/binary"
	"errors"

	"periph.io/x/conn/v3/spi"
)

var errMockIO = errors.New("mock: bus error")

// mockTransport answers command frames with bytes from a responder function
// and counts transaction brackets.
type mockTransport struct {
	respond func(cmd byte, arg uint32) []byte

	inTx     bool
	frame    []byte
	out      []byte
	commands []byte

	begins     int
	ends       int
	nested     int
	unbalanced int
	received   int

	configured []uint16
	modes      []spi.Mode

	failReceiveAfter int // fail ReceiveByte after this many calls, 0 = never
}

func (m *mockTransport) Configure(clockDelay uint16, mode spi.Mode) error {
	m.configured = append(m.configured, clockDelay)
	m.modes = append(m.modes, mode)
	return nil
}

func (m *mockTransport) Begin() error { return nil }

func (m *mockTransport) BeginTransaction() error {
	if m.inTx {
		m.nested++
	}
	m.inTx = true
	m.begins++
	return nil
}

func (m *mockTransport) EndTransaction() error {
	if !m.inTx {
		m.unbalanced++
	}
	m.inTx = false
	m.ends++
	m.out = nil
	m.frame = nil
	return nil
}

func (m *mockTransport) Send(p []byte) error {
	for _, b := range p {
		m.exchange(b)
	}
	return nil
}

func (m *mockTransport) Receive(p []byte) error {
	for i := range p {
		p[i] = m.exchange(0xFF)
	}
	return nil
}

func (m *mockTransport) ReceiveByte() (byte, error) {
	m.received++
	if m.failReceiveAfter > 0 && m.received > m.failReceiveAfter {
		return 0, errMockIO
	}
	return m.exchange(0xFF), nil
}

func (m *mockTransport) DummyClocks(count int) error {
	for i := 0; i < count; i++ {
		m.exchange(0xFF)
	}
	return nil
}

func (m *mockTransport) exchange(in byte) byte {
	if !m.inTx {
		return 0xFF
	}

	out := byte(0xFF)
	if len(m.out) > 0 {
		out = m.out[0]
		m.out = m.out[1:]
	}

	if len(m.frame) == 0 && in&0xC0 != 0x40 {
		return out
	}

	m.frame = append(m.frame, in)
	if len(m.frame) == FrameSize {
		cmd := m.frame[0] & 0x3F
		m.commands = append(m.commands, cmd)
		if m.respond != nil {
			m.out = append(m.out, m.respond(cmd, binary.BigEndian.Uint32(m.frame[1:5]))...)
		}
		m.frame = nil
	}

	return out
}

func (m *mockTransport) count(cmd byte) int {
	n := 0
	for _, c := range m.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func newTestCard(m *mockTransport, cfg Config) *Card {
	cfg.setDefaults()
	return &Card{t: m, cfg: cfg}
}

// cardResponder behaves like a healthy SDHC card. Individual commands can be
// overridden.
func cardResponder(override map[byte]func(arg uint32) []byte) func(cmd byte, arg uint32) []byte {
	return func(cmd byte, arg uint32) []byte {
		if f, ok := override[cmd]; ok {
			return f(arg)
		}

		switch cmd {
		case 0:
			return []byte{0x01}
		case 8:
			return []byte{0x01, 0x00, 0x00, 0x01, 0xAA}
		case 55:
			return []byte{0x01}
		case 41:
			return []byte{0x00}
		case 58:
			return []byte{0x00, 0xC0, 0xFF, 0x80, 0x00}
		}
		return []byte{byte(R1IllegalCmd)}
	}
}

func dataResponse(idle int, token byte, payload []byte, crc uint16) []byte {
	out := []byte{0x00}
	for i := 0; i < idle; i++ {
		out = append(out, 0xFF)
	}
	out = append(out, token)
	out = append(out, payload...)
	return append(out, byte(crc>>8), byte(crc))
}
