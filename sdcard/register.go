package sdcard

import (
	"fmt"
	"strings"
)

// RegisterSize is the length of the CSD and CID registers.
const RegisterSize = 16

// CSD holds the fields of the card specific data register that the reader
// uses.
type CSD struct {
	Raw       [RegisterSize]byte
	Version   int    // 1 or 2
	TranSpeed byte   // maximum transfer rate code
	Blocks    uint32 // capacity in 512 byte blocks
}

// CID holds the card identification register.
type CID struct {
	Raw          [RegisterSize]byte
	Manufacturer byte
	OEM          string
	Product      string
	Revision     string
	Serial       uint32
	Year         int
	Month        int
}

func (i CID) String() string {
	return fmt.Sprintf("MID=%02x OEM=%s Product=%s Rev=%s Serial=%08x Date=%04d-%02d", i.Manufacturer, i.OEM, i.Product, i.Revision, i.Serial, i.Year, i.Month)
}

func (d CSD) String() string {
	return fmt.Sprintf("Version=%d Blocks=%d Size=%dMiB", d.Version, d.Blocks, uint64(d.Blocks)*BlockSize>>20)
}

// ParseCSD decodes a raw CSD register.
func ParseCSD(raw []byte) (*CSD, error) {
	if len(raw) != RegisterSize {
		return nil, fmt.Errorf("sdcard: CSD is %d bytes instead of %d bytes", len(raw), RegisterSize)
	}
	if FrameCRC(raw[:15]) != raw[15] {
		return nil, ErrCRC
	}

	d := &CSD{TranSpeed: raw[3]}
	copy(d.Raw[:], raw)

	switch raw[0] >> 6 {
	case 0:
		d.Version = 1
		readBlLen := uint(raw[5] & 0x0F)
		cSize := uint32(raw[6]&0x03)<<10 | uint32(raw[7])<<2 | uint32(raw[8])>>6
		cSizeMult := uint(raw[9]&0x03)<<1 | uint(raw[10])>>7
		bytes := uint64(cSize+1) << (cSizeMult + 2) << readBlLen
		d.Blocks = uint32(bytes / BlockSize)
	case 1:
		d.Version = 2
		cSize := uint32(raw[7]&0x3F)<<16 | uint32(raw[8])<<8 | uint32(raw[9])
		d.Blocks = (cSize + 1) * 1024
	default:
		return nil, ErrNotSupported
	}

	return d, nil
}

// ParseCID decodes a raw CID register.
func ParseCID(raw []byte) (*CID, error) {
	if len(raw) != RegisterSize {
		return nil, fmt.Errorf("sdcard: CID is %d bytes instead of %d bytes", len(raw), RegisterSize)
	}
	if FrameCRC(raw[:15]) != raw[15] {
		return nil, ErrCRC
	}

	i := &CID{
		Manufacturer: raw[0],
		OEM:          printable(raw[1:3]),
		Product:      printable(raw[3:8]),
		Revision:     fmt.Sprintf("%d.%d", raw[8]>>4, raw[8]&0x0F),
		Serial:       uint32(raw[9])<<24 | uint32(raw[10])<<16 | uint32(raw[11])<<8 | uint32(raw[12]),
		Year:         2000 + (int(raw[13]&0x0F)<<4 | int(raw[14]>>4)),
		Month:        int(raw[14] & 0x0F),
	}
	copy(i.Raw[:], raw)

	return i, nil
}

func printable(b []byte) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7E {
			return -1
		}
		return r
	}, string(b)))
}

// ReadCSD reads and decodes the CSD register. The result is cached until the
// next Init.
func (c *Card) ReadCSD() (*CSD, error) {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	return c.readCSD()
}

func (c *Card) readCSD() (*CSD, error) {
	if c.csd != nil {
		return c.csd, nil
	}

	var raw [RegisterSize]byte
	if err := c.readData(cmdSendCSD, 0, raw[:]); err != nil {
		return nil, err
	}

	csd, err := ParseCSD(raw[:])
	if err != nil {
		return nil, err
	}

	c.log("CSD: %v", csd)
	c.csd = csd
	return csd, nil
}

// ReadCID reads and decodes the CID register. The result is cached until the
// next Init.
func (c *Card) ReadCID() (*CID, error) {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	if c.cid != nil {
		return c.cid, nil
	}

	var raw [RegisterSize]byte
	if err := c.readData(cmdSendCID, 0, raw[:]); err != nil {
		return nil, err
	}

	cid, err := ParseCID(raw[:])
	if err != nil {
		return nil, err
	}

	c.log("CID: %v", cid)
	c.cid = cid
	return cid, nil
}

// Capacity returns the number of 512 byte blocks on the card.
func (c *Card) Capacity() (uint32, error) {
	c.workMutex.Lock()
	defer c.workMutex.Unlock()

	csd, err := c.readCSD()
	if err != nil {
		return 0, err
	}
	return csd.Blocks, nil
}
