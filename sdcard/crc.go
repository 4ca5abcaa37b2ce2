package sdcard

const (
	crc7Poly  = 0x89
	crc16Poly = 0x1021
)

// CRC7 computes the command checksum. The result occupies the upper seven
// bits; use FrameCRC to get the byte that goes on the wire.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc ^= crc7Poly
			}
			crc <<= 1
		}
	}
	return crc
}

// FrameCRC returns CRC7 with the stop bit set.
func FrameCRC(data []byte) byte {
	return CRC7(data) | 0x01
}

// CRC16 computes the CRC-16-CCITT (XModem) checksum that trails data blocks.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
