package sdcard

import "errors"

// Error is the result of a failed card operation. A nil error is success.
type Error int

const (
	ErrTimeout      Error = 1 // no response within the poll bound
	ErrNotSupported Error = 2 // card answered but lacks a required capability
	ErrBadResponse  Error = 3 // response fields have an unexpected shape
	ErrCRC          Error = 4 // data block checksum mismatch
)

func (e Error) Error() string {
	switch e {
	case ErrTimeout:
		return "sdcard: timeout"
	case ErrNotSupported:
		return "sdcard: not supported"
	case ErrBadResponse:
		return "sdcard: bad response"
	case ErrCRC:
		return "sdcard: crc error"
	}
	return "sdcard: unknown error"
}

var (
	errEmptyResponse = errors.New("sdcard: response buffer is empty")
	errBlockSize     = errors.New("sdcard: buffer is not a whole number of blocks")
	errNegativeAddr  = errors.New("sdcard: negative offset")
	errAddrRange     = errors.New("sdcard: block address beyond 32 bits")
)
