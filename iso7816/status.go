package iso7816

import (
	"errors"
	"fmt"
)

// ISO 7816-4 status words, plus the ones PC/SC contactless readers return
// for storage card pseudo-APDUs.
const (
	SWSuccess              uint16 = 0x9000
	SWWrongLength          uint16 = 0x6700
	SWSecurityNotSatisfied uint16 = 0x6982
	SWAuthMethodBlocked    uint16 = 0x6983
	SWCommandNotAllowed    uint16 = 0x6986
	SWFileNotFound         uint16 = 0x6a82
	SWWrongP1P2            uint16 = 0x6a86
	SWInsNotSupported      uint16 = 0x6d00
	SWClaNotSupported      uint16 = 0x6e00
	SWOperationFailed      uint16 = 0x6300
	SWWrongLe              uint16 = 0x6c00 // low byte holds the correct Le
	SWMoreData             uint16 = 0x6100 // low byte holds the bytes remaining
)

// SWError is a non-success status word returned for a command.
type SWError struct {
	Cmd byte // INS byte
	SW  uint16
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, Describe(e.SW))
}

// Describe returns a short description of a status word.
func Describe(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWCommandNotAllowed:
		return "command not allowed"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWInsNotSupported:
		return "instruction not supported"
	case SWClaNotSupported:
		return "class not supported"
	case SWOperationFailed:
		return "operation failed"
	}
	switch sw & 0xff00 {
	case SWWrongLe:
		return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xff)
	case SWMoreData:
		return fmt.Sprintf("%d bytes available", sw&0xff)
	}
	return "unknown error"
}

// SplitResponse separates the trailing status word from a response APDU.
func SplitResponse(rsp []byte) (data []byte, sw uint16, err error) {
	if len(rsp) < 2 {
		return nil, 0, fmt.Errorf("response too short: %d bytes", len(rsp))
	}
	n := len(rsp) - 2
	return rsp[:n], uint16(rsp[n])<<8 | uint16(rsp[n+1]), nil
}

// CheckResponse returns the data of rsp, or an *SWError when the status word
// is not 90 00.
func CheckResponse(cmd byte, rsp []byte) ([]byte, error) {
	data, sw, err := SplitResponse(rsp)
	if err != nil {
		return nil, err
	}
	if sw != SWSuccess {
		return nil, &SWError{Cmd: cmd, SW: sw}
	}
	return data, nil
}

// IsAuthError reports whether err is a status word for failed or missing
// authentication.
func IsAuthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWSecurityNotSatisfied || swErr.SW == SWAuthMethodBlocked || swErr.SW == SWOperationFailed
	}
	return false
}

// IsLengthError reports whether err is a length related status word.
func IsLengthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWWrongLength || swErr.SW&0xff00 == SWWrongLe
	}
	return false
}
