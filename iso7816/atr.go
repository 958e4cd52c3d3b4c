package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// RIDPCSCWorkgroup prefixes the application identifier PC/SC readers put in
// the historical bytes of contactless cards.
var RIDPCSCWorkgroup = []byte{0xa0, 0x00, 0x00, 0x03, 0x06}

// PC/SC card names for contactless storage cards.
const (
	CardNameMifareClassic1K   uint16 = 0x0001
	CardNameMifareClassic4K   uint16 = 0x0002
	CardNameMifareUltralight  uint16 = 0x0003
	CardNameMifareMini        uint16 = 0x0026
	CardNameMifarePlusSL1_2K  uint16 = 0x0036
	CardNameMifarePlusSL1_4K  uint16 = 0x0037
	CardNameMifareUltralightC uint16 = 0x003a
	CardNameFeliCa            uint16 = 0xf011
)

// StandardISO14443APart3 is the PC/SC standard byte for ISO 14443-3 type A.
const StandardISO14443APart3 byte = 0x03

const (
	initialCharacterDirect byte = 0x3b

	// category indicator values for historical bytes
	categoryCompactTLV       byte = 0x80
	categoryCompactTLVStatus byte = 0x00

	// 4F, length, RID and three PIX bytes
	pcscHistoricalMinLen = 3 + 5 + 3

	compactTagCardServiceData byte = 0x3
	compactTagPreIssuingData  byte = 0x6
	compactTagStatusIndicator byte = 0x8
)

var cardNames = map[uint16]string{
	CardNameMifareClassic1K:   "MIFARE Classic 1K",
	CardNameMifareClassic4K:   "MIFARE Classic 4K",
	CardNameMifareUltralight:  "MIFARE Ultralight",
	CardNameMifareMini:        "MIFARE Mini",
	CardNameMifarePlusSL1_2K:  "MIFARE Plus SL1 2K",
	CardNameMifarePlusSL1_4K:  "MIFARE Plus SL1 4K",
	CardNameMifareUltralightC: "MIFARE Ultralight C",
	CardNameFeliCa:            "FeliCa",
}

// ErrUnsupportedATR is returned for ATRs ParseATR cannot interpret.
var ErrUnsupportedATR = errors.New("unsupported ATR")

// PCSCInfo is the card identification a PC/SC reader synthesizes for
// contactless cards.
type PCSCInfo struct {
	Standard byte
	CardName uint16
}

// Name returns a readable card name, or the numeric code when unknown.
func (p PCSCInfo) Name() string {
	if name, ok := cardNames[p.CardName]; ok {
		return name
	}
	return fmt.Sprintf("card name %04x", p.CardName)
}

// ATR is a parsed answer to reset.
type ATR struct {
	Protocols  []int
	Historical []byte
	// PCSC is set when the historical bytes carry the PC/SC workgroup AID.
	PCSC *PCSCInfo

	CardServiceData *byte
	PreIssuingData  []byte
	StatusIndicator []byte
	// Checksum is the TCK byte; absent when only T=0 is offered.
	Checksum *byte
}

// ParseATR decodes the interface bytes and historical bytes of atr.
func ParseATR(atr []byte) (*ATR, error) {
	if len(atr) < 2 || atr[0] != initialCharacterDirect {
		return nil, fmt.Errorf("%w: initial character", ErrUnsupportedATR)
	}

	p := 1
	var nibbles []int
	for {
		if p >= len(atr) {
			return nil, fmt.Errorf("%w: truncated interface bytes", ErrUnsupportedATR)
		}
		y := atr[p]
		nibbles = append(nibbles, int(y&0x0f))
		p++
		for _, bit := range []byte{0x10, 0x20, 0x40} {
			if y&bit != 0 {
				p++
			}
		}
		if y&0x80 == 0 {
			break
		}
	}

	// no TD1 means T=0 only
	protocols := []int{0}
	if len(nibbles) > 1 {
		protocols = nibbles[1:]
	}
	historicalLen := nibbles[0]
	if p+historicalLen > len(atr) {
		return nil, fmt.Errorf("%w: truncated historical bytes", ErrUnsupportedATR)
	}
	historical := atr[p : p+historicalLen]

	out := &ATR{Protocols: protocols, Historical: historical}
	if !(len(protocols) == 1 && protocols[0] == 0) && p+historicalLen < len(atr) {
		tck := atr[len(atr)-1]
		out.Checksum = &tck
	}

	if len(historical) == 0 {
		return out, nil
	}
	if historical[0] != categoryCompactTLV && historical[0] != categoryCompactTLVStatus {
		return out, nil
	}

	if len(historical) > pcscHistoricalMinLen && historical[1] == 0x4f {
		if info, ok := pcscInfo(historical[1:]); ok {
			out.PCSC = info
			return out, nil
		}
	}

	if len(historical) > 2 {
		for tag, value := range CompactTLVIterate(historical[1:]) {
			switch tag {
			case compactTagCardServiceData:
				if len(value) > 0 {
					b := value[len(value)-1]
					out.CardServiceData = &b
				}
			case compactTagPreIssuingData:
				out.PreIssuingData = value
			case compactTagStatusIndicator:
				out.StatusIndicator = value
			}
		}
	}
	return out, nil
}

// pcscInfo reads the card name from the first SIMPLE-TLV entry of the
// historical bytes when it is a PC/SC workgroup AID.
func pcscInfo(buf []byte) (*PCSCInfo, bool) {
	for tag, aid := range SimpleTLVIterate(buf) {
		if tag != 0x4f || len(aid) < len(RIDPCSCWorkgroup)+3 || !bytes.HasPrefix(aid, RIDPCSCWorkgroup) {
			return nil, false
		}
		i := len(RIDPCSCWorkgroup)
		return &PCSCInfo{
			Standard: aid[i],
			CardName: uint16(aid[i+1])<<8 | uint16(aid[i+2]),
		}, true
	}
	return nil, false
}
