// Package classic reads MIFARE Classic cards: sector geometry, access
// conditions, and the authenticate/read loop that turns a card into a list
// of classified sectors.
package classic

import (
	"context"
	"errors"

	"github.com/oo-developer/cardreader/keys"
)

// Native MIFARE Classic command codes.
const (
	CmdAuthKeyA = 0x60
	CmdAuthKeyB = 0x61
	CmdRead     = 0x30
)

// Single-byte card replies.
const (
	Ack = 0x0A
	Nak = 0x04
)

// BlockSize is the size of every Classic block.
const BlockSize = 16

// ErrCardLost is returned by a Transceiver when the card left the field.
// Any other transceive error is treated as a radio glitch local to the
// current sector.
var ErrCardLost = errors.New("card lost")

// Transceiver exchanges one command frame with the card. Implementations
// wrap real readers (see the hardware package) or a VirtualCard.
type Transceiver interface {
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// authCommand builds the frame authenticating block with key. Only the
// last four UID bytes take part in the Crypto1 handshake.
func authCommand(keyType keys.KeyType, block int, key keys.Key, uid []byte) []byte {
	code := byte(CmdAuthKeyA)
	if keyType == keys.KeyTypeB {
		code = CmdAuthKeyB
	}
	cmd := make([]byte, 0, 12)
	cmd = append(cmd, code, byte(block))
	cmd = append(cmd, key[:]...)
	if len(uid) >= 4 {
		cmd = append(cmd, uid[len(uid)-4:]...)
	} else {
		cmd = append(cmd, make([]byte, 4-len(uid))...)
		cmd = append(cmd, uid...)
	}
	return cmd
}

func readCommand(block int) []byte {
	return []byte{CmdRead, byte(block)}
}

// ParseAuthCommand decodes a frame built for authentication. It is the
// inverse of the frame the reader sends, used by transports that translate
// native frames into reader-specific APDUs.
func ParseAuthCommand(cmd []byte) (keyType keys.KeyType, block int, key keys.Key, ok bool) {
	if len(cmd) != 12 {
		return keys.KeyTypeUnknown, 0, key, false
	}
	switch cmd[0] {
	case CmdAuthKeyA:
		keyType = keys.KeyTypeA
	case CmdAuthKeyB:
		keyType = keys.KeyTypeB
	default:
		return keys.KeyTypeUnknown, 0, key, false
	}
	copy(key[:], cmd[2:8])
	return keyType, int(cmd[1]), key, true
}

// ParseReadCommand decodes a read frame.
func ParseReadCommand(cmd []byte) (block int, ok bool) {
	if len(cmd) != 2 || cmd[0] != CmdRead {
		return 0, false
	}
	return int(cmd[1]), true
}
