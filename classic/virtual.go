package classic

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/oo-developer/cardreader/keys"
)

// VirtualCard answers native MIFARE Classic frames from a raw card image,
// enforcing keys and access conditions the way a real card does. It backs
// offline reads of dump files and the tests.
type VirtualCard struct {
	mu     sync.Mutex
	raw    []byte
	layout Layout

	authSector int
	authKey    keys.KeyType

	authCount int
	readCount int
	loseAfter int
	exchanges int
}

// NewVirtualCard wraps a card image of 320, 1024, 2048 or 4096 bytes.
func NewVirtualCard(image []byte) (*VirtualCard, error) {
	layout, err := LayoutForSize(len(image))
	if err != nil {
		return nil, err
	}
	return &VirtualCard{
		raw:        append([]byte(nil), image...),
		layout:     layout,
		authSector: -1,
	}, nil
}

// TagID is the UID from the manufacturer block: 7 bytes for NXP double
// size UIDs, 4 otherwise.
func (v *VirtualCard) TagID() []byte {
	n := 4
	if v.raw[0] == 0x04 {
		n = 7
	}
	return append([]byte(nil), v.raw[:n]...)
}

func (v *VirtualCard) Layout() Layout {
	return v.layout
}

// AuthCount returns the number of authentication frames received.
func (v *VirtualCard) AuthCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authCount
}

// ReadCount returns the number of read frames received.
func (v *VirtualCard) ReadCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readCount
}

// LoseAfter makes every exchange after the first n fail with ErrCardLost.
// Zero disables it.
func (v *VirtualCard) LoseAfter(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loseAfter = n
}

func (v *VirtualCard) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exchanges++
	if v.loseAfter > 0 && v.exchanges > v.loseAfter {
		return nil, ErrCardLost
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	switch cmd[0] {
	case CmdAuthKeyA, CmdAuthKeyB:
		v.authCount++
		kt, block, key, ok := ParseAuthCommand(cmd)
		if !ok {
			return nil, fmt.Errorf("malformed authentication frame % x", cmd)
		}
		if v.authenticate(kt, block, key) {
			return []byte{Ack}, nil
		}
		return []byte{Nak}, nil
	case CmdRead:
		v.readCount++
		block, ok := ParseReadCommand(cmd)
		if !ok {
			return nil, fmt.Errorf("malformed read frame % x", cmd)
		}
		return v.readBlock(block), nil
	}
	return nil, fmt.Errorf("unsupported command %02x", cmd[0])
}

func (v *VirtualCard) trailer(sector int) []byte {
	off := TrailerBlock(sector) * BlockSize
	return v.raw[off : off+BlockSize]
}

func (v *VirtualCard) authenticate(kt keys.KeyType, block int, key keys.Key) bool {
	v.authSector, v.authKey = -1, keys.KeyTypeUnknown
	if block >= v.layout.BlockCount() {
		return false
	}
	sector := BlockToSector(block)
	trailer := v.trailer(sector)
	access, err := DecodeAccessBits(trailer[6:10])
	if err != nil {
		return false
	}
	stored := trailer[0:6]
	if kt == keys.KeyTypeB {
		// A readable Key B is plain data and cannot authenticate.
		if access.IsKeyBReadable() {
			return false
		}
		stored = trailer[10:16]
	}
	if !bytes.Equal(stored, key[:]) {
		return false
	}
	v.authSector, v.authKey = sector, kt
	return true
}

func (v *VirtualCard) readBlock(block int) []byte {
	if block >= v.layout.BlockCount() {
		return []byte{Nak}
	}
	sector := BlockToSector(block)
	if sector != v.authSector {
		return []byte{Nak}
	}
	access, err := DecodeAccessBits(v.trailer(sector)[6:10])
	if err != nil {
		return []byte{Nak}
	}
	data := v.raw[block*BlockSize : (block+1)*BlockSize]
	offset := block - SectorToBlock(sector)
	count := BlocksInSector(sector)
	if offset == count-1 {
		return access.MaskTrailer(data)
	}
	if !access.IsDataBlockReadable(SlotForBlock(offset, count), v.authKey) {
		return []byte{Nak}
	}
	return append([]byte(nil), data...)
}
