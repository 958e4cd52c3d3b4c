package classic

import (
	"context"

	"github.com/oo-developer/cardreader/keys"
)

var (
	keyFF      = keys.MustParseKey("ffffffffffff")
	keySecretA = keys.MustParseKey("4a1b2c3d4e5f")
	keySecretB = keys.MustParseKey("5b6c7d8e9fa0")

	// transport configuration: everything with Key A, Key B readable
	accessTransport = [4]byte{0xff, 0x07, 0x80, 0x69}
)

type sectorSpec struct {
	keyA, keyB keys.Key
	access     [4]byte
}

func transportSector() sectorSpec {
	return sectorSpec{keyA: keyFF, keyB: keyFF, access: accessTransport}
}

// buildImage makes a card image whose data blocks hold a pattern derived
// from the block number.
func buildImage(layout Layout, uid []byte, spec func(sector int) sectorSpec) []byte {
	img := make([]byte, layout.Size)
	for b := 0; b < layout.BlockCount(); b++ {
		for i := 0; i < BlockSize; i++ {
			img[b*BlockSize+i] = byte(b*7 + i + 1)
		}
	}
	copy(img, uid)
	for s := 0; s < layout.Sectors; s++ {
		sp := spec(s)
		off := TrailerBlock(s) * BlockSize
		copy(img[off:], sp.keyA[:])
		copy(img[off+6:], sp.access[:])
		copy(img[off+10:], sp.keyB[:])
	}
	return img
}

func blockOf(img []byte, block int) []byte {
	return img[block*BlockSize : (block+1)*BlockSize]
}

type transceiveFunc func(ctx context.Context, cmd []byte) ([]byte, error)

func (f transceiveFunc) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	return f(ctx, cmd)
}

type progressRecorder struct {
	statuses []string
	progress []int
	max      int
}

func (p *progressRecorder) UpdateStatus(msg string) { p.statuses = append(p.statuses, msg) }

func (p *progressRecorder) UpdateProgress(current, max int) {
	p.progress = append(p.progress, current)
	p.max = max
}
