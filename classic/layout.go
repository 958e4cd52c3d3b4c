package classic

import "fmt"

// Layout describes the sector geometry of a card.
type Layout struct {
	Name    string
	Size    int // in bytes
	Sectors int
}

var (
	LayoutMini = Layout{Name: "MIFARE Mini", Size: 320, Sectors: 5}
	Layout1K   = Layout{Name: "MIFARE Classic 1K", Size: 1024, Sectors: 16}
	Layout2K   = Layout{Name: "MIFARE Classic 2K", Size: 2048, Sectors: 32}
	Layout4K   = Layout{Name: "MIFARE Classic 4K", Size: 4096, Sectors: 40}
)

// LayoutForSize returns the layout of a card image of the given size.
func LayoutForSize(size int) (Layout, error) {
	switch size {
	case LayoutMini.Size:
		return LayoutMini, nil
	case Layout1K.Size:
		return Layout1K, nil
	case Layout2K.Size:
		return Layout2K, nil
	case Layout4K.Size:
		return Layout4K, nil
	}
	return Layout{}, fmt.Errorf("unsupported card size %d", size)
}

// BlocksInSector returns 4 for the small sectors and 16 for sectors 32 and up.
func BlocksInSector(sector int) int {
	if sector >= 32 {
		return 16
	}
	return 4
}

// SectorToBlock returns the absolute index of the first block of sector.
func SectorToBlock(sector int) int {
	if sector < 32 {
		return sector * 4
	}
	return 16*sector - 32*12
}

// BlockToSector returns the sector holding the absolute block.
func BlockToSector(block int) int {
	if block < 128 {
		return block / 4
	}
	return (block + 32*12) / 16
}

// TrailerBlock returns the absolute index of the sector trailer.
func TrailerBlock(sector int) int {
	return SectorToBlock(sector) + BlocksInSector(sector) - 1
}

// BlockCount is the total number of blocks on the card.
func (l Layout) BlockCount() int {
	if l.Sectors == 0 {
		return 0
	}
	return TrailerBlock(l.Sectors-1) + 1
}

func (l Layout) String() string {
	return l.Name
}
