package classic

import "github.com/oo-developer/cardreader/keys"

// Status is the outcome of reading one sector.
type Status int

const (
	StatusValid Status = iota
	StatusUnauthorized
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Sector is one of *ValidSector, *UnauthorizedSector or *InvalidSector.
type Sector interface {
	SectorIndex() int
	Status() Status
	sector()
}

// Block is one 16-byte block as returned by the card.
type Block struct {
	Index    int // relative to the sector
	Data     []byte
	Trailer  bool
	Readable bool // the access conditions allow reading with the key used
}

// ValidSector was authenticated and its trailer carries consistent access bits.
type ValidSector struct {
	Index  int
	Blocks []Block
	Key    keys.Candidate
	Access AccessBits
}

// UnauthorizedSector rejected every candidate key.
type UnauthorizedSector struct {
	Index int
}

// InvalidSector authenticated but could not be trusted, or failed on the
// radio link.
type InvalidSector struct {
	Index  int
	Reason string
}

func (s *ValidSector) SectorIndex() int        { return s.Index }
func (s *UnauthorizedSector) SectorIndex() int { return s.Index }
func (s *InvalidSector) SectorIndex() int      { return s.Index }

func (*ValidSector) Status() Status        { return StatusValid }
func (*UnauthorizedSector) Status() Status { return StatusUnauthorized }
func (*InvalidSector) Status() Status      { return StatusInvalid }

func (*ValidSector) sector()        {}
func (*UnauthorizedSector) sector() {}
func (*InvalidSector) sector()      {}

// Trailer returns the masked trailer block.
func (s *ValidSector) Trailer() Block {
	return s.Blocks[len(s.Blocks)-1]
}

// Data concatenates the data blocks, trailer excluded.
func (s *ValidSector) Data() []byte {
	out := make([]byte, 0, (len(s.Blocks)-1)*BlockSize)
	for _, b := range s.Blocks {
		if !b.Trailer {
			out = append(out, b.Data...)
		}
	}
	return out
}
