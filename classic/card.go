package classic

import (
	"encoding/hex"
	"encoding/json"

	"github.com/oo-developer/cardreader/keys"
)

// Stats counts the exchanges of one read.
type Stats struct {
	AuthAttempts int `json:"auth_attempts"`
	BlockReads   int `json:"block_reads"`
}

// Card is the result of reading a MIFARE Classic card.
type Card struct {
	TagID   []byte
	Layout  Layout
	Sectors []Sector
	Partial bool // the card was lost before every sector was read
	Stats   Stats
}

// Sector returns the sector with index, or nil if it was not read.
func (c *Card) Sector(index int) Sector {
	for _, s := range c.Sectors {
		if s.SectorIndex() == index {
			return s
		}
	}
	return nil
}

// CountByStatus returns how many sectors ended in status.
func (c *Card) CountByStatus(status Status) int {
	n := 0
	for _, s := range c.Sectors {
		if s.Status() == status {
			n++
		}
	}
	return n
}

// CardKeys returns the keys that opened sectors of this card, ready to be
// stored for the next read.
func (c *Card) CardKeys(bundle string) *keys.CardKeys {
	ck := &keys.CardKeys{UID: append([]byte(nil), c.TagID...), Bundle: bundle}
	for _, s := range c.Sectors {
		v, ok := s.(*ValidSector)
		if !ok {
			continue
		}
		ck.Add(keys.SectorKey{
			Sector: v.Index,
			Type:   v.Key.Type,
			Key:    v.Key.Key,
			Bundle: bundle,
		})
	}
	return ck
}

// ExportOptions controls what Export reveals.
type ExportOptions struct {
	HideUID bool
}

type exportBlock struct {
	Index    int    `json:"index"`
	Data     string `json:"data"`
	Trailer  bool   `json:"trailer,omitempty"`
	Readable bool   `json:"readable"`
}

type exportKey struct {
	Type keys.KeyType `json:"type"`
	Key  keys.Key     `json:"key"`
}

type exportSector struct {
	Index  int           `json:"index"`
	Status string        `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Access string        `json:"access,omitempty"`
	Key    *exportKey    `json:"key,omitempty"`
	Blocks []exportBlock `json:"blocks,omitempty"`
}

type exportCard struct {
	TagID   string         `json:"tag_id,omitempty"`
	Layout  string         `json:"layout"`
	Partial bool           `json:"partial"`
	Stats   Stats          `json:"stats"`
	Sectors []exportSector `json:"sectors"`
}

// Export renders the card as JSON. Key provenance is never written. With
// HideUID the tag ID is omitted and the UID bytes of the manufacturer block
// are zeroed.
func (c *Card) Export(opts ExportOptions) ([]byte, error) {
	out := exportCard{
		Layout:  c.Layout.Name,
		Partial: c.Partial,
		Stats:   c.Stats,
		Sectors: make([]exportSector, 0, len(c.Sectors)),
	}
	if !opts.HideUID {
		out.TagID = hex.EncodeToString(c.TagID)
	}
	for _, s := range c.Sectors {
		es := exportSector{Index: s.SectorIndex(), Status: s.Status().String()}
		switch v := s.(type) {
		case *InvalidSector:
			es.Reason = v.Reason
		case *ValidSector:
			es.Access = v.Access.String()
			es.Key = &exportKey{Type: v.Key.Type, Key: v.Key.Key}
			for _, b := range v.Blocks {
				data := b.Data
				if opts.HideUID && v.Index == 0 && b.Index == 0 {
					data = c.hideManufacturerUID(data)
				}
				es.Blocks = append(es.Blocks, exportBlock{
					Index:    b.Index,
					Data:     hex.EncodeToString(data),
					Trailer:  b.Trailer,
					Readable: b.Readable,
				})
			}
		}
		out.Sectors = append(out.Sectors, es)
	}
	return json.MarshalIndent(out, "", "  ")
}

func (c *Card) hideManufacturerUID(block []byte) []byte {
	n := len(c.TagID)
	if n == 4 {
		n++ // BCC
	}
	out := append([]byte(nil), block...)
	for i := 0; i < n && i < len(out); i++ {
		out[i] = 0
	}
	return out
}
