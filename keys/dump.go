package keys

import (
	"bytes"
	"fmt"
)

// DumpKeys is a raw key dump: concatenated 6-byte keys where key i
// belongs to sector i. The type of each key is unknown.
type DumpKeys struct {
	Bundle string
	Keys   []Key
}

// ParseDump parses a raw dump. Regions between '{' and '}' are comments
// and removed before the keys are split.
func ParseDump(data []byte, name string) (*DumpKeys, error) {
	stripped, err := stripComments(data)
	if err != nil {
		return nil, formatErrorf(name, err, "raw dump")
	}
	if len(stripped) == 0 {
		return nil, formatErrorf(name, nil, "raw dump holds no keys")
	}
	if len(stripped)%KeyLen != 0 {
		return nil, formatErrorf(name, nil, "raw dump length %d is not a multiple of %d", len(stripped), KeyLen)
	}
	d := &DumpKeys{Bundle: name, Keys: make([]Key, 0, len(stripped)/KeyLen)}
	for off := 0; off < len(stripped); off += KeyLen {
		var k Key
		copy(k[:], stripped[off:off+KeyLen])
		d.Keys = append(d.Keys, k)
	}
	return d, nil
}

func stripComments(data []byte) ([]byte, error) {
	if bytes.IndexByte(data, '{') < 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data))
	inComment := false
	open := 0
	for i, b := range data {
		switch {
		case inComment:
			inComment = b != '}'
		case b == '{':
			inComment = true
			open = i
		default:
			out = append(out, b)
		}
	}
	if inComment {
		return nil, fmt.Errorf("unterminated comment at offset %d", open)
	}
	return out, nil
}

func (d *DumpKeys) Candidates(sector int, keyType KeyType, tagID []byte) []Candidate {
	if sector < 0 || sector >= len(d.Keys) {
		return nil
	}
	return []Candidate{{
		Key:        d.Keys[sector],
		Type:       KeyTypeUnknown,
		Sector:     sector,
		Provenance: Provenance{Kind: KindDump, Bundle: d.Bundle},
	}}
}

func (d *DumpKeys) ProperKeys(tagID []byte) []Candidate {
	out := make([]Candidate, 0, len(d.Keys))
	for i := range d.Keys {
		out = append(out, d.Candidates(i, KeyTypeUnknown, tagID)...)
	}
	return out
}
