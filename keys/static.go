package keys

import (
	"encoding/json"
	"slices"
)

// StaticKeys is a keyring shared by every card of a system, such as all
// cards of one transit operator. Entries may name a transform that derives
// the real key from the base key and the card UID.
type StaticKeys struct {
	Description string
	Bundle      string
	Keys        []SectorKey
}

// ParseStaticKeys parses a static JSON keyring. Every entry must carry a
// sector number.
func ParseStaticKeys(data []byte, name string) (*StaticKeys, error) {
	f, err := decodeKeyFile(data, name)
	if err != nil {
		return nil, err
	}
	if f.KeyType == nil || *f.KeyType != TypeClassicStatic {
		return nil, formatErrorf(name, nil, "expected KeyType %q", TypeClassicStatic)
	}
	entries, err := parseSectorKeys(f.Keys, true, name, name)
	if err != nil {
		return nil, err
	}
	return &StaticKeys{Description: f.Description, Bundle: name, Keys: entries}, nil
}

// Candidates returns plain entries as KindStatic and transformed entries
// as KindDerived. A transform that cannot be applied to tagID yields
// nothing.
func (k *StaticKeys) Candidates(sector int, keyType KeyType, tagID []byte) []Candidate {
	var out []Candidate
	for _, e := range k.Keys {
		if e.Sector != sector || !e.Type.Matches(keyType) {
			continue
		}
		if c, ok := e.resolve(tagID, KindStatic); ok {
			out = append(out, c)
		}
	}
	return out
}

// ProperKeys lists only untransformed entries, so derived keys never end
// up in exported key lists.
func (k *StaticKeys) ProperKeys(tagID []byte) []Candidate {
	var out []Candidate
	for _, e := range k.Keys {
		if e.Transform != "" {
			continue
		}
		c, _ := e.resolve(tagID, KindStatic)
		out = append(out, c)
	}
	return out
}

// MarshalJSON writes base keys and transform names only.
func (k *StaticKeys) MarshalJSON() ([]byte, error) {
	f := struct {
		KeyType     string          `json:"KeyType"`
		Description string          `json:"description,omitempty"`
		Keys        []jsonSectorKey `json:"keys"`
	}{KeyType: TypeClassicStatic, Description: k.Description}
	sorted := slices.Clone(k.Keys)
	slices.SortStableFunc(sorted, func(a, b SectorKey) int { return a.Sector - b.Sector })
	f.Keys = make([]jsonSectorKey, 0, len(sorted))
	for _, e := range sorted {
		j := e.toJSON()
		if j.Bundle == k.Bundle {
			j.Bundle = ""
		}
		f.Keys = append(f.Keys, j)
	}
	return json.Marshal(f)
}
