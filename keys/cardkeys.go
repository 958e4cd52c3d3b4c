package keys

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// CardKeys holds the keys of one physical card, as read from a per-card
// JSON key file or recovered by a previous read.
type CardKeys struct {
	UID    []byte // nil when the keys apply to any card
	Bundle string
	Keys   []SectorKey
}

// ParseCardKeys parses a per-card JSON key file. name is used as the
// default bundle and in errors.
func ParseCardKeys(data []byte, name string) (*CardKeys, error) {
	f, err := decodeKeyFile(data, name)
	if err != nil {
		return nil, err
	}
	if f.KeyType != nil && *f.KeyType != TypeClassic {
		return nil, formatErrorf(name, nil, "unexpected KeyType %q", *f.KeyType)
	}
	uid, err := parseUID(f.UID, name)
	if err != nil {
		return nil, err
	}
	entries, err := parseSectorKeys(f.Keys, false, name, name)
	if err != nil {
		return nil, err
	}
	return &CardKeys{UID: uid, Bundle: name, Keys: entries}, nil
}

// MatchesTag reports whether the keys apply to the card with tagID.
func (k *CardKeys) MatchesTag(tagID []byte) bool {
	return len(k.UID) == 0 || bytes.Equal(k.UID, tagID)
}

// Add appends a key, replacing an existing entry for the same sector and type.
func (k *CardKeys) Add(key SectorKey) {
	for i, e := range k.Keys {
		if e.Sector == key.Sector && e.Type == key.Type {
			k.Keys[i] = key
			return
		}
	}
	k.Keys = append(k.Keys, key)
}

// SectorKeys returns the entries for sector.
func (k *CardKeys) SectorKeys(sector int) []SectorKey {
	var out []SectorKey
	for _, e := range k.Keys {
		if e.Sector == sector {
			out = append(out, e)
		}
	}
	return out
}

func (k *CardKeys) Candidates(sector int, keyType KeyType, tagID []byte) []Candidate {
	if !k.MatchesTag(tagID) {
		return nil
	}
	var out []Candidate
	for _, e := range k.Keys {
		if e.Sector != sector || !e.Type.Matches(keyType) {
			continue
		}
		if c, ok := e.resolve(tagID, KindCard); ok {
			out = append(out, c)
		}
	}
	return out
}

func (k *CardKeys) ProperKeys(tagID []byte) []Candidate {
	if !k.MatchesTag(tagID) {
		return nil
	}
	var out []Candidate
	for _, e := range k.Keys {
		if c, ok := e.resolve(tagID, KindCard); ok {
			out = append(out, c)
		}
	}
	return out
}

// MarshalJSON writes the per-card format with keys sorted by sector.
func (k *CardKeys) MarshalJSON() ([]byte, error) {
	f := struct {
		KeyType string          `json:"KeyType"`
		UID     string          `json:"uid,omitempty"`
		Keys    []jsonSectorKey `json:"keys"`
	}{KeyType: TypeClassic, UID: hex.EncodeToString(k.UID)}
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
