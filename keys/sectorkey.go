package keys

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Values of the top level "KeyType" field.
const (
	TypeClassic       = "MifareClassic"
	TypeClassicStatic = "MifareClassicStatic"
)

// SectorKey is one key entry of a JSON key file.
type SectorKey struct {
	Sector    int
	Type      KeyType
	Key       Key // base key when Transform is set
	Transform string
	Bundle    string
}

// resolve turns the entry into a candidate for tagID, deriving the key
// when a transform is named.
func (k SectorKey) resolve(tagID []byte, kind Kind) (Candidate, bool) {
	c := Candidate{
		Key:        k.Key,
		Type:       k.Type,
		Sector:     k.Sector,
		Provenance: Provenance{Kind: kind, Bundle: k.Bundle},
	}
	if k.Transform == "" {
		return c, true
	}
	fn, ok := LookupTransform(k.Transform)
	if !ok {
		return c, false
	}
	derived, err := fn(k.Key, tagID)
	if err != nil {
		return c, false
	}
	c.Key = derived
	c.Provenance.Kind = KindDerived
	return c, true
}

type jsonSectorKey struct {
	Sector    *int   `json:"sector,omitempty"`
	Type      string `json:"type,omitempty"`
	Key       string `json:"key"`
	Transform string `json:"transform,omitempty"`
	Bundle    string `json:"bundle,omitempty"`
}

type jsonKeyFile struct {
	KeyType     *string         `json:"KeyType,omitempty"`
	UID         *string         `json:"uid,omitempty"`
	Description string          `json:"description,omitempty"`
	Keys        json.RawMessage `json:"keys"`
}

func keyTypeFromJSON(s string) KeyType {
	switch s {
	case "KeyA":
		return KeyTypeA
	case "KeyB":
		return KeyTypeB
	}
	return KeyTypeUnknown
}

func (k SectorKey) toJSON() jsonSectorKey {
	sector := k.Sector
	return jsonSectorKey{
		Sector:    &sector,
		Type:      k.Type.jsonName(),
		Key:       k.Key.String(),
		Transform: k.Transform,
		Bundle:    k.Bundle,
	}
}

func (t KeyType) jsonName() string {
	if t == KeyTypeUnknown {
		return ""
	}
	return t.String()
}

func sectorKeyFromJSON(j jsonSectorKey, sector int, bundle, source string) (SectorKey, error) {
	key, err := ParseKey(j.Key)
	if err != nil {
		return SectorKey{}, formatErrorf(source, err, "sector %d", sector)
	}
	if j.Transform == "none" {
		j.Transform = ""
	}
	if j.Transform != "" {
		if _, ok := LookupTransform(j.Transform); !ok {
			return SectorKey{}, formatErrorf(source, nil, "sector %d: unknown transform %q", sector, j.Transform)
		}
	}
	if j.Bundle != "" {
		bundle = j.Bundle
	}
	return SectorKey{
		Sector:    sector,
		Type:      keyTypeFromJSON(j.Type),
		Key:       key,
		Transform: j.Transform,
		Bundle:    bundle,
	}, nil
}

// parseSectorKeys decodes the "keys" member. It is either an array, where
// the position is the sector unless an entry names one, or an object keyed
// by sector holding one entry or an array of at most two.
func parseSectorKeys(raw json.RawMessage, requireSector bool, bundle, source string) ([]SectorKey, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, formatErrorf(source, nil, "missing keys")
	}
	var out []SectorKey
	switch raw[0] {
	case '[':
		var entries []jsonSectorKey
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, formatErrorf(source, err, "keys")
		}
		for i, e := range entries {
			sector := i
			if e.Sector != nil {
				sector = *e.Sector
			} else if requireSector {
				return nil, formatErrorf(source, nil, "key %d has no sector", i)
			}
			if sector < 0 {
				return nil, formatErrorf(source, nil, "key %d has negative sector %d", i, sector)
			}
			k, err := sectorKeyFromJSON(e, sector, bundle, source)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
	case '{':
		var bySector map[string]json.RawMessage
		if err := json.Unmarshal(raw, &bySector); err != nil {
			return nil, formatErrorf(source, err, "keys")
		}
		names := make([]string, 0, len(bySector))
		for name := range bySector {
			names = append(names, name)
		}
		slices.SortFunc(names, func(a, b string) int {
			ai, _ := strconv.Atoi(a)
			bi, _ := strconv.Atoi(b)
			return ai - bi
		})
		for _, name := range names {
			sector, err := strconv.Atoi(strings.TrimSpace(name))
			if err != nil || sector < 0 {
				return nil, formatErrorf(source, err, "invalid sector %q", name)
			}
			entries, err := decodeOneOrTwo(bySector[name])
			if err != nil {
				return nil, formatErrorf(source, err, "sector %d", sector)
			}
			for _, e := range entries {
				k, err := sectorKeyFromJSON(e, sector, bundle, source)
				if err != nil {
					return nil, err
				}
				out = append(out, k)
			}
		}
	default:
		return nil, formatErrorf(source, nil, "keys must be an array or an object")
	}
	return out, nil
}

func decodeOneOrTwo(raw json.RawMessage) ([]jsonSectorKey, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var entries []jsonSectorKey
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, err
		}
		if len(entries) == 0 || len(entries) > 2 {
			return nil, fmt.Errorf("expected one or two keys, got %d", len(entries))
		}
		return entries, nil
	}
	var e jsonSectorKey
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return []jsonSectorKey{e}, nil
}

func decodeKeyFile(data []byte, source string) (*jsonKeyFile, error) {
	var f jsonKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, formatErrorf(source, err, "malformed JSON")
	}
	return &f, nil
}

func parseUID(s *string, source string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil, nil
	}
	uid, err := hex.DecodeString(v)
	if err != nil {
		return nil, formatErrorf(source, err, "uid")
	}
	return uid, nil
}
