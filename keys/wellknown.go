package keys

// WellKnownKey is a key shipped by many vendors, not tied to any card.
type WellKnownKey struct {
	Name  string
	Key   Key
	Usage string
}

// DefaultKeys are tried after every configured source. None of them is
// specific to a transit system.
var DefaultKeys = []WellKnownKey{
	{"well-known-ff", MustParseKey("ffffffffffff"), "Factory Default"},
	{"well-known-zero", MustParseKey("000000000000"), "Hotel/Student Cards"},
	{"well-known-mad", MustParseKey("a0a1a2a3a4a5"), "MIFARE Application Directory"},
	{"well-known-ndef", MustParseKey("d3f7d3f7d3f7"), "NFC Forum"},
	{"access-hid", MustParseKey("b0b1b2b3b4b5"), "HID Access Control"},
	{"mifare-std", MustParseKey("1a982c7e459a"), "MIFARE Standard"},
}

// WellKnown is a fallback source offering DefaultKeys for every sector.
type WellKnown struct {
	Keys []WellKnownKey
}

// NewWellKnown returns a source over DefaultKeys.
func NewWellKnown() *WellKnown {
	return &WellKnown{Keys: DefaultKeys}
}

func (w *WellKnown) Candidates(sector int, keyType KeyType, tagID []byte) []Candidate {
	out := make([]Candidate, 0, len(w.Keys))
	for _, k := range w.Keys {
		out = append(out, Candidate{
			Key:        k.Key,
			Type:       KeyTypeUnknown,
			Sector:     AnySector,
			Provenance: Provenance{Kind: KindWellKnown, Bundle: k.Name},
		})
	}
	return out
}

// ProperKeys is empty: well-known keys say nothing about a card.
func (w *WellKnown) ProperKeys(tagID []byte) []Candidate {
	return nil
}
