// Package keys models MIFARE Classic key material: where keys come from,
// how they are parsed, and the ordered candidate lists tried against a card.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeyType selects which of the two sector keys a key is for.
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeA
	KeyTypeB
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeA:
		return "KeyA"
	case KeyTypeB:
		return "KeyB"
	}
	return "Unknown"
}

// Matches reports whether a key of type t may be tried as want.
// Keys of unknown type match both.
func (t KeyType) Matches(want KeyType) bool {
	return t == KeyTypeUnknown || want == KeyTypeUnknown || t == want
}

// Inverse swaps A and B. Unknown stays unknown.
func (t KeyType) Inverse() KeyType {
	switch t {
	case KeyTypeA:
		return KeyTypeB
	case KeyTypeB:
		return KeyTypeA
	}
	return KeyTypeUnknown
}

func (t KeyType) MarshalText() ([]byte, error) {
	if t == KeyTypeUnknown {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

func (t *KeyType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "KeyA":
		*t = KeyTypeA
	case "KeyB":
		*t = KeyTypeB
	case "", "Unknown":
		*t = KeyTypeUnknown
	default:
		return fmt.Errorf("unknown key type %q", b)
	}
	return nil
}

// KeyLen is the length of a MIFARE Classic key.
const KeyLen = 6

// Key is a 6-byte Crypto1 key.
type Key [KeyLen]byte

// ParseKey parses a 12 digit hex key. Spaces and colons are ignored.
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(b) != KeyLen {
		return k, fmt.Errorf("expected %d bytes in key, got %d", KeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MustParseKey is ParseKey for constants.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Kind is the class of source a candidate came from. Lower kinds are
// tried first.
type Kind int

const (
	KindCard Kind = iota
	KindStatic
	KindDump
	KindDerived
	KindWellKnown
)

func (k Kind) String() string {
	switch k {
	case KindCard:
		return "card"
	case KindStatic:
		return "static"
	case KindDump:
		return "dump"
	case KindDerived:
		return "derived"
	case KindWellKnown:
		return "well-known"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Provenance records where a candidate came from. It is used for ordering
// and logging and never written to card exports.
type Provenance struct {
	Kind   Kind
	Bundle string
}

// Candidate is one key to try against a sector.
type Candidate struct {
	Key        Key
	Type       KeyType
	Sector     int // -1 when the key is not tied to a sector
	Provenance Provenance
}

// AnySector marks a candidate usable for every sector.
const AnySector = -1

// Source produces key candidates for a card. Implementations must be safe
// for concurrent use by independent reads.
type Source interface {
	// Candidates returns the keys for sector usable as keyType on the card
	// with tagID, in the order they should be tried.
	Candidates(sector int, keyType KeyType, tagID []byte) []Candidate
	// ProperKeys returns every key the source knows for tagID, excluding
	// generic fallbacks.
	ProperKeys(tagID []byte) []Candidate
}

// ErrFormat is matched by every key file parse failure.
var ErrFormat = errors.New("invalid key format")

// FormatError reports a key source that could not be parsed.
type FormatError struct {
	Source string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "invalid key format"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(source string, err error, format string, args ...any) *FormatError {
	return &FormatError{Source: source, Reason: fmt.Sprintf(format, args...), Err: err}
}
