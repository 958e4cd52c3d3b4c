package keys

import (
	"fmt"
	"sort"
	"sync"
)

// Transform derives a card specific key from a base key and the card UID.
type Transform func(base Key, tagID []byte) (Key, error)

var (
	transformsMu sync.RWMutex
	transforms   = map[string]Transform{
		"touchngo": TouchNGo,
	}
)

// RegisterTransform makes fn available to key files under name.
func RegisterTransform(name string, fn Transform) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[name] = fn
}

// LookupTransform returns the transform registered under name.
func LookupTransform(name string) (Transform, bool) {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	fn, ok := transforms[name]
	return fn, ok
}

// Transforms lists the registered transform names.
func Transforms() []string {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TouchNGo mixes UID bytes 1..3 into the first four key bytes.
func TouchNGo(base Key, tagID []byte) (Key, error) {
	if len(tagID) < 4 {
		return Key{}, fmt.Errorf("touchngo: need a 4 byte UID, got %d bytes", len(tagID))
	}
	k := base
	k[0] ^= tagID[1] ^ tagID[2] ^ tagID[3]
	k[1] ^= tagID[1]
	k[2] ^= tagID[2]
	k[3] ^= tagID[3] ^ 0x14
	return k, nil
}
