package keys

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// KeyHash returns the published digest of key under salt:
// lowercase hex of MD5(salt || key || salt).
func KeyHash(key Key, salt string) string {
	h := md5.New()
	h.Write([]byte(salt))
	h.Write(key[:])
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckKeyHash returns the index of the first digest in hashes matching key
// under salt, or -1. It lets a card be identified by a key without shipping
// the key itself.
func CheckKeyHash(key Key, salt string, hashes ...string) int {
	digest := KeyHash(key, salt)
	for i, h := range hashes {
		if strings.EqualFold(strings.TrimSpace(h), digest) {
			return i
		}
	}
	return -1
}

// CheckCandidateHash is CheckKeyHash over every candidate, returning the
// first match index or -1.
func CheckCandidateHash(candidates []Candidate, salt string, hashes ...string) int {
	for _, c := range candidates {
		if i := CheckKeyHash(c.Key, salt, hashes...); i >= 0 {
			return i
		}
	}
	return -1
}
