package keys

import (
	"slices"
	"sync"
)

// Keyring merges several sources into one ordered candidate list.
// Candidates are ordered by Kind, then by the order sources were added,
// and duplicate key values are dropped keeping the first occurrence.
type Keyring struct {
	mu      sync.RWMutex
	sources []Source
}

// NewKeyring creates a keyring over sources.
func NewKeyring(sources ...Source) *Keyring {
	r := &Keyring{}
	r.Add(sources...)
	return r
}

// Add appends sources. Nil sources are ignored.
func (r *Keyring) Add(sources ...Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sources {
		if s != nil {
			r.sources = append(r.sources, s)
		}
	}
}

// Len returns the number of sources.
func (r *Keyring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// CandidatesFor returns the deduplicated keys to try on sector as keyType.
func (r *Keyring) CandidatesFor(sector int, keyType KeyType, tagID []byte) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []Candidate
	for _, s := range r.sources {
		all = append(all, s.Candidates(sector, keyType, tagID)...)
	}
	return merge(all)
}

// AllProperKeys returns every distinct key known for tagID, without the
// generic fallbacks.
func (r *Keyring) AllProperKeys(tagID []byte) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []Candidate
	for _, s := range r.sources {
		all = append(all, s.ProperKeys(tagID)...)
	}
	return merge(all)
}

func (r *Keyring) Candidates(sector int, keyType KeyType, tagID []byte) []Candidate {
	return r.CandidatesFor(sector, keyType, tagID)
}

func (r *Keyring) ProperKeys(tagID []byte) []Candidate {
	return r.AllProperKeys(tagID)
}

func merge(all []Candidate) []Candidate {
	slices.SortStableFunc(all, func(a, b Candidate) int {
		return int(a.Provenance.Kind) - int(b.Provenance.Kind)
	})
	seen := make(map[Key]struct{}, len(all))
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if _, ok := seen[c.Key]; ok {
			continue
		}
		seen[c.Key] = struct{}{}
		out = append(out, c)
	}
	return out
}
