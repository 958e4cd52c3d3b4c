// Package iso7816 decodes the tag-length-value structures found in smart
// card responses and answers to reset.
//
// Every decoder here is pure and safe for concurrent use. Malformed input
// never panics: lookups report "not found" and iterators stop early.
package iso7816

import (
	"encoding/hex"
	"fmt"
	"iter"
	"strings"
)

// Tag is a BER-TLV tag with its class and constructed bits, read big-endian
// from its encoding. 0x9f38 is the two-byte tag 9F 38.
type Tag uint32

const (
	maxTagLen    = 4
	maxLengthLen = 8
	maxDepth     = 64
)

func (t Tag) String() string {
	return fmt.Sprintf("%02x", uint32(t))
}

// Constructed reports whether the tag's first byte has the constructed bit.
func (t Tag) Constructed() bool {
	b := uint32(t)
	for b > 0xff {
		b >>= 8
	}
	return b&0x20 != 0
}

// ParseTag parses a hex tag like "9f38".
func ParseTag(s string) (Tag, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	t, n, ok := readTag(b, 0)
	if !ok || n != len(b) {
		return 0, fmt.Errorf("invalid tag %q", s)
	}
	return t, nil
}

// ParseTagPath parses a slash separated path like "6f/a5/bf0c".
func ParseTagPath(s string) ([]Tag, error) {
	var path []Tag
	for part := range strings.SplitSeq(s, "/") {
		if part == "" {
			continue
		}
		t, err := ParseTag(part)
		if err != nil {
			return nil, err
		}
		path = append(path, t)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("empty tag path")
	}
	return path, nil
}

// TLV is one decoded BER-TLV element. Header and Value alias the input
// buffer.
type TLV struct {
	Tag    Tag
	Header []byte
	Value  []byte
}

// Raw returns the element including its header.
func (t TLV) Raw() []byte {
	out := make([]byte, 0, len(t.Header)+len(t.Value))
	out = append(out, t.Header...)
	return append(out, t.Value...)
}

func readTag(buf []byte, p int) (Tag, int, bool) {
	if p >= len(buf) {
		return 0, 0, false
	}
	t := Tag(buf[p])
	if buf[p]&0x1f != 0x1f {
		return t, 1, true
	}
	n := 1
	for {
		if p+n >= len(buf) || n >= maxTagLen {
			return 0, 0, false
		}
		b := buf[p+n]
		t = t<<8 | Tag(b)
		n++
		if b&0x80 == 0 {
			return t, n, true
		}
	}
}

// readLength decodes the length at buf[p]. For the indefinite form it
// returns indefinite=true and leaves length 0.
func readLength(buf []byte, p int) (length, n int, indefinite, ok bool) {
	if p >= len(buf) {
		return 0, 0, false, false
	}
	head := buf[p]
	if head&0x80 == 0 {
		if int(head) > len(buf)-(p+1) {
			return 0, 0, false, false
		}
		return int(head), 1, false, true
	}
	if head == 0x80 {
		return 0, 1, true, true
	}
	count := int(head & 0x7f)
	if count > maxLengthLen || p+1+count > len(buf) {
		return 0, 0, false, false
	}
	var l uint64
	for _, b := range buf[p+1 : p+1+count] {
		l = l<<8 | uint64(b)
	}
	if l > uint64(len(buf)-(p+1+count)) {
		return 0, 0, false, false
	}
	return int(l), 1 + count, false, true
}

func isPadding(b byte) bool {
	return b == 0x00 || b == 0xff
}

// parseElement decodes the element at buf[p]. end is the offset just past
// it, including any end-of-contents marker.
func parseElement(buf []byte, p, depth int) (tlv TLV, end int, ok bool) {
	if depth > maxDepth {
		return TLV{}, 0, false
	}
	tag, tagLen, ok := readTag(buf, p)
	if !ok {
		return TLV{}, 0, false
	}
	length, lenLen, indefinite, ok := readLength(buf, p+tagLen)
	if !ok {
		return TLV{}, 0, false
	}
	start := p + tagLen + lenLen
	header := buf[p:start:start]
	if !indefinite {
		end := start + length
		return TLV{Tag: tag, Header: header, Value: buf[start:end:end]}, end, true
	}

	q := start
	for {
		if q+1 < len(buf) && buf[q] == 0 && buf[q+1] == 0 {
			return TLV{Tag: tag, Header: header, Value: buf[start:q:q]}, q + 2, true
		}
		if q >= len(buf) {
			return TLV{}, 0, false
		}
		if isPadding(buf[q]) {
			q++
			continue
		}
		_, next, ok := parseElement(buf, q, depth+1)
		if !ok {
			return TLV{}, 0, false
		}
		q = next
	}
}

// BERIterate yields the elements of a flat BER-TLV sequence, skipping 00 and
// FF padding. It stops at the first element that does not decode.
func BERIterate(buf []byte) iter.Seq[TLV] {
	return func(yield func(TLV) bool) {
		berWalk(buf, 0, yield)
	}
}

func berWalk(buf []byte, depth int, yield func(TLV) bool) bool {
	p := 0
	for p < len(buf) {
		if isPadding(buf[p]) {
			p++
			continue
		}
		tlv, end, ok := parseElement(buf, p, depth)
		if !ok {
			return true
		}
		if !yield(tlv) {
			return false
		}
		p = end
	}
	return true
}

// RemoveTLVHeader returns the value of the single element at the start of
// buf.
func RemoveTLVHeader(buf []byte) ([]byte, bool) {
	tlv, _, ok := parseElement(buf, 0, 0)
	if !ok {
		return nil, false
	}
	return tlv.Value, true
}

// FindBERTLV looks up path inside the element buf, typically a whole
// response such as an FCI template. path is relative to the contents of
// that outer element. With matchAnywhere the first tag of path may sit at
// any depth below constructed elements.
func FindBERTLV(buf []byte, path []Tag, matchAnywhere bool) ([]byte, bool) {
	tlv, ok := FindBERTLVElement(buf, path, matchAnywhere)
	if !ok {
		return nil, false
	}
	return tlv.Value, true
}

// FindBERTLVElement is FindBERTLV returning the whole element, so callers
// that need the header can use TLV.Raw.
func FindBERTLVElement(buf []byte, path []Tag, matchAnywhere bool) (TLV, bool) {
	if len(path) == 0 {
		return TLV{}, false
	}
	contents, ok := RemoveTLVHeader(buf)
	if !ok {
		return TLV{}, false
	}
	return findIn(contents, path, matchAnywhere, 1)
}

func findIn(buf []byte, path []Tag, matchAnywhere bool, depth int) (TLV, bool) {
	if depth > maxDepth {
		return TLV{}, false
	}
	var found TLV
	var ok bool
	berWalk(buf, depth, func(tlv TLV) bool {
		if tlv.Tag == path[0] {
			if len(path) == 1 {
				found, ok = tlv, true
				return false
			}
			if found, ok = findIn(tlv.Value, path[1:], false, depth+1); ok {
				return false
			}
		}
		if matchAnywhere && tlv.Tag.Constructed() {
			if found, ok = findIn(tlv.Value, path, true, depth+1); ok {
				return false
			}
		}
		return true
	})
	return found, ok
}

// DOLIterate yields the tag and requested length of each entry in a data
// object list, such as a PDOL. DOL entries carry no values.
func DOLIterate(buf []byte) iter.Seq2[Tag, int] {
	return func(yield func(Tag, int) bool) {
		p := 0
		for p < len(buf) {
			tag, tagLen, ok := readTag(buf, p)
			if !ok {
				return
			}
			p += tagLen
			if p >= len(buf) {
				return
			}
			head := buf[p]
			if head&0x80 != 0 {
				count := int(head & 0x7f)
				if count == 0 || count > maxLengthLen || p+1+count > len(buf) {
					return
				}
				var l uint64
				for _, b := range buf[p+1 : p+1+count] {
					l = l<<8 | uint64(b)
				}
				if l > 0xffff {
					return
				}
				p += 1 + count
				if !yield(tag, int(l)) {
					return
				}
				continue
			}
			p++
			if !yield(tag, int(head)) {
				return
			}
		}
	}
}

// SimpleTLVIterate yields the (tag, value) pairs of a SIMPLE-TLV buffer.
// Tags 00 and FF are padding and are skipped. Iteration stops at a
// truncated entry.
func SimpleTLVIterate(buf []byte) iter.Seq2[byte, []byte] {
	return func(yield func(byte, []byte) bool) {
		p := 0
		for p < len(buf) {
			tag := buf[p]
			p++
			if isPadding(tag) {
				continue
			}
			if p >= len(buf) {
				return
			}
			length := int(buf[p])
			p++
			if length == 0xff {
				if p+2 > len(buf) {
					return
				}
				length = int(buf[p])<<8 | int(buf[p+1])
				p += 2
			}
			if length > len(buf)-p {
				return
			}
			if !yield(tag, buf[p:p+length:p+length]) {
				return
			}
			p += length
		}
	}
}

// CompactTLVIterate yields the entries of COMPACT-TLV data, as found in ATR
// historical bytes: the high nibble is the tag and the low nibble the
// length.
func CompactTLVIterate(buf []byte) iter.Seq2[byte, []byte] {
	return func(yield func(byte, []byte) bool) {
		p := 0
		for p < len(buf) {
			tag := buf[p] >> 4
			length := int(buf[p] & 0x0f)
			p++
			if length > len(buf)-p {
				return
			}
			if !yield(tag, buf[p:p+length:p+length]) {
				return
			}
			p += length
		}
	}
}
