package scatter

import (
	"bytes"

	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"golang.org/x/text/encoding/unicode"
)

// ResultView is the read-only accessor a continuation receives. It is scoped to one entity's slots
// in one round and must not be retained after the continuation returns.
type ResultView struct {
	round *Round
	g     *group
}

// Entity returns the entity the view belongs to.
func (v ResultView) Entity() EntityIndex { return v.g.idx }

// Round returns the 1-based number of the round the view belongs to.
func (v ResultView) Round() int { return v.round.number }

// Has reports whether the tag was read and decoded successfully.
func (v ResultView) Has(tag Tag) bool {
	s := v.g.find(tag)
	return s != nil && s.ok
}

// Misses returns the number of the entity's slots in this round that could not be read.
func (v ResultView) Misses() int {
	n := 0
	for i := range v.g.slots {
		if !v.g.slots[i].ok {
			n++
		}
	}
	return n
}

// TryGet returns the decoded value for tag. It reports false when the tag was never added, the
// address could not be read, or the slot was registered with a different type.
func TryGet[T any](v ResultView, tag Tag) (T, bool) {
	var zero T
	s := v.g.find(tag)
	if s == nil || !s.ok || s.decode == nil {
		return zero, false
	}
	val, ok := s.value.(T)
	if !ok {
		return zero, false
	}
	return val, true
}

// TryPointer reads tag as an 8-byte address and reports false for misses and null pointers, which is
// how pointer chains end.
func TryPointer(v ResultView, tag Tag) (transport.Address, bool) {
	raw, ok := TryGet[uint64](v, tag)
	if !ok || raw == 0 {
		return 0, false
	}
	return transport.Address(raw), true
}

// TryBytes returns the raw bytes of a slot added with AddBytes. The slice is only valid for the
// duration of the continuation and must not be modified.
func TryBytes(v ResultView, tag Tag) ([]byte, bool) {
	s := v.g.find(tag)
	if s == nil || !s.ok || s.decode != nil {
		return nil, false
	}
	return s.data, true
}

// TryString decodes a NUL-terminated single-byte string. Without a terminator the whole buffer is
// used.
func TryString(v ResultView, tag Tag) (string, bool) {
	b, ok := TryBytes(v, tag)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// TryUTF16 decodes up to chars little-endian UTF-16 code units. A negative or oversized chars is
// clamped to the buffer. Decoding stops at the first NUL code unit.
func TryUTF16(v ResultView, tag Tag, chars int) (string, bool) {
	b, ok := TryBytes(v, tag)
	if !ok {
		return "", false
	}
	if chars < 0 || chars*2 > len(b) {
		chars = len(b) / 2
	}
	b = b[:chars*2]
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", false
	}
	return string(s), true
}
