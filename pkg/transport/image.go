package transport

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
)

// pageSize is the granularity used when Write has to map memory on demand.
const pageSize = 0x1000

// region is a contiguous mapped range [base, base+len(data)).
type region struct {
	base Address
	data []byte
}

func (r *region) end() Address { return r.base + Address(len(r.data)) }

func (r *region) contains(addr Address) bool { return addr >= r.base && addr < r.end() }

// Image is a sparse in-memory picture of a foreign address space. It implements Transport so tests and
// offline tools can drive the scheduler without hardware. Reads spanning several adjacent regions are
// stitched together; any unmapped byte turns the whole request into a miss.
type Image struct {
	mu      sync.RWMutex
	regions []region // sorted by base, non-overlapping
}

var _ Transport = &Image{}

// NewImage creates an empty image.
func NewImage() *Image {
	return &Image{regions: make([]region, 0, 64)}
}

// Map adds a region backed by data. The slice is retained, not copied.
func (m *Image) Map(base Address, data []byte) error {
	if len(data) == 0 {
		return eris.New("cannot map an empty region")
	}
	if uint64(base)+uint64(len(data)) < uint64(base) {
		return eris.Errorf("region at %s wraps the address space", base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := region{base: base, data: data}
	i := m.search(base)
	if i > 0 && m.regions[i-1].end() > base {
		return eris.Wrapf(ErrOverlap, "region at %s", base)
	}
	if i < len(m.regions) && m.regions[i].base < r.end() {
		return eris.Wrapf(ErrOverlap, "region at %s", base)
	}
	m.insert(i, r)
	return nil
}

// Unmap removes the region starting exactly at base. It reports whether a region was removed.
func (m *Image) Unmap(base Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.search(base)
	if i == len(m.regions) || m.regions[i].base != base {
		return false
	}
	m.regions = append(m.regions[:i], m.regions[i+1:]...)
	return true
}

// Write copies b into the image at addr, mapping zero-filled pages for any part not already mapped.
func (m *Image) Write(addr Address, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := addr
	for len(b) > 0 {
		r := m.find(pos)
		if r == nil {
			r = m.mapPage(pos)
		}
		n := copy(r.data[pos-r.base:], b)
		b = b[n:]
		pos += Address(n)
	}
}

// mapPage maps the unmapped gap around pos, clipped to the page containing it and to any neighbors.
// Must be called with mu held.
func (m *Image) mapPage(pos Address) *region {
	start := pos &^ (pageSize - 1)
	end := start + pageSize
	i := m.search(pos)
	if i > 0 && m.regions[i-1].end() > start {
		start = m.regions[i-1].end()
	}
	if i < len(m.regions) && m.regions[i].base < end {
		end = m.regions[i].base
	}
	m.insert(i, region{base: start, data: make([]byte, end-start)})
	return &m.regions[i]
}

func (m *Image) WriteU32(addr Address, v uint32) {
	m.Write(addr, binary.LittleEndian.AppendUint32(nil, v))
}

func (m *Image) WriteI32(addr Address, v int32) {
	m.WriteU32(addr, uint32(v)) //nolint:gosec // two's complement is intended
}

func (m *Image) WriteU64(addr Address, v uint64) {
	m.Write(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// WritePtr writes an 8-byte pointer.
func (m *Image) WritePtr(addr, target Address) {
	m.WriteU64(addr, uint64(target))
}

func (m *Image) WriteF32(addr Address, v float32) {
	m.WriteU32(addr, math.Float32bits(v))
}

// WriteVec3 writes three consecutive float32 values.
func (m *Image) WriteVec3(addr Address, x, y, z float32) {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(y))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(z))
	m.Write(addr, buf)
}

// WriteCString writes s followed by a NUL terminator.
func (m *Image) WriteCString(addr Address, s string) {
	m.Write(addr, append([]byte(s), 0))
}

// WriteUTF16 writes s as little-endian UTF-16 without a terminator and returns the number of code
// units written.
func (m *Image) WriteUTF16(addr Address, s string) (int, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(s)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to encode %q as utf-16", s)
	}
	m.Write(addr, []byte(encoded))
	return len(encoded) / 2, nil
}

// ReadBatch serves every request from the mapped regions. The image itself never fails a whole
// transaction.
func (m *Image) ReadBatch(reqs []Request) ([]Outcome, error) {
	total := 0
	for _, req := range reqs {
		if req.Size > 0 {
			total += req.Size
		}
	}

	// One arena per transaction; outcomes slice into it.
	arena := make([]byte, total)
	out := make([]Outcome, len(reqs))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, req := range reqs {
		if req.Size <= 0 {
			continue
		}
		buf := arena[:req.Size:req.Size]
		arena = arena[req.Size:]
		if m.read(req.Addr, buf) {
			out[i] = Outcome{Data: buf, OK: true}
		}
	}
	return out, nil
}

// Read is a single-request convenience wrapper around ReadBatch.
func (m *Image) Read(addr Address, size int) ([]byte, bool) {
	if size <= 0 {
		return nil, false
	}
	buf := make([]byte, size)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.read(addr, buf) {
		return nil, false
	}
	return buf, true
}

// read fills buf from addr. Must be called with mu held.
func (m *Image) read(addr Address, buf []byte) bool {
	pos := addr
	for copied := 0; copied < len(buf); {
		r := m.find(pos)
		if r == nil {
			return false
		}
		n := copy(buf[copied:], r.data[pos-r.base:])
		copied += n
		pos += Address(n)
		if pos == 0 && copied < len(buf) { // wrapped
			return false
		}
	}
	return true
}

// find returns the region containing addr or nil.
func (m *Image) find(addr Address) *region {
	i := m.search(addr)
	if i < len(m.regions) && m.regions[i].base == addr {
		return &m.regions[i]
	}
	if i > 0 && m.regions[i-1].contains(addr) {
		return &m.regions[i-1]
	}
	return nil
}

// search returns the index of the first region whose base is >= addr.
func (m *Image) search(addr Address) int {
	return sort.Search(len(m.regions), func(i int) bool { return m.regions[i].base >= addr })
}

func (m *Image) insert(i int, r region) {
	m.regions = append(m.regions, region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

// Regions returns the number of mapped regions.
func (m *Image) Regions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}
