package pdb

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/skdltmxn/msf-go/internal/stream"
)

// NamedStreamMap maps UTF-8 stream names to stream indices. It is stored in
// stream 1 as the classic on-disk hash table: a string heap, the entry and
// slot counts, present and deleted bit vectors, and one (name offset, stream
// index) pair per present slot. The serializer reproduces that layout
// bytewise so existing tools can read files written by this library.
type NamedStreamMap struct {
	streams map[string]uint32
}

// NewNamedStreamMap creates an empty map.
func NewNamedStreamMap() *NamedStreamMap {
	return &NamedStreamMap{streams: make(map[string]uint32)}
}

// Get returns the stream index for a name.
func (m *NamedStreamMap) Get(name string) (uint32, bool) {
	index, ok := m.streams[name]
	return index, ok
}

// Set adds or replaces a name.
func (m *NamedStreamMap) Set(name string, index uint32) {
	m.streams[name] = index
}

// Delete removes a name.
func (m *NamedStreamMap) Delete(name string) {
	delete(m.streams, name)
}

// Len returns the number of named streams.
func (m *NamedStreamMap) Len() int {
	return len(m.streams)
}

// Names returns all names in sorted order.
func (m *NamedStreamMap) Names() []string {
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hashStringV1 is the classic PDB string hash used to place names in the
// on-disk hash table.
func hashStringV1(s []byte) uint32 {
	var hash uint32
	i, n := 0, len(s)
	for ; i+4 <= n; i += 4 {
		hash ^= binary.LittleEndian.Uint32(s[i:])
	}
	if n-i >= 2 {
		hash ^= uint32(binary.LittleEndian.Uint16(s[i:]))
		i += 2
	}
	if n-i >= 1 {
		hash ^= uint32(s[i])
	}
	hash |= 0x20202020
	hash ^= hash >> 11
	hash ^= hash >> 16
	return hash
}

// ParseNamedStreamMap reads the map from the reader, which must be
// positioned at the start of the serialized table.
func ParseNamedStreamMap(r *stream.Reader) (*NamedStreamMap, error) {
	strSize, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated named stream map", ErrInvalidStream)
	}
	heap, err := r.ReadBytesRef(int(strSize))
	if err != nil {
		return nil, fmt.Errorf("%w: named stream map string heap truncated", ErrInvalidStream)
	}

	size, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated named stream map", ErrInvalidStream)
	}
	capacity, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated named stream map", ErrInvalidStream)
	}
	if size > capacity {
		return nil, fmt.Errorf("%w: named stream map has %d entries in %d slots",
			ErrInvalidStream, size, capacity)
	}

	present, err := readBitVector(r)
	if err != nil {
		return nil, err
	}
	if _, err := readBitVector(r); err != nil { // deleted slots carry no data
		return nil, err
	}

	m := NewNamedStreamMap()
	for i := 0; i < len(present)*32; i++ {
		if present[i/32]&(1<<(i%32)) == 0 {
			continue
		}
		nameOffset, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated named stream entry", ErrInvalidStream)
		}
		streamIndex, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated named stream entry", ErrInvalidStream)
		}
		if nameOffset >= strSize {
			return nil, fmt.Errorf("%w: name offset %d outside string heap", ErrInvalidStream, nameOffset)
		}
		name, err := readCStringAt(heap, nameOffset)
		if err != nil {
			return nil, err
		}
		m.streams[name] = streamIndex
	}

	if uint32(len(m.streams)) != size {
		return nil, fmt.Errorf("%w: named stream map claims %d entries, found %d",
			ErrInvalidStream, size, len(m.streams))
	}
	return m, nil
}

// MarshalBinary serializes the map in the classic layout. Names are laid out
// in sorted order so the encoding is deterministic; slots are assigned with
// the classic hash and linear probing so probing readers find every entry.
func (m *NamedStreamMap) MarshalBinary() []byte {
	names := m.Names()

	// String heap.
	heap := stream.NewWriter()
	offsets := make(map[string]uint32, len(names))
	for _, name := range names {
		offsets[name] = uint32(heap.Len())
		heap.WriteCString(name)
	}

	// Slot placement with linear probing.
	capacity := uint32(len(names)*2 + 1)
	type slotEntry struct {
		nameOffset  uint32
		streamIndex uint32
	}
	slots := make([]*slotEntry, capacity)
	for _, name := range names {
		i := hashStringV1([]byte(name)) % capacity
		for slots[i] != nil {
			i = (i + 1) % capacity
		}
		slots[i] = &slotEntry{nameOffset: offsets[name], streamIndex: m.streams[name]}
	}

	w := stream.NewWriter()
	w.WriteU32(uint32(heap.Len()))
	w.WriteBytes(heap.Bytes())
	w.WriteU32(uint32(len(names)))
	w.WriteU32(capacity)

	// Present bit vector.
	words := (capacity + 31) / 32
	w.WriteU32(words)
	for wi := uint32(0); wi < words; wi++ {
		var word uint32
		for bit := uint32(0); bit < 32; bit++ {
			i := wi*32 + bit
			if i < capacity && slots[i] != nil {
				word |= 1 << bit
			}
		}
		w.WriteU32(word)
	}

	// Deleted bit vector: nothing is ever deleted in a freshly built table.
	w.WriteU32(0)

	for _, slot := range slots {
		if slot == nil {
			continue
		}
		w.WriteU32(slot.nameOffset)
		w.WriteU32(slot.streamIndex)
	}
	return w.Bytes()
}

func readBitVector(r *stream.Reader) ([]uint32, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated bit vector", ErrInvalidStream)
	}
	words := make([]uint32, count)
	for i := range words {
		words[i], err = r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated bit vector", ErrInvalidStream)
		}
	}
	return words, nil
}

func readCStringAt(heap []byte, offset uint32) (string, error) {
	end := offset
	for end < uint32(len(heap)) && heap[end] != 0 {
		end++
	}
	if end == uint32(len(heap)) {
		return "", fmt.Errorf("%w: unterminated name in string heap", ErrInvalidStream)
	}
	return string(heap[offset:end]), nil
}
