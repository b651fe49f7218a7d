package msfz

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/skdltmxn/msf-go/internal/stream"
)

// ChunkRecordSize is the size of one chunk table entry on disk.
const ChunkRecordSize = 24

// DefaultChunkCacheCapacity bounds the number of decompressed chunks kept
// resident at once.
const DefaultChunkCacheCapacity = 16

// chunkEntry describes one chunk: a region of the file holding compressed
// (or literal) source bytes.
type chunkEntry struct {
	FileOffset       uint64
	CompressedSize   uint32
	UncompressedSize uint32
	Compression      Compression
}

// parseChunkTable parses the chunk table region.
func parseChunkTable(data []byte, numChunks uint64) ([]chunkEntry, error) {
	if uint64(len(data)) < numChunks*ChunkRecordSize {
		return nil, fmt.Errorf("%w: chunk table is %d bytes, need %d",
			ErrCorrupt, len(data), numChunks*ChunkRecordSize)
	}

	r := stream.NewReader(data)
	chunks := make([]chunkEntry, numChunks)
	for i := range chunks {
		off, _ := r.ReadU64()
		csize, _ := r.ReadU32()
		usize, _ := r.ReadU32()
		alg, _ := r.ReadU32()
		if _, err := r.ReadU32(); err != nil { // reserved
			return nil, ErrTruncatedFile
		}

		c := Compression(alg)
		if !c.valid() {
			return nil, fmt.Errorf("%w: chunk %d uses unknown compression %d", ErrCorrupt, i, alg)
		}
		chunks[i] = chunkEntry{
			FileOffset:       off,
			CompressedSize:   csize,
			UncompressedSize: usize,
			Compression:      c,
		}
	}
	return chunks, nil
}

// marshalChunkTable serializes the chunk table.
func marshalChunkTable(chunks []chunkEntry) []byte {
	w := stream.NewWriter()
	for _, c := range chunks {
		w.WriteU64(c.FileOffset)
		w.WriteU32(c.CompressedSize)
		w.WriteU32(c.UncompressedSize)
		w.WriteU32(uint32(c.Compression))
		w.WriteU32(0)
	}
	return w.Bytes()
}

// chunkCache lazily decompresses chunks and keeps a bounded number of them
// resident under LRU eviction. Concurrent requests for the same chunk share
// one decompression; requests for different chunks decompress in parallel.
type chunkCache struct {
	data   io.ReaderAt
	chunks []chunkEntry

	mu    sync.Mutex
	cache *lru.Cache[uint32, []byte]
	group singleflight.Group
}

func newChunkCache(data io.ReaderAt, chunks []chunkEntry, capacity int) (*chunkCache, error) {
	if capacity <= 0 {
		capacity = DefaultChunkCacheCapacity
	}
	c, err := lru.New[uint32, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &chunkCache{data: data, chunks: chunks, cache: c}, nil
}

// chunkData returns the decompressed contents of the given chunk. The
// returned slice is shared: callers must not modify it.
func (cc *chunkCache) chunkData(id uint32) ([]byte, error) {
	if int(id) >= len(cc.chunks) {
		return nil, fmt.Errorf("%w: chunk %d out of range", ErrCorrupt, id)
	}

	cc.mu.Lock()
	if data, ok := cc.cache.Get(id); ok {
		cc.mu.Unlock()
		return data, nil
	}
	cc.mu.Unlock()

	v, err, _ := cc.group.Do(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
		data, err := cc.load(id)
		if err != nil {
			return nil, err
		}
		cc.mu.Lock()
		cc.cache.Add(id, data)
		cc.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// load reads and decompresses one chunk from the file.
func (cc *chunkCache) load(id uint32) ([]byte, error) {
	entry := cc.chunks[id]

	compressed := make([]byte, entry.CompressedSize)
	if _, err := cc.data.ReadAt(compressed, int64(entry.FileOffset)); err != nil {
		return nil, fmt.Errorf("msfz: failed to read chunk %d: %w", id, err)
	}

	data := make([]byte, entry.UncompressedSize)
	if err := decompressToSlice(entry.Compression, compressed, data); err != nil {
		return nil, fmt.Errorf("chunk %d: %w", id, err)
	}
	return data, nil
}
