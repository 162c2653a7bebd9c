// Package schema ships the local metadata schema to a joining cell and checks
// a received schema against the local one, one chunk at a time.
package schema

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Chunk is one ordered slice of the schema
type Chunk struct {
	Offset uint64 `msgpack:"offset"`
	Data   []byte `msgpack:"data"`
	Digest uint64 `msgpack:"digest"`
}

// Source holds the local schema and its chunking
type Source struct {
	data      []byte
	chunkSize int
}

// NewSource wraps data, cutting it into chunks of at most chunkSize bytes
func NewSource(data []byte, chunkSize int) *Source {
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	return &Source{data: data, chunkSize: chunkSize}
}

// LoadSource reads the schema at path. An empty path yields an empty schema.
func LoadSource(path string, chunkSize int) (*Source, error) {
	if path == "" {
		return NewSource(nil, chunkSize), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return NewSource(data, chunkSize), nil
}

// Bytes returns the raw schema
func (s *Source) Bytes() []byte {
	return s.data
}

// Chunks cuts the schema in order. An empty schema is a single empty chunk
// so the receiver still sees one first+last pair.
func (s *Source) Chunks() []Chunk {
	if len(s.data) == 0 {
		return []Chunk{{Offset: 0, Digest: xxhash.Sum64(nil)}}
	}

	chunks := make([]Chunk, 0, (len(s.data)+s.chunkSize-1)/s.chunkSize)
	for off := 0; off < len(s.data); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(s.data) {
			end = len(s.data)
		}
		part := s.data[off:end]
		chunks = append(chunks, Chunk{
			Offset: uint64(off),
			Data:   part,
			Digest: xxhash.Sum64(part),
		})
	}
	return chunks
}

// Verifier compares a streamed schema against the local one
type Verifier struct {
	mu    sync.Mutex
	local []byte
	next  uint64
}

// NewVerifier creates a verifier for the local schema
func NewVerifier(local []byte) *Verifier {
	return &Verifier{local: local}
}

// Accept checks one chunk. first restarts the stream; last requires the
// chunk to end exactly where the local schema ends.
func (v *Verifier) Accept(c Chunk, first, last bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if first {
		v.next = 0
	}

	if c.Offset != v.next {
		return fmt.Errorf("chunk at offset %d out of order, expected %d", c.Offset, v.next)
	}

	if xxhash.Sum64(c.Data) != c.Digest {
		return fmt.Errorf("chunk at offset %d corrupted in transit", c.Offset)
	}

	end := c.Offset + uint64(len(c.Data))
	if end > uint64(len(v.local)) {
		return fmt.Errorf("remote schema longer than local (%d > %d bytes)", end, len(v.local))
	}

	if !bytes.Equal(v.local[c.Offset:end], c.Data) {
		return fmt.Errorf("schema differs in chunk at offset %d", c.Offset)
	}

	if last && end != uint64(len(v.local)) {
		return fmt.Errorf("remote schema shorter than local (%d < %d bytes)", end, len(v.local))
	}

	v.next = end
	if last {
		v.next = 0
	}
	return nil
}
