package audio

import (
	"sync"
	"time"
)

// Chunk is one opaque fragment of the captured stream. Data is owned by the
// chunk and must not be modified after the chunk is appended.
type Chunk struct {
	Seq        uint64    `json:"seq"`
	Data       []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Len returns the chunk size in bytes
func (c Chunk) Len() int {
	return len(c.Data)
}

// Accumulator collects the chunks of a single session in arrival order
type Accumulator struct {
	chunks     []Chunk
	totalBytes int
	nextSeq    uint64
	lastUpdate time.Time

	mu sync.RWMutex
}

// AccumulatorStats represents accumulator statistics for monitoring
type AccumulatorStats struct {
	ChunkCount int       `json:"chunk_count"`
	TotalBytes int       `json:"total_bytes"`
	LastUpdate time.Time `json:"last_update"`
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{
		chunks: make([]Chunk, 0, 64),
	}
}

// Append copies data into a new chunk at the end of the sequence.
// Zero-length fragments are discarded; the return value reports whether
// the fragment was kept.
func (a *Accumulator) Append(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.chunks = append(a.chunks, Chunk{
		Seq:        a.nextSeq,
		Data:       owned,
		ReceivedAt: now,
	})
	a.nextSeq++
	a.totalBytes += len(owned)
	a.lastUpdate = now

	return true
}

// Drain returns the full ordered sequence without consuming it. The returned
// slice is a fresh copy, so a later Reset or Append does not affect it.
func (a *Accumulator) Drain() []Chunk {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Chunk, len(a.chunks))
	copy(out, a.chunks)
	return out
}

// Reset clears the sequence. Only called when a new session starts.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = make([]Chunk, 0, 64)
	a.totalBytes = 0
	a.nextSeq = 0
	a.lastUpdate = time.Time{}
}

// Len returns the number of chunks held
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.chunks)
}

// Size returns the total number of bytes held
func (a *Accumulator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalBytes
}

// GetStats returns accumulator statistics
func (a *Accumulator) GetStats() AccumulatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AccumulatorStats{
		ChunkCount: len(a.chunks),
		TotalBytes: a.totalBytes,
		LastUpdate: a.lastUpdate,
	}
}

// Concat joins chunk data in sequence order into one contiguous payload
func Concat(chunks []Chunk) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}

	payload := make([]byte, 0, size)
	for _, c := range chunks {
		payload = append(payload, c.Data...)
	}
	return payload
}
