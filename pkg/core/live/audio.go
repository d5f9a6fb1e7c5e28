package live

import (
	"errors"
	"math"
	"sync"
)

// DefaultBufferCapacity is the default number of chunks an AudioBuffer holds.
const DefaultBufferCapacity = 4096

// ErrEmptyChunk is returned when energy is requested for a chunk without
// any complete sample.
var ErrEmptyChunk = errors.New("live: empty audio chunk")

// MeanAbsAmplitude returns the mean absolute sample amplitude of PCM audio,
// normalized to 0.0-1.0. Both full-scale extremes count as 1.0. A trailing
// odd byte is ignored.
func MeanAbsAmplitude(pcm []byte) (float64, error) {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0, ErrEmptyChunk
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768.
		sum += math.Min(math.Abs(float64(sample)), math.MaxInt16)
	}
	return sum / float64(samples) / math.MaxInt16, nil
}

// AudioBuffer is a bounded FIFO of audio chunks. When full, adding a chunk
// evicts the oldest one. All methods are safe for concurrent use.
type AudioBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	head     int
	count    int
	bytes    int
	evicted  uint64
	capacity int
}

// NewAudioBuffer returns a buffer holding at most capacity chunks. A
// non-positive capacity selects DefaultBufferCapacity.
func NewAudioBuffer(capacity int) *AudioBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &AudioBuffer{
		chunks:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// AddChunk appends a copy of chunk, evicting the oldest chunk if the buffer
// is at capacity.
func (b *AudioBuffer) AddChunk(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		b.bytes -= len(b.chunks[b.head])
		b.chunks[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.evicted++
	}
	b.chunks[(b.head+b.count)%b.capacity] = c
	b.count++
	b.bytes += len(c)
}

// Drain returns all buffered chunks concatenated in arrival order and
// empties the buffer.
func (b *AudioBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.bytes)
	for i := 0; i < b.count; i++ {
		out = append(out, b.chunks[(b.head+i)%b.capacity]...)
	}
	b.resetLocked()
	return out
}

// Clear empties the buffer.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *AudioBuffer) resetLocked() {
	for i := 0; i < b.count; i++ {
		b.chunks[(b.head+i)%b.capacity] = nil
	}
	b.head = 0
	b.count = 0
	b.bytes = 0
}

// Len returns the number of buffered chunks.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Bytes returns the total size of the buffered chunks.
func (b *AudioBuffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Evicted returns how many chunks were dropped to make room since creation.
func (b *AudioBuffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Capacity returns the maximum number of chunks.
func (b *AudioBuffer) Capacity() int {
	return b.capacity
}
