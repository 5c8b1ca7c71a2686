package buffer

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte buffers backed by valyala/bytebufferpool.
// The relay's upstream read loop stages chunks in pooled buffers to avoid
// allocating a fresh slice per read.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a Pool whose buffers are grown to at least bufferSize bytes.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, grown to the configured size.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	buf.B = buf.B[:p.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}

// ChunkRing is a small bounded window of the most recent broadcast chunks.
// A client joining an already-streaming session receives this window before
// switching to live chunks, so playback starts without waiting for the next
// upstream read. The window is the only catch-up a client ever gets; there is
// no per-client cursor into stream history.
type ChunkRing struct {
	mu    sync.Mutex
	ring  [][]byte
	next  int
	count int
}

// NewChunkRing creates a ring holding up to capacity chunks. A zero capacity
// ring is valid and simply never retains anything.
func NewChunkRing(capacity int) *ChunkRing {
	if capacity < 0 {
		capacity = 0
	}
	return &ChunkRing{
		ring: make([][]byte, capacity),
	}
}

// Append stores a copy of the chunk, evicting the oldest entry when full.
func (cr *ChunkRing) Append(chunk []byte) {
	if len(cr.ring) == 0 || len(chunk) == 0 {
		return
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	cr.mu.Lock()
	cr.ring[cr.next] = cp
	cr.next = (cr.next + 1) % len(cr.ring)
	if cr.count < len(cr.ring) {
		cr.count++
	}
	cr.mu.Unlock()
}

// Snapshot returns the retained chunks, oldest first. The returned slices are
// the ring's own copies and must be treated as read-only.
func (cr *ChunkRing) Snapshot() [][]byte {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.count == 0 {
		return nil
	}

	out := make([][]byte, 0, cr.count)
	start := cr.next - cr.count
	if start < 0 {
		start += len(cr.ring)
	}
	for i := 0; i < cr.count; i++ {
		out = append(out, cr.ring[(start+i)%len(cr.ring)])
	}
	return out
}

// Reset drops all retained chunks. Called when the session switches to a new
// upstream source, so joiners are never primed with bytes from a source that
// already died.
func (cr *ChunkRing) Reset() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for i := range cr.ring {
		cr.ring[i] = nil
	}
	cr.next = 0
	cr.count = 0
}
