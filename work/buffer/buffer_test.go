package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBufferSize(t *testing.T) {
	p := NewPool(1024)

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Len(t, buf.B, 1024)
	p.Put(buf)

	// reuse must hand back a correctly sized buffer again
	buf = p.Get()
	assert.Len(t, buf.B, 1024)
	p.Put(buf)

	// nil put is a no-op
	p.Put(nil)
}

func TestChunkRingOrderAndEviction(t *testing.T) {
	cr := NewChunkRing(3)

	cr.Append([]byte("a"))
	cr.Append([]byte("b"))

	snap := cr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", string(snap[0]))
	assert.Equal(t, "b", string(snap[1]))

	cr.Append([]byte("c"))
	cr.Append([]byte("d")) // evicts "a"

	snap = cr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", string(snap[0]))
	assert.Equal(t, "c", string(snap[1]))
	assert.Equal(t, "d", string(snap[2]))
}

func TestChunkRingCopiesChunks(t *testing.T) {
	cr := NewChunkRing(2)

	chunk := []byte("live")
	cr.Append(chunk)
	chunk[0] = 'X' // caller reuses its buffer

	snap := cr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "live", string(snap[0]))
}

func TestChunkRingZeroCapacity(t *testing.T) {
	cr := NewChunkRing(0)
	cr.Append([]byte("a"))
	assert.Nil(t, cr.Snapshot())

	cr = NewChunkRing(-1)
	cr.Append([]byte("a"))
	assert.Nil(t, cr.Snapshot())
}

func TestChunkRingReset(t *testing.T) {
	cr := NewChunkRing(2)
	cr.Append([]byte("a"))
	cr.Append([]byte("b"))

	cr.Reset()
	assert.Nil(t, cr.Snapshot())

	cr.Append([]byte("c"))
	snap := cr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "c", string(snap[0]))
}
