package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_GetPutResets(t *testing.T) {
	p := NewPool(
		func() *bytes.Buffer { return bytes.NewBuffer(nil) },
		func(b **bytes.Buffer) { (*b).Reset() },
	)

	buf := p.Get()
	buf.WriteString("payload")
	p.Put(buf)

	again := p.Get()
	assert.Zero(t, again.Len(), "buffer must come back reset")

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)
}

func TestPoolStats_HitRate(t *testing.T) {
	assert.Zero(t, PoolStats{}.HitRate())
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 0.001)
}

func TestByteBufferPool_RoundTrip(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("frame")
	ByteBufferPool.Put(buf)

	next := ByteBufferPool.Get()
	defer ByteBufferPool.Put(next)
	assert.Zero(t, next.Len())
}
