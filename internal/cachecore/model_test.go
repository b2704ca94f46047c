package cachecore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkByteRange(t *testing.T) {
	const chunkSize = 1024

	start, end := ChunkByteRange(0, chunkSize, 3000)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1023), end)

	start, end = ChunkByteRange(2, chunkSize, 3000)
	assert.Equal(t, int64(2048), start)
	assert.Equal(t, int64(2999), end) // truncated by total size

	start, end = ChunkByteRange(1, chunkSize, -1)
	assert.Equal(t, int64(1024), start)
	assert.Equal(t, int64(2047), end)
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, int64(3), ChunkCount(3000, 1024))
	assert.Equal(t, int64(1), ChunkCount(1, 1024))
	assert.Equal(t, int64(0), ChunkCount(0, 1024))
}

func TestChunkIndex(t *testing.T) {
	assert.Equal(t, int64(0), ChunkIndex(0, 1024))
	assert.Equal(t, int64(2), ChunkIndex(2048, 1024))
	assert.Equal(t, int64(2), ChunkIndex(3000, 1024))
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityCritical), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityMedium))
	assert.Less(t, int(PriorityMedium), int(PriorityLow))
}
