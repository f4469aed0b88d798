package progress

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_EveryChunk(t *testing.T) {
	var calls []int64

	src := iotest.OneByteReader(strings.NewReader("abcd"))
	pr := NewReader(src, 4, 0, func(read, total int64) {
		assert.Equal(t, int64(4), total)
		calls = append(calls, read)
	})

	_, err := io.ReadAll(pr)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4}, calls)
	assert.Equal(t, int64(4), pr.BytesRead())
}

func TestReader_Interval(t *testing.T) {
	var calls []int64

	src := iotest.OneByteReader(strings.NewReader("abcdefg"))
	pr := NewReader(src, 7, 3, func(read, total int64) {
		calls = append(calls, read)
	})

	_, err := io.ReadAll(pr)
	require.NoError(t, err)

	// every 3 bytes, plus the final byte because it completes the total
	assert.Equal(t, []int64{3, 6, 7}, calls)
}

func TestReader_UnknownTotal(t *testing.T) {
	var last int64

	pr := NewReader(iotest.OneByteReader(strings.NewReader("xyz")), 0, 0, func(read, total int64) {
		assert.Zero(t, total)
		last = read
	})

	_, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}
