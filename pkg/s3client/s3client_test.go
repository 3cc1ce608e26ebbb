package s3client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTotalSize(t *testing.T) {
	total, err := ParseTotalSize("bytes 0-0/1048576")
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), total)

	total, err = ParseTotalSize("bytes 100-199/200")
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)
}

func TestParseTotalSize_Malformed(t *testing.T) {
	for _, in := range []string{"", "bytes 0-0", "bytes 0-0/", "bytes 0-0/x"} {
		_, err := ParseTotalSize(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=0-0", RangeHeader(0, 1))
	assert.Equal(t, "bytes=100-199", RangeHeader(100, 100))
}
