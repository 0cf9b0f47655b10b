package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundUpDown(t *testing.T) {
	assert.Equal(t, uint64(512), RoundUp(1, 512))
	assert.Equal(t, uint64(512), RoundUp(512, 512))
	assert.Equal(t, uint64(1024), RoundUp(513, 512))
	assert.Equal(t, uint64(0), RoundDown(511, 512))
	assert.Equal(t, uint64(512), RoundDown(1023, 512))
	assert.True(t, IsAligned(4096, 512))
	assert.False(t, IsAligned(100, 512))
}
