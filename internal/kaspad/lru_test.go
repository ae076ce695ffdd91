package kaspad

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUSetAdd(t *testing.T) {
	s := newLRUSet(3)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a")) // already present
	assert.Equal(t, 2, s.Len())
}

func TestLRUSetEviction(t *testing.T) {
	s := newLRUSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c") // evicts a
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))

	// Re-adding refreshes recency, so b survives the next eviction.
	s.Add("b")
	s.Add("d")
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("c"))
}

func TestLRUSetDefaultCapacity(t *testing.T) {
	s := newLRUSet(0)
	assert.Equal(t, 10000, s.cap)
}
