package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, r.Count())
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
	assert.ElementsMatch(t, []int{1, 2}, r.List())
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("x", "first"))
	assert.Error(t, r.Register("x", "second"))
	assert.Error(t, r.Register("", "anon"))

	v, _ := r.Get("x")
	assert.Equal(t, "first", v)
}

func TestReplaceOverwrites(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("x", "first"))
	require.NoError(t, r.Replace("x", "second"))

	v, _ := r.Get("x")
	assert.Equal(t, "second", v)
}

func TestRemoveAndClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	require.NoError(t, r.Remove("a"))
	assert.Error(t, r.Remove("a"))

	require.NoError(t, r.Register("b", 2))
	r.Clear()
	assert.Zero(t, r.Count())
}
