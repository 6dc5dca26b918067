package xrand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamIsDeterministic(t *testing.T) {
	a := NewStream(42, 7)
	b := NewStream(42, 7)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.Float64(), b.Float64())
	}
}

func TestNewStreamDiffersByNode(t *testing.T) {
	a := NewStream(42, 7)
	b := NewStream(42, 8)
	same := true
	for i := 0; i < 20; i++ {
		if a.Float64() != b.Float64() {
			same = false
			break
		}
	}
	assert.False(t, same, "distinct node ids must not share a substream")
}

func TestSampleUint64NoDuplicates(t *testing.T) {
	s := NewStream(1, 1)
	for _, n := range []int{0, 1, 5, 24, 25} {
		out := SampleUint64(s, 100, n)
		require.Len(t, out, n)
		seen := make(map[uint64]bool)
		for _, v := range out {
			require.False(t, seen[v], "duplicate sample %d", v)
			seen[v] = true
			require.Less(t, v, uint64(100))
		}
	}
}

func TestSampleUint64SaturatesAtPopulation(t *testing.T) {
	s := NewStream(1, 1)
	out := SampleUint64(s, 5, 10)
	assert.Len(t, out, 5)
}

func TestSampleFromPreservesElements(t *testing.T) {
	s := NewStream(3, 3)
	from := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	out := SampleFrom(s, from, 3)
	require.Len(t, out, 3)
	set := make(map[string]bool)
	for _, v := range from {
		set[v] = true
	}
	for _, v := range out {
		assert.True(t, set[v])
	}
}

func TestEitherOrCombine(t *testing.T) {
	maxFn := func(x, y int) int {
		if x > y {
			return x
		}
		return y
	}

	assert.Nil(t, EitherOrCombine[int](nil, nil, maxFn))

	five := 5
	got := EitherOrCombine(&five, nil, maxFn)
	require.NotNil(t, got)
	assert.Equal(t, 5, *got)

	got = EitherOrCombine[int](nil, &five, maxFn)
	require.NotNil(t, got)
	assert.Equal(t, 5, *got)

	three := 3
	got = EitherOrCombine(&five, &three, maxFn)
	require.NotNil(t, got)
	assert.Equal(t, 5, *got)
}
