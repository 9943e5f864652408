package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectEmptyReturnsFalse(t *testing.T) {
	b := New(Random)
	_, ok := b.Select("svc", nil)
	assert.False(t, ok)
}

func TestRoundRobinAdvancesSequentially(t *testing.T) {
	b := New(RoundRobin)
	eps := []Endpoint{{Address: "a"}, {Address: "b"}, {Address: "c"}}

	first, ok := b.Select("svc", eps)
	require.True(t, ok)
	assert.Equal(t, "a", first.Address)

	second, _ := b.Select("svc", eps)
	assert.Equal(t, "b", second.Address)

	third, _ := b.Select("svc", eps)
	assert.Equal(t, "c", third.Address)

	fourth, _ := b.Select("svc", eps)
	assert.Equal(t, "a", fourth.Address)
}

func TestRoundRobinClampsWhenListShrinks(t *testing.T) {
	b := New(RoundRobin)
	big := []Endpoint{{Address: "a"}, {Address: "b"}, {Address: "c"}}
	b.Select("svc", big)
	b.Select("svc", big)

	small := []Endpoint{{Address: "x"}}
	ep, ok := b.Select("svc", small)
	require.True(t, ok)
	assert.Equal(t, "x", ep.Address)
}

func TestWeightedRandomFallsBackToRandomOnZeroWeight(t *testing.T) {
	b := New(WeightedRandom)
	eps := []Endpoint{{Address: "a", Weight: 0}, {Address: "b", Weight: 0}}
	ep, ok := b.Select("svc", eps)
	require.True(t, ok)
	assert.Contains(t, []string{"a", "b"}, ep.Address)
}

func TestWeightedRandomPicksOnlyNonZeroWeightWhenOthersAreZero(t *testing.T) {
	b := New(WeightedRandom)
	eps := []Endpoint{{Address: "a", Weight: 0}, {Address: "b", Weight: 10}}
	for i := 0; i < 20; i++ {
		ep, ok := b.Select("svc", eps)
		require.True(t, ok)
		assert.Equal(t, "b", ep.Address)
	}
}

func TestRandomAlwaysReturnsAMember(t *testing.T) {
	b := New(Random)
	eps := []Endpoint{{Address: "a"}, {Address: "b"}}
	for i := 0; i < 20; i++ {
		ep, ok := b.Select("svc", eps)
		require.True(t, ok)
		assert.Contains(t, []string{"a", "b"}, ep.Address)
	}
}
