package memory

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exp(i int, event string) Experience {
	return Experience{Cycle: i, Event: event, Directive: fmt.Sprintf("directive %d", i)}
}

func TestBankIsBoundedRing(t *testing.T) {
	b := NewBank(3, Recent{})
	for i := 0; i < 5; i++ {
		b.Add(exp(i, "e"))
	}
	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{all[0].Cycle, all[1].Cycle, all[2].Cycle})
	assert.Equal(t, 3, b.Len())
}

func TestRecentNewestFirst(t *testing.T) {
	b := NewBank(10, Recent{})
	for i := 0; i < 4; i++ {
		b.Add(exp(i, "e"))
	}
	got := b.Sample("", 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Cycle)
	assert.Equal(t, 2, got[1].Cycle)
}

func TestRandomWithoutReplacement(t *testing.T) {
	b := NewBank(10, NewRandom(rand.New(rand.NewSource(7))))
	for i := 0; i < 6; i++ {
		b.Add(exp(i, "e"))
	}
	got := b.Sample("", 3)
	require.Len(t, got, 3)
	seen := map[int]bool{}
	for _, e := range got {
		assert.False(t, seen[e.Cycle])
		seen[e.Cycle] = true
	}
	assert.Len(t, b.Sample("", 50), 6)
	assert.Nil(t, NewBank(2, nil).Sample("", 3))
}

func TestSimilarRanksByOverlap(t *testing.T) {
	b := NewBank(10, Similar{})
	b.Add(exp(0, "payment gateway latency"))
	b.Add(exp(1, "database outage after config rollout"))
	b.Add(exp(2, "celebrity account hacked"))
	got := b.Sample("primary database outage", 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Cycle)
}

func TestForStrategy(t *testing.T) {
	for _, name := range []string{"", "random", "recent", "similar"} {
		r, err := ForStrategy(name)
		require.NoError(t, err)
		assert.NotNil(t, r)
	}
	_, err := ForStrategy("vector")
	assert.Error(t, err)
}
