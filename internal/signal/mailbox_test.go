package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWithoutWaiterQueues(t *testing.T) {
	m := NewMailbox[string](2)
	d, err := m.Submit("first")
	require.NoError(t, err)
	assert.Equal(t, Queued, d)
	_, _ = m.Submit("second")
	_, err = m.Submit("third")
	assert.ErrorIs(t, err, ErrMailboxFull)

	v, ok := m.Await(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, "first", v)
	assert.Equal(t, 1, m.Len())
}

func TestSubmitToWaiterIsConsumed(t *testing.T) {
	m := NewMailbox[string](4)
	got := make(chan string, 1)
	go func() {
		v, ok := m.Await(context.Background(), 5*time.Second)
		if ok {
			got <- v
		}
		close(got)
	}()
	require.Eventually(t, m.Waiting, time.Second, time.Millisecond)

	d, err := m.Submit("fix the database")
	require.NoError(t, err)
	assert.Equal(t, Consumed, d)
	assert.Equal(t, "fix the database", <-got)
	assert.Equal(t, 0, m.Len())
}

func TestAwaitTimesOut(t *testing.T) {
	m := NewMailbox[bool](1)
	start := time.Now()
	_, ok := m.Await(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, m.Waiting())

	d, err := m.Submit(true)
	require.NoError(t, err)
	assert.Equal(t, Queued, d)
}

func TestAwaitCancelled(t *testing.T) {
	m := NewMailbox[bool](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := m.Await(ctx, time.Minute)
	assert.False(t, ok)
}
