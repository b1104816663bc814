package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/completion"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/record"
)

func newGateway(t *testing.T, c completion.Completer) (*Gateway, *record.Store, *events.Recorder) {
	t.Helper()
	store := record.New()
	rec := &events.Recorder{}
	g := NewGateway(store, c, events.Bound{RunID: "run-1", Next: rec}, nil)
	return g, store, rec
}

func decisionEntries(store *record.Store, id string) int {
	n := 0
	for _, e := range store.AuditLog() {
		if strings.Contains(e.Text, "approval "+short(id)+" for") {
			n++
		}
	}
	return n
}

func TestTimeoutAutoApproves(t *testing.T) {
	g, store, rec := newGateway(t, completion.Offline{})
	req := g.Request(context.Background(), domain.StageDiagnose, "run diagnosis", "db down")
	assert.Equal(t, domain.ApprovalPending, store.Approvals()[0].Status)
	assert.NotEqual(t, staticRationale, req.Rationale)

	ok := g.Await(context.Background(), req, 10*time.Millisecond)
	assert.True(t, ok)
	got := store.Approvals()[0]
	assert.Equal(t, domain.ApprovalApproved, got.Status)
	assert.Equal(t, domain.DecidedAuto, got.DecidedBy)
	assert.Equal(t, []string{events.ApprovalRequested, events.ApprovalDecided}, rec.Names())
	assert.Contains(t, store.AuditLog()[1].Text, "auto-approved")

	assert.False(t, g.Decide(req.ID, false), "decision after timeout is a no-op")
	assert.Equal(t, domain.ApprovalApproved, store.Approvals()[0].Status)
}

func TestZeroTimeoutDoesNotBlock(t *testing.T) {
	g, _, _ := newGateway(t, nil)
	req := g.Request(context.Background(), domain.StageReview, "review", "")
	assert.Equal(t, staticRationale, req.Rationale)
	assert.True(t, g.Await(context.Background(), req, 0))
}

func TestExternalRejection(t *testing.T) {
	g, store, _ := newGateway(t, completion.Offline{})
	req := g.Request(context.Background(), domain.StageDispatch, "execute tasks", "")
	go func() {
		time.Sleep(5 * time.Millisecond)
		g.Decide(req.ID, false)
	}()
	assert.False(t, g.Await(context.Background(), req, 5*time.Second))
	got := store.Approvals()[0]
	assert.Equal(t, domain.ApprovalRejected, got.Status)
	assert.Equal(t, domain.DecidedExternal, got.DecidedBy)
	assert.False(t, g.Decide(req.ID, true))
	assert.False(t, g.Decide("unknown", true))
}

func TestDecideByRequester(t *testing.T) {
	g, _, _ := newGateway(t, nil)
	req := g.Request(context.Background(), domain.StageStrategize, "draft statement", "")
	assert.Len(t, g.Pending(), 1)
	assert.True(t, g.DecideFor(domain.StageStrategize, true))
	assert.False(t, g.DecideFor(domain.StageStrategize, false))
	assert.True(t, g.Await(context.Background(), req, time.Second))
	assert.Empty(t, g.Pending())
}

func TestRationaleFallbackOnError(t *testing.T) {
	g, store, _ := newGateway(t, completion.Func(func(context.Context, string) (string, error) {
		return "", errors.New("down")
	}))
	req := g.Request(context.Background(), domain.StageDiagnose, "diagnose", "")
	assert.Equal(t, staticRationale, req.Rationale)
	assert.Contains(t, store.AuditLog()[0].Text, "fallback")
}

func TestStopAndCancelResolveAsFallback(t *testing.T) {
	g, store, _ := newGateway(t, nil)
	req := g.Request(context.Background(), domain.StageDiagnose, "diagnose", "")
	done := make(chan bool)
	go func() { done <- g.Await(context.Background(), req, time.Minute) }()
	time.Sleep(5 * time.Millisecond)
	g.Stop()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stop did not release the wait")
	}
	assert.Equal(t, domain.DecidedAuto, store.Approvals()[0].DecidedBy)

	g2, _, _ := newGateway(t, nil)
	req2 := g2.Request(context.Background(), domain.StageReview, "review", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, g2.Await(ctx, req2, time.Minute))
}

func TestDecisionRaceHasSingleWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		g, store, rec := newGateway(t, nil)
		req := g.Request(context.Background(), domain.StageDispatch, "dispatch", "")

		var wg sync.WaitGroup
		wins := make(chan bool, 3)
		wg.Add(3)
		go func() {
			defer wg.Done()
			g.Await(context.Background(), req, time.Microsecond)
		}()
		go func() {
			defer wg.Done()
			wins <- g.Decide(req.ID, false)
		}()
		go func() {
			defer wg.Done()
			wins <- g.Decide(req.ID, true)
		}()
		wg.Wait()
		close(wins)

		externalWins := 0
		for w := range wins {
			if w {
				externalWins++
			}
		}
		got := store.Approvals()[0]
		require.NotEqual(t, domain.ApprovalPending, got.Status)
		if got.DecidedBy == domain.DecidedAuto {
			require.Equal(t, 0, externalWins)
			require.Equal(t, domain.ApprovalApproved, got.Status)
		} else {
			require.Equal(t, 1, externalWins)
		}
		require.Equal(t, 1, decisionEntries(store, req.ID))
		decided := 0
		for _, name := range rec.Names() {
			if name == events.ApprovalDecided {
				decided++
			}
		}
		require.Equal(t, 1, decided)
	}
}
