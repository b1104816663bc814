package record

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/domain"
)

func TestApplyRespectsOwnership(t *testing.T) {
	s := New()
	s.Apply(domain.StageDiagnose, Patch{Diagnosis: domain.Ptr("disk full")})
	assert.Equal(t, "disk full", *s.Snapshot().Diagnosis)

	assert.Panics(t, func() {
		s.Apply(domain.StageDiagnose, Patch{Feedback: domain.Ptr("not mine")})
	})
	assert.Panics(t, func() {
		s.Apply(domain.StageFeedback, Patch{Resolved: domain.Ptr(true)})
	})
	assert.Nil(t, s.Snapshot().Feedback)
	assert.False(t, s.Snapshot().Resolved)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	s.Apply(domain.StageDispatch, Patch{ExecutionResults: map[domain.Unit]string{domain.UnitTech: "ok"}})
	snap := s.Snapshot()
	snap.ExecutionResults[domain.UnitTech] = "mutated"
	snap.AuditLog = append(snap.AuditLog, domain.AuditEntry{Text: "forged"})

	again := s.Snapshot()
	assert.Equal(t, "ok", again.ExecutionResults[domain.UnitTech])
	assert.Empty(t, again.AuditLog)
}

func TestAuditIsOrderedUnderConcurrentWriters(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Audit(domain.StageDispatch, fmt.Sprintf("entry %d", i))
		}(i)
	}
	wg.Wait()
	log := s.AuditLog()
	require.Len(t, log, 50)
	for i, e := range log {
		assert.Equal(t, i+1, e.Seq)
	}
}

func TestResolveApprovalOnlyOnce(t *testing.T) {
	s := New()
	s.AppendApproval(domain.ApprovalRequest{ID: "a1", Requester: domain.StageReview})

	req, err := s.ResolveApproval("a1", domain.ApprovalRejected, domain.DecidedExternal)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, req.Status)
	require.NotNil(t, req.DecidedAt)

	_, err = s.ResolveApproval("a1", domain.ApprovalApproved, domain.DecidedAuto)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = s.ResolveApproval("missing", domain.ApprovalApproved, domain.DecidedAuto)
	assert.ErrorIs(t, err, ErrUnknownApproval)

	assert.Equal(t, domain.ApprovalRejected, s.Approvals()[0].Status)
}

func TestAdvanceCycleStepsByOne(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.Cycle())
	assert.Equal(t, 1, s.AdvanceCycle())
	assert.Equal(t, 2, s.AdvanceCycle())
	s.Audit(domain.StageObserve, "x")
	assert.Equal(t, 2, s.AuditLog()[0].Cycle)
}

func TestStageCounts(t *testing.T) {
	log := []domain.AuditEntry{
		{Stage: domain.StageObserve}, {Stage: domain.StageGateway}, {Stage: domain.StageGateway},
	}
	counts := StageCounts(log)
	require.Len(t, counts, 2)
	assert.Equal(t, StageCount{Stage: domain.StageGateway, Count: 2}, counts[0])
}
