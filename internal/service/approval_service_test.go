package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

type approvalFixture struct {
	svc           *ApprovalService
	approvalStore *fakeApprovalStore
	entityStore   *fakeEntityStore
	roles         *fakeRoleDirectory
	audit         *fakeAuditLog
	notifier      *fakeNotifier
	entity        *repository.WorkflowEntity
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()

	f := &approvalFixture{
		approvalStore: newFakeApprovalStore(),
		entityStore:   newFakeEntityStore(),
		roles:         &fakeRoleDirectory{roles: map[string][]string{"user-ic": {"INVESTMENT_COMMITTEE"}}},
		audit:         &fakeAuditLog{},
		notifier:      &fakeNotifier{},
	}
	f.svc = NewApprovalService(f.approvalStore, f.entityStore, f.roles, f.audit, f.notifier, logger.Nop())

	f.entity = &repository.WorkflowEntity{
		Kind:   stage.KindDeal,
		Name:   "Project Aurora",
		Stage:  stage.StageInReview,
		Status: repository.EntityStatusActive,
	}
	require.NoError(t, f.entityStore.Create(context.Background(), f.entity))
	return f
}

func (f *approvalFixture) request(t *testing.T) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.svc.Request(context.Background(), f.entity.ID, "INVESTMENT_COMMITTEE",
		time.Now().Add(48*time.Hour), "user-owner")
	require.NoError(t, err)
	return req
}

func TestRequestRejectsDuplicatePending(t *testing.T) {
	f := newApprovalFixture(t)
	f.request(t)

	_, err := f.svc.Request(context.Background(), f.entity.ID, "INVESTMENT_COMMITTEE",
		time.Now().Add(48*time.Hour), "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicateRequest, errors.Code(err))
}

func TestRequestAllowedAfterRejection(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)

	_, err := f.svc.Decide(context.Background(), req.ID, repository.ApprovalRejected, "user-ic", nil)
	require.NoError(t, err)

	again := f.request(t)
	assert.NotEqual(t, req.ID, again.ID)
}

func TestRequestOnTerminalEntityFails(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	reason := "withdrawn"
	_, err := f.entityStore.UpdateStage(ctx, f.entity.ID, stage.StageCancelled,
		repository.EntityStatusCancelled, &reason, f.entity.Version)
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, f.entity.ID, "INVESTMENT_COMMITTEE", time.Now().Add(time.Hour), "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.Code(err))
}

func TestDecideRecordsTerminalDecision(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	notes := "terms acceptable"

	decided, err := f.svc.Decide(context.Background(), req.ID, repository.ApprovalApproved, "user-ic", &notes)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalApproved, decided.Status)
	require.NotNil(t, decided.DecidedByID)
	assert.Equal(t, "user-ic", *decided.DecidedByID)
	assert.NotNil(t, decided.DecidedAt)

	assert.Contains(t, f.notifier.eventTypes(), "approval_decided")
}

func TestDecideRequiresApproverRole(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)

	_, err := f.svc.Decide(context.Background(), req.ID, repository.ApprovalApproved, "user-intern", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	// The request is untouched.
	got, err := f.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalPending, got.Status)
}

func TestDecideTwiceFails(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	_, err := f.svc.Decide(ctx, req.ID, repository.ApprovalApproved, "user-ic", nil)
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, req.ID, repository.ApprovalRejected, "user-ic", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyDecided, errors.Code(err))
}

func TestDecideValidatesDecision(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)

	_, err := f.svc.Decide(context.Background(), req.ID, repository.ApprovalEscalated, "user-ic", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestEscalatedRequestRemainsDecidable(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	escalated, err := f.svc.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalEscalated, escalated.Status)
	assert.NotNil(t, escalated.EscalatedAt)

	decided, err := f.svc.Decide(ctx, req.ID, repository.ApprovalApproved, "user-ic", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalApproved, decided.Status)
}

func TestEscalateIsIdempotent(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	_, err := f.svc.Escalate(ctx, req.ID)
	require.NoError(t, err)
	_, err = f.svc.Escalate(ctx, req.ID)
	require.NoError(t, err)

	var escalations int
	for _, eventType := range f.notifier.eventTypes() {
		if eventType == "approval_escalated" {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestExpireBlocksFurtherDecisions(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	expired, err := f.svc.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalExpired, expired.Status)

	_, err = f.svc.Decide(ctx, req.ID, repository.ApprovalApproved, "user-ic", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyDecided, errors.Code(err))
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	_, err := f.svc.Expire(ctx, req.ID)
	require.NoError(t, err)
	got, err := f.svc.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalExpired, got.Status)

	var expiries int
	for _, action := range f.audit.actions() {
		if action == "approval_expired" {
			expiries++
		}
	}
	assert.Equal(t, 1, expiries)
}

func TestConcurrentDecideSingleWinner(t *testing.T) {
	f := newApprovalFixture(t)
	f.roles.roles["user-ic2"] = []string{"INVESTMENT_COMMITTEE"}
	req := f.request(t)
	ctx := context.Background()

	deciders := []string{"user-ic", "user-ic2"}
	results := make([]error, len(deciders))

	var wg sync.WaitGroup
	for i, decider := range deciders {
		wg.Add(1)
		go func(i int, decider string) {
			defer wg.Done()
			_, results[i] = f.svc.Decide(ctx, req.ID, repository.ApprovalApproved, decider, nil)
		}(i, decider)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errors.ErrCodeAlreadyDecided):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
}

func TestListPendingForRole(t *testing.T) {
	f := newApprovalFixture(t)
	req := f.request(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.entity.ID, "COMPLIANCE_OFFICER", time.Now().Add(24*time.Hour), "user-owner")
	require.NoError(t, err)

	pending, err := f.svc.ListPendingForRole(ctx, "INVESTMENT_COMMITTEE")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
}
