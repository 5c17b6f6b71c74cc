package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/sla"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

type transitionFixture struct {
	svc           *TransitionService
	checklists    *ChecklistService
	approvals     *ApprovalService
	entityStore   *fakeEntityStore
	approvalStore *fakeApprovalStore
	documents     *fakeDocumentRegistry
	roles         *fakeRoleDirectory
	audit         *fakeAuditLog
	notifier      *fakeNotifier
}

func newTransitionFixture(t *testing.T) *transitionFixture {
	t.Helper()

	f := &transitionFixture{
		entityStore:   newFakeEntityStore(),
		approvalStore: newFakeApprovalStore(),
		documents:     newFakeDocumentRegistry(),
		roles: &fakeRoleDirectory{roles: map[string][]string{
			"user-ic":  {"INVESTMENT_COMMITTEE"},
			"user-co":  {"COMPLIANCE_OFFICER"},
			"user-ops": {"OPERATIONS_MANAGER"},
			"user-rl":  {"REPORTING_LEAD"},
		}},
		audit:    &fakeAuditLog{},
		notifier: &fakeNotifier{},
	}

	log := logger.Nop()
	f.checklists = NewChecklistService(f.entityStore, newFakeChecklistStore(), f.audit, log)
	f.approvals = NewApprovalService(f.approvalStore, f.entityStore, f.roles, f.audit, f.notifier, log)
	f.svc = NewTransitionService(f.entityStore, f.checklists, f.approvals, f.approvalStore,
		f.documents, f.audit, f.notifier, sla.DefaultPolicies(), log)

	return f
}

func (f *transitionFixture) initiate(t *testing.T, kind stage.Kind) *repository.WorkflowEntity {
	t.Helper()
	entity, err := f.svc.Initiate(context.Background(), kind, "Project Aurora", "user-owner")
	require.NoError(t, err)
	return entity
}

func (f *transitionFixture) completeChecklist(t *testing.T, entityID string) {
	t.Helper()
	ctx := context.Background()
	items, err := f.checklists.GetItems(ctx, entityID)
	require.NoError(t, err)
	for _, item := range items {
		if item.Required {
			_, err := f.checklists.SetItemStatus(ctx, entityID, item.ID, repository.ChecklistCompleted, "user-owner")
			require.NoError(t, err)
		}
	}
}

func (f *transitionFixture) approveAll(t *testing.T, entityID string, deciders map[string]string) {
	t.Helper()
	ctx := context.Background()
	requests, err := f.approvals.ListForEntity(ctx, entityID)
	require.NoError(t, err)
	for _, req := range requests {
		if !req.Status.Decidable() {
			continue
		}
		decider, ok := deciders[req.ApproverRole]
		require.True(t, ok, "no decider for role %s", req.ApproverRole)
		_, err := f.approvals.Decide(ctx, req.ID, repository.ApprovalApproved, decider, nil)
		require.NoError(t, err)
	}
}

func TestInitiateCreatesEntityWithChecklist(t *testing.T) {
	f := newTransitionFixture(t)
	entity := f.initiate(t, stage.KindDeal)

	assert.Equal(t, stage.StageDraft, entity.Stage)
	assert.Equal(t, repository.EntityStatusActive, entity.Status)
	assert.Equal(t, int64(1), entity.Version)

	items, err := f.checklists.GetItems(context.Background(), entity.ID)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestInitiateRejectsUnknownKind(t *testing.T) {
	f := newTransitionFixture(t)

	_, err := f.svc.Initiate(context.Background(), "mandate", "Project Aurora", "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestAdvanceBlockedByIncompleteChecklist(t *testing.T) {
	f := newTransitionFixture(t)
	entity := f.initiate(t, stage.KindDeal)

	_, err := f.svc.Advance(context.Background(), entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGateNotSatisfied, errors.Code(err))

	gates := errors.Details(err)
	assert.Contains(t, gates, "checklist:kyc_review")
	assert.Contains(t, gates, "checklist:investment_memo")
	assert.Contains(t, gates, "checklist:risk_assessment")

	// No partial advancement.
	got, err := f.svc.GetEntity(context.Background(), entity.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.StageDraft, got.Stage)
}

func TestAdvanceReportsAllGatesAndAutoRequestsApprovals(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindDeal)
	f.completeChecklist(t, entity.ID)

	// draft -> in_review has no extra gates.
	_, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	// in_review -> approved requires the term sheet and two approvals.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGateNotSatisfied, errors.Code(err))

	gates := errors.Details(err)
	assert.Contains(t, gates, "document:term_sheet")
	assert.Contains(t, gates, "approval:INVESTMENT_COMMITTEE")
	assert.Contains(t, gates, "approval:COMPLIANCE_OFFICER")

	// The missing approvals were requested on demand.
	requests, err := f.approvals.ListForEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 2)

	// A retry does not duplicate them.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	requests, err = f.approvals.ListForEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

func TestAdvanceSucceedsOnceGatesAreMet(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindDeal)
	f.completeChecklist(t, entity.ID)

	_, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	// First attempt at approved fails and requests approvals.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)

	f.documents.mark(entity.ID, "term_sheet")
	f.approveAll(t, entity.ID, map[string]string{
		"INVESTMENT_COMMITTEE": "user-ic",
		"COMPLIANCE_OFFICER":   "user-co",
	})

	advanced, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)
	assert.Equal(t, stage.StageApproved, advanced.Stage)
	assert.Contains(t, f.notifier.eventTypes(), "stage_advanced")
}

func TestRejectedApprovalKeepsGateBlocked(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindReportPack)
	f.completeChecklist(t, entity.ID)

	_, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	// Requests REPORTING_LEAD and COMPLIANCE_OFFICER approvals.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)

	requests, err := f.approvals.ListForEntity(ctx, entity.ID)
	require.NoError(t, err)
	for _, req := range requests {
		decision := repository.ApprovalApproved
		decider := "user-co"
		if req.ApproverRole == "REPORTING_LEAD" {
			decision = repository.ApprovalRejected
			decider = "user-rl"
		}
		_, err := f.approvals.Decide(ctx, req.ID, decision, decider, nil)
		require.NoError(t, err)
	}

	// The rejection keeps the gate blocked and spawns a fresh request.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Contains(t, errors.Details(err), "approval:REPORTING_LEAD")

	requests, err = f.approvals.ListForEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 3)
}

func TestDocumentRegistryUnavailableFailsClosed(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindDeal)
	f.completeChecklist(t, entity.ID)

	_, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	f.documents.unavailable = true

	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeGateNotSatisfied, errors.Code(err))
	assert.Contains(t, errors.Details(err), "document_registry_unavailable:term_sheet")
}

func TestAdvanceClosesAtFinalStage(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindReportPack)
	f.completeChecklist(t, entity.ID)

	// draft -> in_review
	_, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	// in_review -> approved after approvals.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	f.approveAll(t, entity.ID, map[string]string{
		"REPORTING_LEAD":     "user-rl",
		"COMPLIANCE_OFFICER": "user-co",
	})
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)

	// approved -> published -> closed.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)
	closed, err := f.svc.Advance(ctx, entity.ID, "user-owner")
	require.NoError(t, err)
	assert.Equal(t, stage.StageClosed, closed.Stage)
	assert.Equal(t, repository.EntityStatusClosed, closed.Status)

	// Terminal stages accept no further advancement.
	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.Code(err))
}

// raceEntityStore runs a hook right before the version-checked write, so a
// test can simulate another writer sneaking in between read and update.
type raceEntityStore struct {
	*fakeEntityStore
	beforeUpdate func()
}

func (r *raceEntityStore) UpdateStage(ctx context.Context, id string, next stage.Stage, status repository.EntityStatus, cancelReason *string, expectedVersion int64) (*repository.WorkflowEntity, error) {
	if r.beforeUpdate != nil {
		r.beforeUpdate()
		r.beforeUpdate = nil
	}
	return r.fakeEntityStore.UpdateStage(ctx, id, next, status, cancelReason, expectedVersion)
}

func TestAdvanceConflictsOnConcurrentModification(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindDeal)
	f.completeChecklist(t, entity.ID)

	raced := &raceEntityStore{fakeEntityStore: f.entityStore}
	raced.beforeUpdate = func() {
		f.entityStore.mu.Lock()
		f.entityStore.entities[entity.ID].Version++
		f.entityStore.mu.Unlock()
	}
	svc := NewTransitionService(raced, f.checklists, f.approvals, f.approvalStore,
		f.documents, f.audit, f.notifier, sla.DefaultPolicies(), logger.Nop())

	_, err := svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))

	// The entity is unchanged apart from the simulated writer's bump.
	got, err := f.entityStore.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.StageDraft, got.Stage)
}

func TestCancelRequiresReason(t *testing.T) {
	f := newTransitionFixture(t)
	entity := f.initiate(t, stage.KindDeal)

	_, err := f.svc.Cancel(context.Background(), entity.ID, "", "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestCancelIsAbsorbing(t *testing.T) {
	f := newTransitionFixture(t)
	ctx := context.Background()
	entity := f.initiate(t, stage.KindDeal)

	cancelled, err := f.svc.Cancel(ctx, entity.ID, "mandate withdrawn", "user-owner")
	require.NoError(t, err)
	assert.Equal(t, stage.StageCancelled, cancelled.Stage)
	assert.Equal(t, repository.EntityStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "mandate withdrawn", *cancelled.CancelReason)

	_, err = f.svc.Advance(ctx, entity.ID, "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.Code(err))

	_, err = f.svc.Cancel(ctx, entity.ID, "again", "user-owner")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.Code(err))
}
