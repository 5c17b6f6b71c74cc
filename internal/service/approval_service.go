package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// ApprovalService is the approval router: it creates, routes and resolves
// approval requests tied to an entity, enforcing one terminal decision per
// request.
type ApprovalService struct {
	approvalStore ApprovalStore
	entityStore   EntityStore
	roleDirectory RoleDirectory
	auditLog      AuditLog
	notifier      Notifier
	log           *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	approvalStore ApprovalStore,
	entityStore EntityStore,
	roleDirectory RoleDirectory,
	auditLog AuditLog,
	notifier Notifier,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvalStore: approvalStore,
		entityStore:   entityStore,
		roleDirectory: roleDirectory,
		auditLog:      auditLog,
		notifier:      notifier,
		log:           log,
	}
}

// Request creates a pending approval routed to a role. At most one
// decidable request per (entity, role) may exist at a time.
func (s *ApprovalService) Request(
	ctx context.Context,
	entityID, approverRole string,
	dueAt time.Time,
	requestedBy string,
) (*repository.ApprovalRequest, error) {
	if approverRole == "" {
		return nil, errors.InvalidInput("approver_role", "approver role is required")
	}
	if dueAt.IsZero() {
		return nil, errors.InvalidInput("due_at", "due date is required")
	}

	entity, err := s.entityStore.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if stage.IsTerminal(entity.Kind, entity.Stage) {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"entity %s is %s; no further approvals accepted", entityID, entity.Stage)
	}

	// Fast-path duplicate check; the partial unique index in the store
	// backs this under races.
	existing, err := s.approvalStore.GetByEntityID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, req := range existing {
		if req.ApproverRole == approverRole && req.Status.Decidable() {
			return nil, errors.Newf(errors.ErrCodeDuplicateRequest,
				"a pending approval for role %s already exists on entity %s", approverRole, entityID)
		}
	}

	req := &repository.ApprovalRequest{
		EntityID:      entityID,
		ApproverRole:  approverRole,
		RequestedByID: requestedBy,
		DueAt:         dueAt,
		Status:        repository.ApprovalPending,
	}
	if err := s.approvalStore.Create(ctx, req); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entityID,
		Action:      "approval_requested",
		PerformedBy: requestedBy,
		Metadata: map[string]interface{}{
			"request_id":    req.ID,
			"approver_role": approverRole,
			"due_at":        dueAt.Format(time.RFC3339),
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "approval_requested", entityID, requestedBy,
		"approval_request", req.ID, map[string]interface{}{"approver_role": approverRole})

	s.log.Info().
		Str("entity_id", entityID).
		Str("request_id", req.ID).
		Str("approver_role", approverRole).
		Time("due_at", dueAt).
		Msg("Approval requested")

	return req, nil
}

// Decide records the terminal decision on a request. Authorization is
// role-based: the decider must hold the request's approver role. Escalated
// requests remain decidable; approved, rejected and expired requests do
// not.
func (s *ApprovalService) Decide(
	ctx context.Context,
	requestID string,
	decision repository.ApprovalStatus,
	deciderID string,
	notes *string,
) (*repository.ApprovalRequest, error) {
	if decision != repository.ApprovalApproved && decision != repository.ApprovalRejected {
		return nil, errors.InvalidInput("decision", "decision must be approved or rejected")
	}
	if deciderID == "" {
		return nil, errors.InvalidInput("decider_id", "decider is required")
	}

	req, err := s.approvalStore.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Decidable() {
		return nil, errors.Newf(errors.ErrCodeAlreadyDecided,
			"approval request %s already has a terminal decision (%s)", requestID, req.Status)
	}

	hasRole, err := s.roleDirectory.UserHasRole(ctx, deciderID, req.ApproverRole)
	if err != nil {
		return nil, err
	}
	if !hasRole {
		return nil, errors.Newf(errors.ErrCodeUnauthorized,
			"user %s does not hold role %s", deciderID, req.ApproverRole)
	}

	// The store's conditional write resolves decide/decide and
	// decide/expire races: the first terminal write wins, the loser gets
	// already_decided and must re-read.
	decided, err := s.approvalStore.Decide(ctx, requestID, decision, deciderID, notes)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    decided.EntityID,
		Action:      "approval_decided",
		PerformedBy: deciderID,
		Metadata: map[string]interface{}{
			"request_id":    requestID,
			"approver_role": decided.ApproverRole,
			"decision":      string(decision),
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "approval_decided", decided.EntityID, deciderID,
		"approval_request", requestID, map[string]interface{}{"decision": string(decision)})

	s.log.Info().
		Str("entity_id", decided.EntityID).
		Str("request_id", requestID).
		Str("decision", string(decision)).
		Str("decided_by", deciderID).
		Msg("Approval decided")

	return decided, nil
}

// Escalate moves a pending request to escalated once its SLA threshold is
// crossed. Escalation changes routing and visibility, not finality: the
// request stays decidable. Escalating a request that is no longer pending
// is a no-op, which keeps the sweep idempotent.
func (s *ApprovalService) Escalate(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	req, escalated, err := s.approvalStore.MarkEscalated(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !escalated {
		return req, nil
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    req.EntityID,
		Action:      "approval_escalated",
		PerformedBy: "system",
		Metadata: map[string]interface{}{
			"request_id":    requestID,
			"approver_role": req.ApproverRole,
			"due_at":        req.DueAt.Format(time.RFC3339),
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "approval_escalated", req.EntityID, "system",
		"approval_request", requestID, map[string]interface{}{"approver_role": req.ApproverRole})

	s.log.Warn().
		Str("entity_id", req.EntityID).
		Str("request_id", requestID).
		Str("approver_role", req.ApproverRole).
		Msg("Approval escalated")

	return req, nil
}

// Expire terminally expires a request whose grace window has run out.
// Expiry blocks any further decision. Expiring a request that already has
// a terminal status is a no-op.
func (s *ApprovalService) Expire(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	req, expired, err := s.approvalStore.MarkExpired(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !expired {
		return req, nil
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    req.EntityID,
		Action:      "approval_expired",
		PerformedBy: "system",
		Metadata: map[string]interface{}{
			"request_id":    requestID,
			"approver_role": req.ApproverRole,
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "approval_expired", req.EntityID, "system",
		"approval_request", requestID, nil)

	s.log.Warn().
		Str("entity_id", req.EntityID).
		Str("request_id", requestID).
		Msg("Approval expired")

	return req, nil
}

// GetRequest returns one approval request.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.approvalStore.GetByID(ctx, requestID)
}

// ListForEntity returns all approval requests on an entity, newest first.
func (s *ApprovalService) ListForEntity(ctx context.Context, entityID string) ([]*repository.ApprovalRequest, error) {
	return s.approvalStore.GetByEntityID(ctx, entityID)
}

// ListPendingForRole returns decidable requests routed to a role.
func (s *ApprovalService) ListPendingForRole(ctx context.Context, role string) ([]*repository.ApprovalRequest, error) {
	return s.approvalStore.ListPendingForRole(ctx, role)
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
