package service

import (
	"context"

	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// Store interfaces are satisfied by the pgx repositories; tests substitute
// in-memory fakes.

// EntityStore is the versioned workflow-entity store.
type EntityStore interface {
	Create(ctx context.Context, e *repository.WorkflowEntity) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowEntity, error)
	UpdateStage(ctx context.Context, id string, next stage.Stage, status repository.EntityStatus, cancelReason *string, expectedVersion int64) (*repository.WorkflowEntity, error)
	ListActive(ctx context.Context, kind *stage.Kind) ([]*repository.WorkflowEntity, error)
}

// ChecklistStore persists checklist items.
type ChecklistStore interface {
	CreateBatch(ctx context.Context, items []*repository.ChecklistItem) error
	GetByID(ctx context.Context, entityID, itemID string) (*repository.ChecklistItem, error)
	GetByEntityID(ctx context.Context, entityID string) ([]*repository.ChecklistItem, error)
	UpdateStatus(ctx context.Context, itemID string, status repository.ChecklistItemStatus) (*repository.ChecklistItem, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetByEntityID(ctx context.Context, entityID string) ([]*repository.ApprovalRequest, error)
	ListOpen(ctx context.Context) ([]*repository.ApprovalRequest, error)
	ListPendingForRole(ctx context.Context, role string) ([]*repository.ApprovalRequest, error)
	Decide(ctx context.Context, id string, status repository.ApprovalStatus, decidedBy string, notes *string) (*repository.ApprovalRequest, error)
	MarkEscalated(ctx context.Context, id string) (*repository.ApprovalRequest, bool, error)
	MarkExpired(ctx context.Context, id string) (*repository.ApprovalRequest, bool, error)
}

// ImpactStore persists staged ledger-impact lines. Posting and reversal
// are two-phase: a conditional claim is taken before the GL call, then
// either finalized or released, so the GL never sees a line twice.
type ImpactStore interface {
	CreateBatch(ctx context.Context, lines []*repository.ImpactLine) error
	GetByID(ctx context.Context, id string) (*repository.ImpactLine, error)
	GetByEntityID(ctx context.Context, entityID string) ([]*repository.ImpactLine, error)
	ClaimPosting(ctx context.Context, id string) (*repository.ImpactLine, error)
	ReleasePostingClaim(ctx context.Context, id string) error
	MarkPosted(ctx context.Context, id, glJournalID string) (*repository.ImpactLine, error)
	ClaimReversing(ctx context.Context, id string) (*repository.ImpactLine, error)
	ReleaseReversingClaim(ctx context.Context, id string) error
	CreateReversal(ctx context.Context, originalID string, reversal *repository.ImpactLine) error
}

// AuditLog appends immutable audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// DocumentRegistry answers required-document checks. Implementations whose
// capability is not configured return a not_available error; document gates
// then fail closed.
type DocumentRegistry interface {
	Received(ctx context.Context, entityID, documentType string) (bool, error)
}

// GeneralLedger books posted impact lines into the external general ledger
// and returns the GL journal ID.
type GeneralLedger interface {
	BookImpact(ctx context.Context, line *repository.ImpactLine) (string, error)
}

// RoleDirectory resolves role membership for decision authorization.
// Authorization is role-based, not identity-based: any holder of the
// approver role may decide.
type RoleDirectory interface {
	UserHasRole(ctx context.Context, userID, role string) (bool, error)
}

// Notifier publishes workflow events. Publishing is non-fatal and
// fire-and-forget.
type Notifier interface {
	PublishWorkflowEvent(ctx context.Context, eventType, entityID, actorID, resourceType, resourceID string, payload map[string]interface{})
}
