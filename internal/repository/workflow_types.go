package repository

import (
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// ── Domain records for the workflow engine ───────────────────────────────────

// EntityStatus is the derived lifecycle flag of a workflow entity.
type EntityStatus string

const (
	EntityStatusActive    EntityStatus = "active"
	EntityStatusCancelled EntityStatus = "cancelled"
	EntityStatusClosed    EntityStatus = "closed"
)

// WorkflowEntity is a versioned record for any workflow-bearing entity
// (deal, corporate action, capital event, report pack). Stage and status
// are only ever written through the entity repository's version-checked
// update.
type WorkflowEntity struct {
	ID           string
	Kind         stage.Kind
	Name         string
	Stage        stage.Stage
	Status       EntityStatus
	OwnerID      string
	CancelReason *string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChecklistItemStatus is the closed status set for checklist items.
type ChecklistItemStatus string

const (
	ChecklistPending       ChecklistItemStatus = "pending"
	ChecklistInProgress    ChecklistItemStatus = "in_progress"
	ChecklistCompleted     ChecklistItemStatus = "completed"
	ChecklistBlocked       ChecklistItemStatus = "blocked"
	ChecklistNotApplicable ChecklistItemStatus = "not_applicable"
)

// ValidChecklistStatus reports whether s is a known checklist status.
func ValidChecklistStatus(s ChecklistItemStatus) bool {
	switch s {
	case ChecklistPending, ChecklistInProgress, ChecklistCompleted, ChecklistBlocked, ChecklistNotApplicable:
		return true
	}
	return false
}

// Satisfied reports whether s counts as done for gating purposes.
func (s ChecklistItemStatus) Satisfied() bool {
	return s == ChecklistCompleted || s == ChecklistNotApplicable
}

// ChecklistItem belongs to exactly one workflow entity. SortOrder defines
// display and gating sequence only; Required items block stage advancement
// regardless of overall completion percentage.
type ChecklistItem struct {
	ID        string
	EntityID  string
	Title     string
	OwnerRole string
	Status    ChecklistItemStatus
	Required  bool
	DueAt     *time.Time
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApprovalStatus is the closed status set for approval requests. Once a
// request leaves pending for approved/rejected/expired the record is
// immutable; escalated requests remain decidable.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"
	ApprovalExpired   ApprovalStatus = "expired"
)

// Decidable reports whether a request in status s may still receive a decision.
func (s ApprovalStatus) Decidable() bool {
	return s == ApprovalPending || s == ApprovalEscalated
}

// ApprovalRequest is a routed decision task assigned to a role with a due
// date. Exactly one terminal decision per request.
type ApprovalRequest struct {
	ID            string
	EntityID      string
	ApproverRole  string
	ApproverID    *string
	RequestedByID string
	RequestedAt   time.Time
	DueAt         time.Time
	Status        ApprovalStatus
	DecidedByID   *string
	DecidedAt     *time.Time
	DecisionNotes *string
	EscalatedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ImpactStatus is the closed status set for staged ledger-impact lines.
type ImpactStatus string

const (
	ImpactPlanned  ImpactStatus = "planned"
	ImpactPosted   ImpactStatus = "posted"
	ImpactReversed ImpactStatus = "reversed"

	// Transient claim states held only while the external GL call is in
	// flight. A claim is released back to its origin state if the booking
	// fails, so no line is ever stranded mid-transition.
	ImpactPosting   ImpactStatus = "posting"
	ImpactReversing ImpactStatus = "reversing"
)

// ImpactLine is one staged double-entry effect of a workflow event. A
// single amount applies to both legs, so every line balances by
// construction. Lines move planned -> posting -> posted at most once;
// posted lines move through reversing to reversed only by an explicit
// reversal that creates a mirrored offsetting line.
type ImpactLine struct {
	ID             string
	SourceEntityID string
	EventType      string
	AsOfDate       string // YYYY-MM-DD
	DebitAccount   string
	CreditAccount  string
	Amount         int64 // minor units, always positive
	Currency       string
	Status         ImpactStatus
	GLJournalID    *string
	PostedAt       *time.Time
	ReversalOfID   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditEntry is one immutable record in the workflow audit log.
type AuditEntry struct {
	ID          string
	EntityID    string
	Action      string // initiated | checklist_updated | approval_requested | approval_decided | approval_escalated | approval_expired | stage_advanced | cancelled | impact_staged | impact_posted | impact_reversed
	PerformedBy string
	PerformedAt time.Time
	StageBefore *string
	StageAfter  *string
	Metadata    map[string]interface{}
}
