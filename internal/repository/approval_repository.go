package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-wm-workflow/internal/database"
	"github.com/pesio-ai/be-wm-workflow/internal/errors"
)

// ApprovalRepository persists approval requests. Decisions are append-only:
// terminal writes are conditional on the row still being decidable, so
// racing writers lose cleanly instead of overwriting a decision.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `id, entity_id, approver_role, approver_id, requested_by_id, requested_at,
	       due_at, status, decided_by_id, decided_at, decision_notes, escalated_at,
	       created_at, updated_at`

// Create inserts a new pending request. A partial unique index on
// (entity_id, approver_role) WHERE status IN ('pending','escalated') backs
// the duplicate-pending guard; a violation maps to duplicate_request.
func (r *ApprovalRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (entity_id, approver_role, requested_by_id, due_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, requested_at, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.EntityID,
		req.ApproverRole,
		req.RequestedByID,
		req.DueAt,
		req.Status,
	).Scan(&req.ID, &req.RequestedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Newf(errors.ErrCodeDuplicateRequest,
				"a pending approval for role %s already exists on entity %s", req.ApproverRole, req.EntityID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}

	return nil
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// GetByEntityID returns all requests for an entity, newest first.
func (r *ApprovalRepository) GetByEntityID(ctx context.Context, entityID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE entity_id = $1
		ORDER BY requested_at DESC
	`

	rows, err := r.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListOpen returns every request still awaiting a decision (pending or
// escalated), oldest due first. The escalation sweep iterates this set.
func (r *ApprovalRepository) ListOpen(ctx context.Context) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status IN ('pending', 'escalated')
		ORDER BY due_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingForRole returns decidable requests routed to a role, oldest
// due first.
func (r *ApprovalRepository) ListPendingForRole(ctx context.Context, role string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE approver_role = $1
		  AND status IN ('pending', 'escalated')
		ORDER BY due_at ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals for role")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Decide writes the terminal decision. The WHERE clause only matches
// decidable rows, so a second decision (or a decide racing an expiry)
// finds zero rows and fails with already_decided.
func (r *ApprovalRepository) Decide(ctx context.Context, id string, status ApprovalStatus, decidedBy string, notes *string) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET status         = $2,
		    decided_by_id  = $3,
		    decided_at     = NOW(),
		    decision_notes = $4,
		    updated_at     = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'escalated')
		RETURNING ` + approvalColumns + `
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, status, decidedBy, notes))
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf(errors.ErrCodeAlreadyDecided,
			"approval request %s already has a terminal decision", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decide approval request")
	}
	return req, nil
}

// MarkEscalated moves a pending request to escalated. Requests that are no
// longer pending are left untouched and escalated=false is returned, which
// makes the sweep's escalation idempotent.
func (r *ApprovalRepository) MarkEscalated(ctx context.Context, id string) (*ApprovalRequest, bool, error) {
	query := `
		UPDATE approval_requests
		SET status       = 'escalated',
		    escalated_at = NOW(),
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING ` + approvalColumns + `
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		req, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return req, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to escalate approval request")
	}
	return req, true, nil
}

// MarkExpired terminally expires a still-decidable request. Requests with a
// decision already recorded are left untouched.
func (r *ApprovalRepository) MarkExpired(ctx context.Context, id string) (*ApprovalRequest, bool, error) {
	query := `
		UPDATE approval_requests
		SET status     = 'expired',
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'escalated')
		RETURNING ` + approvalColumns + `
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		req, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return req, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire approval request")
	}
	return req, true, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type approvalScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanRequest(row approvalScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.EntityID,
		&req.ApproverRole,
		&req.ApproverID,
		&req.RequestedByID,
		&req.RequestedAt,
		&req.DueAt,
		&req.Status,
		&req.DecidedByID,
		&req.DecidedAt,
		&req.DecisionNotes,
		&req.EscalatedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *ApprovalRepository) scanRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	requests := make([]*ApprovalRequest, 0)
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}
