package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wm-workflow/internal/database"
	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// EntityRepository is the versioned store for workflow entities. It is the
// only component permitted to persist stage/status changes, and every
// mutation is guarded by the version the caller last read.
type EntityRepository struct {
	db *database.DB
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db *database.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const entityColumns = `id, kind, name, stage, status, owner_id, cancel_reason, version, created_at, updated_at`

// Create inserts a new entity at version 1.
func (r *EntityRepository) Create(ctx context.Context, e *WorkflowEntity) error {
	query := `
		INSERT INTO workflow_entities (kind, name, stage, status, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		e.Kind,
		e.Name,
		e.Stage,
		e.Status,
		e.OwnerID,
	).Scan(&e.ID, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow entity")
	}

	return nil
}

// GetByID retrieves an entity by primary key.
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*WorkflowEntity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM workflow_entities
		WHERE id = $1
	`

	e, err := r.scanEntity(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_entity", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow entity")
	}
	return e, nil
}

// UpdateStage moves an entity to a new stage/status under an optimistic
// version check. A version mismatch on an existing entity fails with
// conflict; the caller must re-read and re-evaluate before retrying.
func (r *EntityRepository) UpdateStage(
	ctx context.Context,
	id string,
	next stage.Stage,
	status EntityStatus,
	cancelReason *string,
	expectedVersion int64,
) (*WorkflowEntity, error) {
	query := `
		UPDATE workflow_entities
		SET stage         = $2,
		    status        = $3,
		    cancel_reason = COALESCE($4, cancel_reason),
		    version       = version + 1,
		    updated_at    = NOW()
		WHERE id = $1 AND version = $5
		RETURNING ` + entityColumns + `
	`

	e, err := r.scanEntity(r.db.QueryRow(ctx, query, id, next, status, cancelReason, expectedVersion))
	if err == pgx.ErrNoRows {
		// Distinguish a stale version from a missing entity.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf(errors.ErrCodeConflict,
			"workflow entity %s changed since version %d was read", id, expectedVersion)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow entity stage")
	}

	return e, nil
}

// ListActive returns non-terminal entities, optionally filtered by kind.
func (r *EntityRepository) ListActive(ctx context.Context, kind *stage.Kind) ([]*WorkflowEntity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM workflow_entities
		WHERE status = 'active'
	`
	args := []any{}
	if kind != nil {
		query += " AND kind = $1"
		args = append(args, *kind)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow entities")
	}
	defer rows.Close()

	entities := make([]*WorkflowEntity, 0)
	for rows.Next() {
		e, err := r.scanEntity(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow entity")
		}
		entities = append(entities, e)
	}

	return entities, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type entityScanner interface {
	Scan(dest ...any) error
}

func (r *EntityRepository) scanEntity(row entityScanner) (*WorkflowEntity, error) {
	e := &WorkflowEntity{}
	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.Name,
		&e.Stage,
		&e.Status,
		&e.OwnerID,
		&e.CancelReason,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
