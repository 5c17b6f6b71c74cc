package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wm-workflow/internal/database"
	"github.com/pesio-ai/be-wm-workflow/internal/errors"
)

// ChecklistRepository persists checklist items. Items are created as a
// batch when a workflow is initiated; only their status changes afterwards.
type ChecklistRepository struct {
	db *database.DB
}

// NewChecklistRepository creates a new ChecklistRepository.
func NewChecklistRepository(db *database.DB) *ChecklistRepository {
	return &ChecklistRepository{db: db}
}

const checklistColumns = `id, entity_id, title, owner_role, status, required, due_at, sort_order, created_at, updated_at`

// CreateBatch inserts all items for an entity in one transaction.
func (r *ChecklistRepository) CreateBatch(ctx context.Context, items []*ChecklistItem) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO checklist_items (entity_id, title, owner_role, status, required, due_at, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`

		for _, item := range items {
			err := tx.QueryRow(ctx, query,
				item.EntityID,
				item.Title,
				item.OwnerRole,
				item.Status,
				item.Required,
				item.DueAt,
				item.SortOrder,
			).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create checklist item")
			}
		}

		return nil
	})
}

// GetByID retrieves one item scoped to its owning entity.
func (r *ChecklistRepository) GetByID(ctx context.Context, entityID, itemID string) (*ChecklistItem, error) {
	query := `
		SELECT ` + checklistColumns + `
		FROM checklist_items
		WHERE id = $1 AND entity_id = $2
	`

	item, err := r.scanItem(r.db.QueryRow(ctx, query, itemID, entityID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("checklist_item", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get checklist item")
	}
	return item, nil
}

// GetByEntityID returns all items for an entity in gating order.
func (r *ChecklistRepository) GetByEntityID(ctx context.Context, entityID string) ([]*ChecklistItem, error) {
	query := `
		SELECT ` + checklistColumns + `
		FROM checklist_items
		WHERE entity_id = $1
		ORDER BY sort_order ASC
	`

	rows, err := r.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get checklist items")
	}
	defer rows.Close()

	items := make([]*ChecklistItem, 0)
	for rows.Next() {
		item, err := r.scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan checklist item")
		}
		items = append(items, item)
	}

	return items, nil
}

// UpdateStatus sets an item's status.
func (r *ChecklistRepository) UpdateStatus(ctx context.Context, itemID string, status ChecklistItemStatus) (*ChecklistItem, error) {
	query := `
		UPDATE checklist_items
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + checklistColumns + `
	`

	item, err := r.scanItem(r.db.QueryRow(ctx, query, itemID, status))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("checklist_item", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update checklist item status")
	}
	return item, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type checklistScanner interface {
	Scan(dest ...any) error
}

func (r *ChecklistRepository) scanItem(row checklistScanner) (*ChecklistItem, error) {
	item := &ChecklistItem{}
	err := row.Scan(
		&item.ID,
		&item.EntityID,
		&item.Title,
		&item.OwnerRole,
		&item.Status,
		&item.Required,
		&item.DueAt,
		&item.SortOrder,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}
