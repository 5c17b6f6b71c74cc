package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wm-workflow/internal/database"
	"github.com/pesio-ai/be-wm-workflow/internal/errors"
)

// ImpactRepository persists staged ledger-impact lines. Posting and
// reversal are conditional writes so a line can never be double-applied.
type ImpactRepository struct {
	db *database.DB
}

// NewImpactRepository creates a new ImpactRepository.
func NewImpactRepository(db *database.DB) *ImpactRepository {
	return &ImpactRepository{db: db}
}

const impactColumns = `id, source_entity_id, event_type, as_of_date, debit_account, credit_account,
	       amount, currency, status, gl_journal_id, posted_at, reversal_of_id,
	       created_at, updated_at`

// CreateBatch inserts all lines derived from one triggering event in a
// single transaction, so a batch is staged completely or not at all.
func (r *ImpactRepository) CreateBatch(ctx context.Context, lines []*ImpactLine) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO impact_lines
			    (source_entity_id, event_type, as_of_date,
			     debit_account, credit_account, amount, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`

		for _, line := range lines {
			err := tx.QueryRow(ctx, query,
				line.SourceEntityID,
				line.EventType,
				line.AsOfDate,
				line.DebitAccount,
				line.CreditAccount,
				line.Amount,
				line.Currency,
				line.Status,
			).Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create impact line")
			}
		}

		return nil
	})
}

// GetByID retrieves a line by primary key.
func (r *ImpactRepository) GetByID(ctx context.Context, id string) (*ImpactLine, error) {
	query := `
		SELECT ` + impactColumns + `
		FROM impact_lines
		WHERE id = $1
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("impact_line", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get impact line")
	}
	return line, nil
}

// GetByEntityID returns all lines staged from an entity's events.
func (r *ImpactRepository) GetByEntityID(ctx context.Context, entityID string) ([]*ImpactLine, error) {
	query := `
		SELECT ` + impactColumns + `
		FROM impact_lines
		WHERE source_entity_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get impact lines")
	}
	defer rows.Close()

	lines := make([]*ImpactLine, 0)
	for rows.Next() {
		line, err := r.scanLine(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan impact line")
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// ClaimPosting moves a planned line to the transient posting state. The
// status condition makes concurrent posters race for the claim: exactly one
// wins, the rest fail with already_posted before anything reaches the GL.
func (r *ImpactRepository) ClaimPosting(ctx context.Context, id string) (*ImpactLine, error) {
	query := `
		UPDATE impact_lines
		SET status     = 'posting',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'planned'
		RETURNING ` + impactColumns + `
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf(errors.ErrCodeAlreadyPosted, "impact line %s is not planned", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim impact line for posting")
	}
	return line, nil
}

// ReleasePostingClaim returns a claimed line to planned after a failed GL
// booking so the post can be retried.
func (r *ImpactRepository) ReleasePostingClaim(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE impact_lines
		SET status     = 'planned',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'posting'
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release posting claim")
	}
	return nil
}

// MarkPosted finalizes a claimed line once the GL booking has succeeded.
func (r *ImpactRepository) MarkPosted(ctx context.Context, id, glJournalID string) (*ImpactLine, error) {
	query := `
		UPDATE impact_lines
		SET status        = 'posted',
		    gl_journal_id = $2,
		    posted_at     = NOW(),
		    updated_at    = NOW()
		WHERE id = $1
		  AND status = 'posting'
		RETURNING ` + impactColumns + `
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, id, glJournalID))
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf(errors.ErrCodeAlreadyPosted, "impact line %s holds no posting claim", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to post impact line")
	}
	return line, nil
}

// ClaimReversing moves a posted line to the transient reversing state ahead
// of booking the offsetting journal, so concurrent reversals book at most
// one.
func (r *ImpactRepository) ClaimReversing(ctx context.Context, id string) (*ImpactLine, error) {
	query := `
		UPDATE impact_lines
		SET status     = 'reversing',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'posted'
		RETURNING ` + impactColumns + `
	`

	line, err := r.scanLine(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"impact line %s is not posted and cannot be reversed", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim impact line for reversal")
	}
	return line, nil
}

// ReleaseReversingClaim returns a claimed line to posted after a failed GL
// booking of the offsetting journal.
func (r *ImpactRepository) ReleaseReversingClaim(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE impact_lines
		SET status     = 'posted',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'reversing'
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release reversing claim")
	}
	return nil
}

// CreateReversal atomically finalizes the original line as reversed and
// inserts the mirrored offsetting line, which starts posted. The original
// must hold the reversing claim taken before the GL booking.
func (r *ImpactRepository) CreateReversal(ctx context.Context, originalID string, reversal *ImpactLine) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE impact_lines
			SET status     = 'reversed',
			    updated_at = NOW()
			WHERE id = $1
			  AND status = 'reversing'
		`, originalID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark impact line reversed")
		}
		if tag.RowsAffected() == 0 {
			return errors.Newf(errors.ErrCodeInvalidTransition,
				"impact line %s holds no reversing claim", originalID)
		}

		query := `
			INSERT INTO impact_lines
			    (source_entity_id, event_type, as_of_date,
			     debit_account, credit_account, amount, currency, status,
			     gl_journal_id, posted_at, reversal_of_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
			RETURNING id, posted_at, created_at, updated_at
		`

		err = tx.QueryRow(ctx, query,
			reversal.SourceEntityID,
			reversal.EventType,
			reversal.AsOfDate,
			reversal.DebitAccount,
			reversal.CreditAccount,
			reversal.Amount,
			reversal.Currency,
			reversal.Status,
			reversal.GLJournalID,
			originalID,
		).Scan(&reversal.ID, &reversal.PostedAt, &reversal.CreatedAt, &reversal.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reversal line")
		}

		reversal.ReversalOfID = &originalID
		return nil
	})
}

// ── scan helper ───────────────────────────────────────────────────────────────

type impactScanner interface {
	Scan(dest ...any) error
}

func (r *ImpactRepository) scanLine(row impactScanner) (*ImpactLine, error) {
	line := &ImpactLine{}
	err := row.Scan(
		&line.ID,
		&line.SourceEntityID,
		&line.EventType,
		&line.AsOfDate,
		&line.DebitAccount,
		&line.CreditAccount,
		&line.Amount,
		&line.Currency,
		&line.Status,
		&line.GLJournalID,
		&line.PostedAt,
		&line.ReversalOfID,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return line, nil
}
