package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// Impact event types. Each derivation is a closed variant so gating logic
// over events is exhaustively checkable.
const (
	EventCapitalCall    = "capital_call"
	EventDistribution   = "distribution"
	EventDealSettlement = "deal_settlement"
	EventFeeAccrual     = "fee_accrual"
)

// Staging accounts per event semantics.
const (
	accountCommitmentReceivable = "commitment_receivable"
	accountCash                 = "cash"
	accountDistributionPayable  = "distribution_payable"
	accountInvestmentAsset      = "investment_asset"
	accountDealFeesExpense      = "deal_fees_expense"
	accountManagementFeeExpense = "management_fee_expense"
	accountAccruedFeesPayable   = "accrued_fees_payable"
)

// ImpactEvent is a triggering event recorded against a workflow entity.
type ImpactEvent struct {
	Type      string
	Amount    int64 // minor units
	FeeAmount int64 // deal_settlement only; carved out of Amount
	Currency  string
	AsOfDate  string // YYYY-MM-DD; defaults to today
}

// LedgerService is the ledger impact staging component: it derives planned
// double-entry lines from workflow events and exposes idempotent posting
// and reversal.
type LedgerService struct {
	impactStore ImpactStore
	entityStore EntityStore
	ledger      GeneralLedger
	auditLog    AuditLog
	notifier    Notifier
	log         *logger.Logger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(
	impactStore ImpactStore,
	entityStore EntityStore,
	ledger GeneralLedger,
	auditLog AuditLog,
	notifier Notifier,
	log *logger.Logger,
) *LedgerService {
	return &LedgerService{
		impactStore: impactStore,
		entityStore: entityStore,
		ledger:      ledger,
		auditLog:    auditLog,
		notifier:    notifier,
		log:         log,
	}
}

// Stage derives the planned impact lines for a triggering event and stores
// them as one batch. The batch always balances in aggregate: every line
// carries a single amount applied to both legs, and split derivations
// carve the event amount without remainder.
func (s *LedgerService) Stage(ctx context.Context, entityID string, event *ImpactEvent) ([]*repository.ImpactLine, error) {
	if event.Amount <= 0 {
		return nil, errors.InvalidInput("amount", "amount must be positive")
	}
	if len(event.Currency) != 3 {
		return nil, errors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}

	asOf := event.AsOfDate
	if asOf == "" {
		asOf = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", asOf); err != nil {
		return nil, errors.InvalidInput("as_of_date", "invalid date format, expected YYYY-MM-DD")
	}

	entity, err := s.entityStore.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity.Status == repository.EntityStatusCancelled {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"entity %s is cancelled; no impact may be staged", entityID)
	}

	lines, err := deriveLines(entityID, event, asOf)
	if err != nil {
		return nil, err
	}

	// sum(debit) == sum(credit) must hold for the batch; with single-amount
	// lines the sums are structurally identical, so this guards derivations
	// that split the event amount.
	var total int64
	for _, line := range lines {
		total += line.Amount
	}
	if total != event.Amount {
		return nil, errors.Newf(errors.ErrCodeInternal,
			"derived batch (%d) does not balance against event amount (%d)", total, event.Amount)
	}

	if err := s.impactStore.CreateBatch(ctx, lines); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entityID,
		Action:      "impact_staged",
		PerformedBy: "system",
		Metadata: map[string]interface{}{
			"event_type": event.Type,
			"amount":     event.Amount,
			"currency":   event.Currency,
			"line_count": len(lines),
		},
	})

	s.log.Info().
		Str("entity_id", entityID).
		Str("event_type", event.Type).
		Int64("amount", event.Amount).
		Int("line_count", len(lines)).
		Msg("Ledger impact staged")

	return lines, nil
}

// deriveLines maps event semantics to planned double-entry lines.
func deriveLines(entityID string, event *ImpactEvent, asOf string) ([]*repository.ImpactLine, error) {
	newLine := func(debit, credit string, amount int64) *repository.ImpactLine {
		return &repository.ImpactLine{
			SourceEntityID: entityID,
			EventType:      event.Type,
			AsOfDate:       asOf,
			DebitAccount:   debit,
			CreditAccount:  credit,
			Amount:         amount,
			Currency:       event.Currency,
			Status:         repository.ImpactPlanned,
		}
	}

	switch event.Type {
	case EventCapitalCall:
		return []*repository.ImpactLine{
			newLine(accountCommitmentReceivable, accountCash, event.Amount),
		}, nil

	case EventDistribution:
		return []*repository.ImpactLine{
			newLine(accountDistributionPayable, accountCash, event.Amount),
		}, nil

	case EventDealSettlement:
		if event.FeeAmount < 0 || event.FeeAmount >= event.Amount {
			return nil, errors.InvalidInput("fee_amount", "fee must be non-negative and below the settlement amount")
		}
		lines := []*repository.ImpactLine{
			newLine(accountInvestmentAsset, accountCash, event.Amount-event.FeeAmount),
		}
		if event.FeeAmount > 0 {
			lines = append(lines, newLine(accountDealFeesExpense, accountCash, event.FeeAmount))
		}
		return lines, nil

	case EventFeeAccrual:
		return []*repository.ImpactLine{
			newLine(accountManagementFeeExpense, accountAccruedFeesPayable, event.Amount),
		}, nil

	default:
		return nil, errors.InvalidInput("event_type", "unknown impact event type")
	}
}

// Post moves a planned line to posted. The line is claimed with a
// conditional write before the general ledger is called, so concurrent
// posters book at most one journal: losers fail at the claim, and a failed
// booking releases the claim back to planned for retry. Posting is only
// permitted once the owning entity has reached its kind's postable stage.
func (s *LedgerService) Post(ctx context.Context, lineID, actorID string) (*repository.ImpactLine, error) {
	line, err := s.impactStore.GetByID(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != repository.ImpactPlanned {
		return nil, errors.Newf(errors.ErrCodeAlreadyPosted, "impact line %s is %s", lineID, line.Status)
	}

	entity, err := s.entityStore.GetByID(ctx, line.SourceEntityID)
	if err != nil {
		return nil, err
	}
	if !stage.Postable(entity.Kind, entity.Stage) {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"entity %s is in stage %s which does not permit posting", entity.ID, entity.Stage)
	}

	claimed, err := s.impactStore.ClaimPosting(ctx, lineID)
	if err != nil {
		return nil, err
	}

	glJournalID, err := s.ledger.BookImpact(ctx, claimed)
	if err != nil {
		if relErr := s.impactStore.ReleasePostingClaim(ctx, lineID); relErr != nil {
			s.log.Error().Err(relErr).
				Str("line_id", lineID).
				Msg("Failed to release posting claim after GL error")
		}
		return nil, err
	}

	posted, err := s.impactStore.MarkPosted(ctx, lineID, glJournalID)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    line.SourceEntityID,
		Action:      "impact_posted",
		PerformedBy: actorID,
		Metadata: map[string]interface{}{
			"line_id":       lineID,
			"gl_journal_id": glJournalID,
			"amount":        line.Amount,
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "impact_posted", line.SourceEntityID, actorID,
		"impact_line", lineID, map[string]interface{}{"gl_journal_id": glJournalID})

	s.log.Info().
		Str("entity_id", line.SourceEntityID).
		Str("line_id", lineID).
		Str("gl_journal_id", glJournalID).
		Int64("amount", line.Amount).
		Msg("Impact line posted to GL")

	return posted, nil
}

// Reverse reverses a posted line by creating a mirrored offsetting line
// with debit and credit swapped and the same amount, dated now. The
// original becomes reversed; the new line is self-posting, it starts
// posted and is never planned. The original is claimed before the
// offsetting journal is booked, so concurrent reversals book at most one;
// a failed booking releases the claim back to posted. Lines that are
// planned or already reversed cannot be reversed.
func (s *LedgerService) Reverse(ctx context.Context, lineID, actorID string) (*repository.ImpactLine, error) {
	line, err := s.impactStore.GetByID(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != repository.ImpactPosted {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"impact line %s is %s and cannot be reversed", lineID, line.Status)
	}

	original, err := s.impactStore.ClaimReversing(ctx, lineID)
	if err != nil {
		return nil, err
	}

	reversal := &repository.ImpactLine{
		SourceEntityID: original.SourceEntityID,
		EventType:      original.EventType + "_reversal",
		AsOfDate:       time.Now().UTC().Format("2006-01-02"),
		DebitAccount:   original.CreditAccount,
		CreditAccount:  original.DebitAccount,
		Amount:         original.Amount,
		Currency:       original.Currency,
		Status:         repository.ImpactPosted,
	}

	glJournalID, err := s.ledger.BookImpact(ctx, reversal)
	if err != nil {
		if relErr := s.impactStore.ReleaseReversingClaim(ctx, lineID); relErr != nil {
			s.log.Error().Err(relErr).
				Str("line_id", lineID).
				Msg("Failed to release reversing claim after GL error")
		}
		return nil, err
	}
	reversal.GLJournalID = &glJournalID

	if err := s.impactStore.CreateReversal(ctx, lineID, reversal); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    line.SourceEntityID,
		Action:      "impact_reversed",
		PerformedBy: actorID,
		Metadata: map[string]interface{}{
			"line_id":          lineID,
			"reversal_line_id": reversal.ID,
			"amount":           line.Amount,
		},
	})
	s.notifier.PublishWorkflowEvent(ctx, "impact_reversed", line.SourceEntityID, actorID,
		"impact_line", reversal.ID, map[string]interface{}{"reversal_of": lineID})

	s.log.Info().
		Str("entity_id", line.SourceEntityID).
		Str("line_id", lineID).
		Str("reversal_line_id", reversal.ID).
		Msg("Impact line reversed")

	return reversal, nil
}

// ListForEntity returns all impact lines staged from an entity's events.
func (s *LedgerService) ListForEntity(ctx context.Context, entityID string) ([]*repository.ImpactLine, error) {
	return s.impactStore.GetByEntityID(ctx, entityID)
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error).
func (s *LedgerService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
