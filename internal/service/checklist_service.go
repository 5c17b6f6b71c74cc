package service

import (
	"context"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// checklistTemplate is one item in a kind's checklist blueprint.
type checklistTemplate struct {
	Title     string
	OwnerRole string
	Required  bool
}

// checklistTemplates defines the checklist created for each entity kind at
// workflow initiation.
var checklistTemplates = map[stage.Kind][]checklistTemplate{
	stage.KindDeal: {
		{Title: "kyc_review", OwnerRole: "COMPLIANCE_OFFICER", Required: true},
		{Title: "investment_memo", OwnerRole: "DEAL_LEAD", Required: true},
		{Title: "risk_assessment", OwnerRole: "RISK_ANALYST", Required: true},
		{Title: "background_check", OwnerRole: "COMPLIANCE_OFFICER", Required: false},
	},
	stage.KindCorporateAction: {
		{Title: "terms_validation", OwnerRole: "CORPORATE_ACTIONS_DESK", Required: true},
		{Title: "position_reconciliation", OwnerRole: "OPERATIONS_MANAGER", Required: true},
		{Title: "client_notification", OwnerRole: "RELATIONSHIP_MANAGER", Required: false},
	},
	stage.KindCapitalEvent: {
		{Title: "commitment_verification", OwnerRole: "FUND_CONTROLLER", Required: true},
		{Title: "notice_preparation", OwnerRole: "FUND_ADMIN", Required: true},
		{Title: "wire_instructions", OwnerRole: "TREASURY", Required: true},
	},
	stage.KindReportPack: {
		{Title: "data_assembly", OwnerRole: "REPORTING_LEAD", Required: true},
		{Title: "performance_review", OwnerRole: "PORTFOLIO_MANAGER", Required: true},
		{Title: "final_proofing", OwnerRole: "REPORTING_LEAD", Required: false},
	},
}

// ChecklistService is the checklist gate: it tracks ordered items per
// entity and derives the completion state the transition controller gates
// on.
type ChecklistService struct {
	entityStore    EntityStore
	checklistStore ChecklistStore
	auditLog       AuditLog
	log            *logger.Logger
}

// NewChecklistService creates a new ChecklistService.
func NewChecklistService(
	entityStore EntityStore,
	checklistStore ChecklistStore,
	auditLog AuditLog,
	log *logger.Logger,
) *ChecklistService {
	return &ChecklistService{
		entityStore:    entityStore,
		checklistStore: checklistStore,
		auditLog:       auditLog,
		log:            log,
	}
}

// InitChecklist creates the kind's checklist template for a new entity.
func (s *ChecklistService) InitChecklist(ctx context.Context, entityID string, kind stage.Kind) ([]*repository.ChecklistItem, error) {
	templates, ok := checklistTemplates[kind]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "no checklist template for kind %s", kind)
	}

	items := make([]*repository.ChecklistItem, 0, len(templates))
	for i, tpl := range templates {
		items = append(items, &repository.ChecklistItem{
			EntityID:  entityID,
			Title:     tpl.Title,
			OwnerRole: tpl.OwnerRole,
			Status:    repository.ChecklistPending,
			Required:  tpl.Required,
			SortOrder: i + 1,
		})
	}

	if err := s.checklistStore.CreateBatch(ctx, items); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entity_id", entityID).
		Str("kind", string(kind)).
		Int("item_count", len(items)).
		Msg("Checklist initialized")

	return items, nil
}

// SetItemStatus updates one item's status. Entities in a terminal stage
// accept no further checklist mutation.
func (s *ChecklistService) SetItemStatus(
	ctx context.Context,
	entityID, itemID string,
	status repository.ChecklistItemStatus,
	actedBy string,
) (*repository.ChecklistItem, error) {
	if !repository.ValidChecklistStatus(status) {
		return nil, errors.InvalidInput("status", "unknown checklist item status")
	}

	entity, err := s.entityStore.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if stage.IsTerminal(entity.Kind, entity.Stage) {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"entity %s is %s; checklist is frozen", entityID, entity.Stage)
	}

	// Scoped fetch ensures the item belongs to this entity.
	item, err := s.checklistStore.GetByID(ctx, entityID, itemID)
	if err != nil {
		return nil, err
	}

	statusBefore := item.Status
	item, err = s.checklistStore.UpdateStatus(ctx, item.ID, status)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entityID,
		Action:      "checklist_updated",
		PerformedBy: actedBy,
		Metadata: map[string]interface{}{
			"item_id":       item.ID,
			"item_title":    item.Title,
			"status_before": string(statusBefore),
			"status_after":  string(status),
		},
	})

	s.log.Info().
		Str("entity_id", entityID).
		Str("item_id", itemID).
		Str("status", string(status)).
		Msg("Checklist item status updated")

	return item, nil
}

// CompletionResult is the derived gate state of an entity's checklist.
type CompletionResult struct {
	Percent  float64
	Blocking []*repository.ChecklistItem
}

// Completion computes completion percentage (completed over total minus
// not-applicable) and the required items still blocking advancement. An
// empty Blocking list is necessary but not sufficient for a stage
// transition.
func (s *ChecklistService) Completion(ctx context.Context, entityID string) (*CompletionResult, error) {
	items, err := s.checklistStore.GetByEntityID(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var completed, notApplicable int
	blocking := make([]*repository.ChecklistItem, 0)

	for _, item := range items {
		switch item.Status {
		case repository.ChecklistCompleted:
			completed++
		case repository.ChecklistNotApplicable:
			notApplicable++
		}
		if item.Required && !item.Status.Satisfied() {
			blocking = append(blocking, item)
		}
	}

	denominator := len(items) - notApplicable
	percent := 100.0
	if denominator > 0 {
		percent = float64(completed) / float64(denominator) * 100.0
	}

	return &CompletionResult{Percent: percent, Blocking: blocking}, nil
}

// GetItems returns an entity's checklist in gating order.
func (s *ChecklistService) GetItems(ctx context.Context, entityID string) ([]*repository.ChecklistItem, error) {
	return s.checklistStore.GetByEntityID(ctx, entityID)
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error).
func (s *ChecklistService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
