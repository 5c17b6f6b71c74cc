package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/sla"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// gateSpec names what must hold before an entity may enter a stage.
type gateSpec struct {
	RequiredDocs  []string
	ApprovalRoles []string
}

// gateTable defines per-kind, per-target-stage gates beyond the checklist.
// Kinds and stages absent from the table gate on the checklist alone.
var gateTable = map[stage.Kind]map[stage.Stage]gateSpec{
	stage.KindDeal: {
		stage.StageApproved: {
			RequiredDocs:  []string{"term_sheet"},
			ApprovalRoles: []string{"INVESTMENT_COMMITTEE", "COMPLIANCE_OFFICER"},
		},
		stage.StageExecuted: {
			RequiredDocs:  []string{"signed_agreement"},
			ApprovalRoles: []string{"OPERATIONS_MANAGER"},
		},
	},
	stage.KindCorporateAction: {
		stage.StageApproved: {
			ApprovalRoles: []string{"CORPORATE_ACTIONS_DESK"},
		},
		stage.StageProcessed: {
			RequiredDocs: []string{"custodian_confirmation"},
		},
	},
	stage.KindCapitalEvent: {
		stage.StageNoticeIssued: {
			RequiredDocs: []string{"capital_notice"},
		},
		stage.StageApproved: {
			ApprovalRoles: []string{"FUND_CONTROLLER"},
		},
	},
	stage.KindReportPack: {
		stage.StageApproved: {
			ApprovalRoles: []string{"REPORTING_LEAD", "COMPLIANCE_OFFICER"},
		},
	},
}

// TransitionService is the stage transition controller: the single gating
// authority for stage advancement. It consults the checklist gate, the
// approval router and the document registry, and mutates entities only
// through the entity store's version-checked update.
type TransitionService struct {
	entityStore      EntityStore
	checklistService *ChecklistService
	approvalService  *ApprovalService
	approvalStore    ApprovalStore
	documentRegistry DocumentRegistry
	auditLog         AuditLog
	notifier         Notifier
	policies         sla.PolicySet
	log              *logger.Logger
}

// NewTransitionService creates a new TransitionService.
func NewTransitionService(
	entityStore EntityStore,
	checklistService *ChecklistService,
	approvalService *ApprovalService,
	approvalStore ApprovalStore,
	documentRegistry DocumentRegistry,
	auditLog AuditLog,
	notifier Notifier,
	policies sla.PolicySet,
	log *logger.Logger,
) *TransitionService {
	return &TransitionService{
		entityStore:      entityStore,
		checklistService: checklistService,
		approvalService:  approvalService,
		approvalStore:    approvalStore,
		documentRegistry: documentRegistry,
		auditLog:         auditLog,
		notifier:         notifier,
		policies:         policies,
		log:              log,
	}
}

// Initiate creates a new workflow entity at its kind's initial stage along
// with the kind's checklist.
func (s *TransitionService) Initiate(ctx context.Context, kind stage.Kind, name, ownerID string) (*repository.WorkflowEntity, error) {
	if !stage.ValidKind(kind) {
		return nil, errors.InvalidInput("kind", "unknown entity kind")
	}
	if name == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}

	initial, err := stage.Initial(kind)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to resolve initial stage")
	}

	entity := &repository.WorkflowEntity{
		Kind:    kind,
		Name:    name,
		Stage:   initial,
		Status:  repository.EntityStatusActive,
		OwnerID: ownerID,
	}
	if err := s.entityStore.Create(ctx, entity); err != nil {
		return nil, err
	}

	if _, err := s.checklistService.InitChecklist(ctx, entity.ID, kind); err != nil {
		return nil, err
	}

	stageAfter := string(initial)
	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entity.ID,
		Action:      "initiated",
		PerformedBy: ownerID,
		StageAfter:  &stageAfter,
		Metadata:    map[string]interface{}{"kind": string(kind), "name": name},
	})

	s.log.Info().
		Str("entity_id", entity.ID).
		Str("kind", string(kind)).
		Str("stage", string(initial)).
		Msg("Workflow initiated")

	return entity, nil
}

// Advance moves an entity to its next stage if every gate for the target
// stage holds. Gates are evaluated in full so the caller learns every
// unmet gate at once; a failing gate causes no partial advancement.
// Missing approvals are requested on demand as part of the gate report.
func (s *TransitionService) Advance(ctx context.Context, entityID, actorID string) (*repository.WorkflowEntity, error) {
	entity, err := s.entityStore.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if stage.IsTerminal(entity.Kind, entity.Stage) {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"entity %s is %s and cannot advance", entityID, entity.Stage)
	}

	next, err := stage.Next(entity.Kind, entity.Stage)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidTransition, "no next stage")
	}

	gates, err := s.evaluateGates(ctx, entity, next, actorID)
	if err != nil {
		return nil, err
	}
	if len(gates) > 0 {
		return nil, errors.GateNotSatisfied(gates)
	}

	status := repository.EntityStatusActive
	if stage.IsTerminal(entity.Kind, next) {
		status = repository.EntityStatusClosed
	}

	// A conflict here means the entity moved under us; it propagates so
	// the caller re-reads and re-evaluates gates against fresh state.
	updated, err := s.entityStore.UpdateStage(ctx, entityID, next, status, nil, entity.Version)
	if err != nil {
		return nil, err
	}

	stageBefore := string(entity.Stage)
	stageAfter := string(next)
	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entityID,
		Action:      "stage_advanced",
		PerformedBy: actorID,
		StageBefore: &stageBefore,
		StageAfter:  &stageAfter,
	})
	s.notifier.PublishWorkflowEvent(ctx, "stage_advanced", entityID, actorID,
		"workflow_entity", entityID, map[string]interface{}{
			"stage_before": stageBefore,
			"stage_after":  stageAfter,
		})

	s.log.Info().
		Str("entity_id", entityID).
		Str("stage_before", stageBefore).
		Str("stage_after", stageAfter).
		Msg("Stage advanced")

	return updated, nil
}

// evaluateGates collects every unmet gate for entering target. Approval
// gates that have no decidable or approved request yet are requested on
// demand; a rejected approval stays a gate until re-requested and approved.
func (s *TransitionService) evaluateGates(
	ctx context.Context,
	entity *repository.WorkflowEntity,
	target stage.Stage,
	actorID string,
) ([]string, error) {
	gates := make([]string, 0)

	completion, err := s.checklistService.Completion(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range completion.Blocking {
		gates = append(gates, "checklist:"+item.Title)
	}

	spec := gateTable[entity.Kind][target]

	for _, docType := range spec.RequiredDocs {
		received, err := s.documentRegistry.Received(ctx, entity.ID, docType)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotAvailable) {
				// Fail closed: an unavailable registry cannot vouch for
				// document receipt.
				gates = append(gates, "document_registry_unavailable:"+docType)
				continue
			}
			return nil, err
		}
		if !received {
			gates = append(gates, "document:"+docType)
		}
	}

	if len(spec.ApprovalRoles) > 0 {
		requests, err := s.approvalStore.GetByEntityID(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		for _, role := range spec.ApprovalRoles {
			if approvalSatisfied(requests, role) {
				continue
			}
			gates = append(gates, "approval:"+role)
			if !approvalOpen(requests, role) {
				s.requestOnDemand(ctx, entity, role, actorID)
			}
		}
	}

	return gates, nil
}

// approvalSatisfied reports whether the role has an approved request.
func approvalSatisfied(requests []*repository.ApprovalRequest, role string) bool {
	for _, req := range requests {
		if req.ApproverRole == role && req.Status == repository.ApprovalApproved {
			return true
		}
	}
	return false
}

// approvalOpen reports whether the role has a decidable request in flight.
func approvalOpen(requests []*repository.ApprovalRequest, role string) bool {
	for _, req := range requests {
		if req.ApproverRole == role && req.Status.Decidable() {
			return true
		}
	}
	return false
}

// requestOnDemand creates the missing approval so the gate can be met.
// Failures are logged, not propagated: the gate report already names the
// missing approval.
func (s *TransitionService) requestOnDemand(ctx context.Context, entity *repository.WorkflowEntity, role, actorID string) {
	policy := s.policies.ForKind(string(entity.Kind))
	dueAt := time.Now().Add(time.Duration(policy.WarnHours * float64(time.Hour)))

	if _, err := s.approvalService.Request(ctx, entity.ID, role, dueAt, actorID); err != nil {
		if !errors.Is(err, errors.ErrCodeDuplicateRequest) {
			s.log.Warn().Err(err).
				Str("entity_id", entity.ID).
				Str("approver_role", role).
				Msg("Failed to auto-request approval")
		}
	}
}

// Cancel moves a non-terminal entity to cancelled. Cancellation is final
// and absorbing: no gate can resurrect a cancelled workflow.
func (s *TransitionService) Cancel(ctx context.Context, entityID, reason, actorID string) (*repository.WorkflowEntity, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "cancellation reason is required")
	}

	entity, err := s.entityStore.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if !stage.CanCancel(entity.Kind, entity.Stage) {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"entity %s is %s and cannot be cancelled", entityID, entity.Stage)
	}

	updated, err := s.entityStore.UpdateStage(ctx, entityID,
		stage.StageCancelled, repository.EntityStatusCancelled, &reason, entity.Version)
	if err != nil {
		return nil, err
	}

	stageBefore := string(entity.Stage)
	stageAfter := string(stage.StageCancelled)
	s.appendAudit(ctx, &repository.AuditEntry{
		EntityID:    entityID,
		Action:      "cancelled",
		PerformedBy: actorID,
		StageBefore: &stageBefore,
		StageAfter:  &stageAfter,
		Metadata:    map[string]interface{}{"reason": reason},
	})
	s.notifier.PublishWorkflowEvent(ctx, "entity_cancelled", entityID, actorID,
		"workflow_entity", entityID, map[string]interface{}{"reason": reason})

	s.log.Info().
		Str("entity_id", entityID).
		Str("stage_before", stageBefore).
		Str("reason", reason).
		Msg("Workflow cancelled")

	return updated, nil
}

// GetEntity returns one workflow entity.
func (s *TransitionService) GetEntity(ctx context.Context, entityID string) (*repository.WorkflowEntity, error) {
	return s.entityStore.GetByID(ctx, entityID)
}

// ListActive returns in-flight entities, optionally filtered by kind.
func (s *TransitionService) ListActive(ctx context.Context, kind *stage.Kind) ([]*repository.WorkflowEntity, error) {
	if kind != nil && !stage.ValidKind(*kind) {
		return nil, errors.InvalidInput("kind", "unknown entity kind")
	}
	return s.entityStore.ListActive(ctx, kind)
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error).
func (s *TransitionService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
