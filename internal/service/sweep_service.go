package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/sla"
)

// SweepService runs the periodic SLA escalation sweep over open approval
// requests. It is expected to run single-instance (or under a leader
// lock); concurrent sweeps are tolerated only because escalate and expire
// are idempotent no-ops on requests that already moved on.
type SweepService struct {
	approvalStore   ApprovalStore
	entityStore     EntityStore
	approvalService *ApprovalService
	policies        sla.PolicySet
	now             func() time.Time
	log             *logger.Logger
}

// NewSweepService creates a new SweepService.
func NewSweepService(
	approvalStore ApprovalStore,
	entityStore EntityStore,
	approvalService *ApprovalService,
	policies sla.PolicySet,
	log *logger.Logger,
) *SweepService {
	return &SweepService{
		approvalStore:   approvalStore,
		entityStore:     entityStore,
		approvalService: approvalService,
		policies:        policies,
		now:             time.Now,
		log:             log,
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned   int
	Escalated int
	Expired   int
	Skipped   int
}

// Run performs one sweep pass. Requests past their grace window expire;
// pending requests at critical or overdue tier escalate. Any request that
// fails under concurrent edit is logged and skipped; it is retried on the
// next scheduled pass rather than failing the batch.
func (s *SweepService) Run(ctx context.Context) (*SweepResult, error) {
	requests, err := s.approvalStore.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &SweepResult{Scanned: len(requests)}

	for _, req := range requests {
		if err := s.sweepOne(ctx, req, now, result); err != nil {
			result.Skipped++
			s.log.Warn().Err(err).
				Str("request_id", req.ID).
				Str("entity_id", req.EntityID).
				Msg("Sweep skipped request")
		}
	}

	s.log.Info().
		Int("scanned", result.Scanned).
		Int("escalated", result.Escalated).
		Int("expired", result.Expired).
		Int("skipped", result.Skipped).
		Msg("SLA sweep completed")

	return result, nil
}

func (s *SweepService) sweepOne(ctx context.Context, req *repository.ApprovalRequest, now time.Time, result *SweepResult) error {
	entity, err := s.entityStore.GetByID(ctx, req.EntityID)
	if err != nil {
		return err
	}
	policy := s.policies.ForKind(string(entity.Kind))

	if sla.Expired(req.DueAt, policy, now) {
		updated, err := s.approvalService.Expire(ctx, req.ID)
		if err != nil {
			return err
		}
		if updated.Status == repository.ApprovalExpired && req.Status != repository.ApprovalExpired {
			result.Expired++
		}
		return nil
	}

	tier := sla.Status(req.DueAt, policy, now)
	if (tier == sla.TierCritical || tier == sla.TierOverdue) && req.Status == repository.ApprovalPending {
		updated, err := s.approvalService.Escalate(ctx, req.ID)
		if err != nil {
			return err
		}
		if updated.Status == repository.ApprovalEscalated {
			result.Escalated++
		}
	}

	return nil
}

// Loop runs sweeps on the given interval until the context is cancelled.
func (s *SweepService) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("SLA sweep loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("SLA sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				// Conflicts and transient store failures resolve on the
				// next pass.
				if !errors.Is(err, errors.ErrCodeConflict) {
					s.log.Error().Err(err).Msg("SLA sweep pass failed")
				}
			}
		}
	}
}
