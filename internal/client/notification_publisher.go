package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wm-workflow/internal/natsclient"
)

// NotificationPublisher publishes workflow events to NATS JetStream for
// consumption by the notifications service.
//
// Subject convention: notifications.workflow.<event_type>
// Event types: approval_requested, approval_decided, approval_escalated,
//              approval_expired, stage_advanced, entity_cancelled,
//              impact_posted, impact_reversed
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt
// engine operations.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// WorkflowEvent is the JSON schema published to NATS.
type WorkflowEvent struct {
	EventType    string                 `json:"event_type"`
	EntityID     string                 `json:"entity_id"`
	ActorID      string                 `json:"actor_id"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishWorkflowEvent publishes a workflow engine event to NATS.
// Subject: notifications.workflow.<eventType>
func (p *NotificationPublisher) PublishWorkflowEvent(ctx context.Context, eventType, entityID, actorID, resourceType, resourceID string, payload map[string]interface{}) {
	if p.nats == nil {
		return
	}

	severity := "info"
	if eventType == "approval_escalated" || eventType == "approval_expired" {
		severity = "warning"
	}

	event := &WorkflowEvent{
		EventType:    eventType,
		EntityID:     entityID,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     severity,
		Category:     "wm_workflow",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.workflow.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("entity_id", entityID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("entity_id", entityID).
		Msg("notification: event published")
}
