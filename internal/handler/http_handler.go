package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/service"
	"github.com/pesio-ai/be-wm-workflow/internal/sla"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// HTTPHandler handles HTTP requests for the workflow engine.
type HTTPHandler struct {
	transitions *service.TransitionService
	checklists  *service.ChecklistService
	approvals   *service.ApprovalService
	ledger      *service.LedgerService
	auditLog    *repository.AuditRepository
	policies    sla.PolicySet
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	transitions *service.TransitionService,
	checklists *service.ChecklistService,
	approvals *service.ApprovalService,
	ledger *service.LedgerService,
	auditLog *repository.AuditRepository,
	policies sla.PolicySet,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		transitions: transitions,
		checklists:  checklists,
		approvals:   approvals,
		ledger:      ledger,
		auditLog:    auditLog,
		policies:    policies,
		log:         log,
	}
}

// InitiateWorkflow handles create workflow entity requests.
func (h *HTTPHandler) InitiateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Kind    string `json:"kind"`
		Name    string `json:"name"`
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entity, err := h.transitions.Initiate(r.Context(), stage.Kind(req.Kind), req.Name, req.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, entity)
}

// ListEntities handles list requests for in-flight workflow entities, with
// an optional kind filter.
func (h *HTTPHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var kind *stage.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		v := stage.Kind(k)
		kind = &v
	}

	entities, err := h.transitions.ListActive(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// GetEntity handles get workflow entity requests, returning the entity with
// its checklist, approval requests and impact lines.
func (h *HTTPHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("id")
	if entityID == "" {
		http.Error(w, "Entity ID is required", http.StatusBadRequest)
		return
	}

	entity, err := h.transitions.GetEntity(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	checklist, err := h.checklists.GetItems(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	approvals, err := h.approvals.ListForEntity(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lines, err := h.ledger.ListForEntity(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity":       entity,
		"checklist":    checklist,
		"approvals":    approvals,
		"impact_lines": lines,
	})
}

// AdvanceStage handles stage advancement requests.
func (h *HTTPHandler) AdvanceStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID string `json:"entity_id"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entity, err := h.transitions.Advance(r.Context(), req.EntityID, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entity)
}

// CancelEntity handles workflow cancellation requests.
func (h *HTTPHandler) CancelEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID string `json:"entity_id"`
		Reason   string `json:"reason"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entity, err := h.transitions.Cancel(r.Context(), req.EntityID, req.Reason, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entity)
}

// GetAuditTrail handles audit trail requests for one entity.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		http.Error(w, "Entity ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.auditLog.GetByEntityID(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// SetChecklistItemStatus handles checklist item status updates.
func (h *HTTPHandler) SetChecklistItemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID string `json:"entity_id"`
		ItemID   string `json:"item_id"`
		Status   string `json:"status"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.checklists.SetItemStatus(r.Context(), req.EntityID, req.ItemID,
		repository.ChecklistItemStatus(req.Status), req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// GetChecklistCompletion handles checklist completion requests.
func (h *HTTPHandler) GetChecklistCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		http.Error(w, "Entity ID is required", http.StatusBadRequest)
		return
	}

	completion, err := h.checklists.Completion(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	blocking := make([]string, 0, len(completion.Blocking))
	for _, item := range completion.Blocking {
		blocking = append(blocking, item.Title)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"percent":  completion.Percent,
		"blocking": blocking,
	})
}

// RequestApproval handles approval request creation.
func (h *HTTPHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID     string    `json:"entity_id"`
		ApproverRole string    `json:"approver_role"`
		DueAt        time.Time `json:"due_at"`
		RequestedBy  string    `json:"requested_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	request, err := h.approvals.Request(r.Context(), req.EntityID, req.ApproverRole, req.DueAt, req.RequestedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, request)
}

// DecideApproval handles approval decisions.
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID string  `json:"request_id"`
		Decision  string  `json:"decision"`
		DeciderID string  `json:"decider_id"`
		Notes     *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decided, err := h.approvals.Decide(r.Context(), req.RequestID,
		repository.ApprovalStatus(req.Decision), req.DeciderID, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, decided)
}

// ListPendingApprovals handles pending-approval queue requests for a role.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		http.Error(w, "Role is required", http.StatusBadRequest)
		return
	}

	requests, err := h.approvals.ListPendingForRole(r.Context(), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// StageImpact handles ledger impact staging requests.
func (h *HTTPHandler) StageImpact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID  string `json:"entity_id"`
		EventType string `json:"event_type"`
		Amount    int64  `json:"amount"`
		FeeAmount int64  `json:"fee_amount"`
		Currency  string `json:"currency"`
		AsOfDate  string `json:"as_of_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	lines, err := h.ledger.Stage(r.Context(), req.EntityID, &service.ImpactEvent{
		Type:      req.EventType,
		Amount:    req.Amount,
		FeeAmount: req.FeeAmount,
		Currency:  req.Currency,
		AsOfDate:  req.AsOfDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"lines": lines})
}

// PostImpactLine handles impact line posting requests.
func (h *HTTPHandler) PostImpactLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		LineID  string `json:"line_id"`
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	line, err := h.ledger.Post(r.Context(), req.LineID, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, line)
}

// ReverseImpactLine handles impact line reversal requests.
func (h *HTTPHandler) ReverseImpactLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		LineID  string `json:"line_id"`
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reversal, err := h.ledger.Reverse(r.Context(), req.LineID, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, reversal)
}

// slaEntry is the per-request SLA projection returned by GetSlaStatus.
type slaEntry struct {
	RequestID    string    `json:"request_id"`
	ApproverRole string    `json:"approver_role"`
	Status       string    `json:"status"`
	DueAt        time.Time `json:"due_at"`
	Tier         string    `json:"tier"`
}

// GetSlaStatus handles SLA status requests: the tier of every open approval
// request on an entity, computed against the entity kind's policy.
func (h *HTTPHandler) GetSlaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		http.Error(w, "Entity ID is required", http.StatusBadRequest)
		return
	}

	entity, err := h.transitions.GetEntity(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	policy := h.policies.ForKind(string(entity.Kind))

	requests, err := h.approvals.ListForEntity(r.Context(), entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := time.Now()
	entries := make([]slaEntry, 0)
	for _, req := range requests {
		if !req.Status.Decidable() {
			continue
		}
		entries = append(entries, slaEntry{
			RequestID:    req.ID,
			ApproverRole: req.ApproverRole,
			Status:       string(req.Status),
			DueAt:        req.DueAt,
			Tier:         string(sla.Status(req.DueAt, policy, now)),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"requests":  entries,
	})
}

// Health handles liveness probes.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

// writeError maps coded errors onto HTTP statuses. gate_not_satisfied
// carries the unmet gates in the response body.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.Code(err)

	var status int
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyDecided,
		errors.ErrCodeAlreadyPosted, errors.ErrCodeDuplicateRequest,
		errors.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case errors.ErrCodeGateNotSatisfied:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeNotAvailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	body := map[string]interface{}{
		"code":    string(code),
		"message": err.Error(),
	}
	if details := errors.Details(err); len(details) > 0 {
		body["gates"] = details
	}

	h.writeJSON(w, status, body)
}
