package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/stage"
)

// In-memory fakes mirroring the repositories' conditional-write semantics,
// including the typed errors the services branch on.

type fakeEntityStore struct {
	mu       sync.Mutex
	entities map[string]*repository.WorkflowEntity
	seq      int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{entities: make(map[string]*repository.WorkflowEntity)}
}

func (f *fakeEntityStore) Create(ctx context.Context, e *repository.WorkflowEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.ID = fmt.Sprintf("ent-%d", f.seq)
	e.Version = 1
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	f.entities[e.ID] = &cp
	return nil
}

func (f *fakeEntityStore) GetByID(ctx context.Context, id string) (*repository.WorkflowEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.NotFound("workflow entity", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEntityStore) ListActive(ctx context.Context, kind *stage.Kind) ([]*repository.WorkflowEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.WorkflowEntity
	for _, e := range f.entities {
		if e.Status != repository.EntityStatusActive {
			continue
		}
		if kind != nil && e.Kind != *kind {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeEntityStore) UpdateStage(ctx context.Context, id string, next stage.Stage, status repository.EntityStatus, cancelReason *string, expectedVersion int64) (*repository.WorkflowEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.NotFound("workflow entity", id)
	}
	if e.Version != expectedVersion {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"workflow entity %s was modified concurrently (expected version %d)", id, expectedVersion)
	}
	e.Stage = next
	e.Status = status
	e.CancelReason = cancelReason
	e.Version++
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

type fakeChecklistStore struct {
	mu    sync.Mutex
	items map[string]*repository.ChecklistItem
	seq   int
}

func newFakeChecklistStore() *fakeChecklistStore {
	return &fakeChecklistStore{items: make(map[string]*repository.ChecklistItem)}
}

func (f *fakeChecklistStore) CreateBatch(ctx context.Context, items []*repository.ChecklistItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.seq++
		item.ID = fmt.Sprintf("chk-%d", f.seq)
		item.CreatedAt = time.Now()
		item.UpdatedAt = item.CreatedAt
		cp := *item
		f.items[item.ID] = &cp
	}
	return nil
}

func (f *fakeChecklistStore) GetByID(ctx context.Context, entityID, itemID string) (*repository.ChecklistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok || item.EntityID != entityID {
		return nil, errors.NotFound("checklist item", itemID)
	}
	cp := *item
	return &cp, nil
}

func (f *fakeChecklistStore) GetByEntityID(ctx context.Context, entityID string) ([]*repository.ChecklistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ChecklistItem
	for _, item := range f.items {
		if item.EntityID == entityID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sortChecklist(out)
	return out, nil
}

func sortChecklist(items []*repository.ChecklistItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].SortOrder < items[j-1].SortOrder; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func (f *fakeChecklistStore) UpdateStatus(ctx context.Context, itemID string, status repository.ChecklistItemStatus) (*repository.ChecklistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok {
		return nil, errors.NotFound("checklist item", itemID)
	}
	item.Status = status
	item.UpdatedAt = time.Now()
	cp := *item
	return &cp, nil
}

type fakeApprovalStore struct {
	mu       sync.Mutex
	requests map[string]*repository.ApprovalRequest
	seq      int
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{requests: make(map[string]*repository.ApprovalRequest)}
}

func (f *fakeApprovalStore) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.requests {
		if existing.EntityID == req.EntityID && existing.ApproverRole == req.ApproverRole && existing.Status.Decidable() {
			return errors.Newf(errors.ErrCodeDuplicateRequest,
				"a pending approval for role %s already exists on entity %s", req.ApproverRole, req.EntityID)
		}
	}
	f.seq++
	req.ID = fmt.Sprintf("apr-%d", f.seq)
	req.RequestedAt = time.Now()
	req.CreatedAt = req.RequestedAt
	req.UpdatedAt = req.RequestedAt
	cp := *req
	f.requests[req.ID] = &cp
	return nil
}

func (f *fakeApprovalStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("approval request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeApprovalStore) GetByEntityID(ctx context.Context, entityID string) ([]*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.EntityID == entityID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) ListOpen(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.Status.Decidable() {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) ListPendingForRole(ctx context.Context, role string) ([]*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.ApproverRole == role && req.Status.Decidable() {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) Decide(ctx context.Context, id string, status repository.ApprovalStatus, decidedBy string, notes *string) (*repository.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("approval request", id)
	}
	if !req.Status.Decidable() {
		return nil, errors.Newf(errors.ErrCodeAlreadyDecided,
			"approval request %s already has a terminal decision (%s)", id, req.Status)
	}
	now := time.Now()
	req.Status = status
	req.DecidedByID = &decidedBy
	req.DecidedAt = &now
	req.DecisionNotes = notes
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (f *fakeApprovalStore) MarkEscalated(ctx context.Context, id string) (*repository.ApprovalRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, false, errors.NotFound("approval request", id)
	}
	if req.Status != repository.ApprovalPending {
		cp := *req
		return &cp, false, nil
	}
	now := time.Now()
	req.Status = repository.ApprovalEscalated
	req.EscalatedAt = &now
	req.UpdatedAt = now
	cp := *req
	return &cp, true, nil
}

func (f *fakeApprovalStore) MarkExpired(ctx context.Context, id string) (*repository.ApprovalRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, false, errors.NotFound("approval request", id)
	}
	if !req.Status.Decidable() {
		cp := *req
		return &cp, false, nil
	}
	req.Status = repository.ApprovalExpired
	req.UpdatedAt = time.Now()
	cp := *req
	return &cp, true, nil
}

type fakeImpactStore struct {
	mu    sync.Mutex
	lines map[string]*repository.ImpactLine
	seq   int
}

func newFakeImpactStore() *fakeImpactStore {
	return &fakeImpactStore{lines: make(map[string]*repository.ImpactLine)}
}

func (f *fakeImpactStore) CreateBatch(ctx context.Context, lines []*repository.ImpactLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range lines {
		f.seq++
		line.ID = fmt.Sprintf("imp-%d", f.seq)
		line.CreatedAt = time.Now()
		line.UpdatedAt = line.CreatedAt
		cp := *line
		f.lines[line.ID] = &cp
	}
	return nil
}

func (f *fakeImpactStore) GetByID(ctx context.Context, id string) (*repository.ImpactLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok {
		return nil, errors.NotFound("impact line", id)
	}
	cp := *line
	return &cp, nil
}

func (f *fakeImpactStore) GetByEntityID(ctx context.Context, entityID string) ([]*repository.ImpactLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ImpactLine
	for _, line := range f.lines {
		if line.SourceEntityID == entityID {
			cp := *line
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeImpactStore) ClaimPosting(ctx context.Context, id string) (*repository.ImpactLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok {
		return nil, errors.NotFound("impact line", id)
	}
	if line.Status != repository.ImpactPlanned {
		return nil, errors.Newf(errors.ErrCodeAlreadyPosted, "impact line %s is not planned", id)
	}
	line.Status = repository.ImpactPosting
	line.UpdatedAt = time.Now()
	cp := *line
	return &cp, nil
}

func (f *fakeImpactStore) ReleasePostingClaim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if ok && line.Status == repository.ImpactPosting {
		line.Status = repository.ImpactPlanned
		line.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeImpactStore) MarkPosted(ctx context.Context, id, glJournalID string) (*repository.ImpactLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok {
		return nil, errors.NotFound("impact line", id)
	}
	if line.Status != repository.ImpactPosting {
		return nil, errors.Newf(errors.ErrCodeAlreadyPosted, "impact line %s holds no posting claim", id)
	}
	now := time.Now()
	line.Status = repository.ImpactPosted
	line.GLJournalID = &glJournalID
	line.PostedAt = &now
	line.UpdatedAt = now
	cp := *line
	return &cp, nil
}

func (f *fakeImpactStore) ClaimReversing(ctx context.Context, id string) (*repository.ImpactLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok {
		return nil, errors.NotFound("impact line", id)
	}
	if line.Status != repository.ImpactPosted {
		return nil, errors.Newf(errors.ErrCodeInvalidTransition,
			"impact line %s is not posted and cannot be reversed", id)
	}
	line.Status = repository.ImpactReversing
	line.UpdatedAt = time.Now()
	cp := *line
	return &cp, nil
}

func (f *fakeImpactStore) ReleaseReversingClaim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if ok && line.Status == repository.ImpactReversing {
		line.Status = repository.ImpactPosted
		line.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeImpactStore) CreateReversal(ctx context.Context, originalID string, reversal *repository.ImpactLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	original, ok := f.lines[originalID]
	if !ok {
		return errors.NotFound("impact line", originalID)
	}
	if original.Status != repository.ImpactReversing {
		return errors.Newf(errors.ErrCodeInvalidTransition,
			"impact line %s holds no reversing claim", originalID)
	}
	original.Status = repository.ImpactReversed
	original.UpdatedAt = time.Now()

	f.seq++
	reversal.ID = fmt.Sprintf("imp-%d", f.seq)
	reversal.ReversalOfID = &originalID
	now := time.Now()
	reversal.PostedAt = &now
	reversal.CreatedAt = now
	reversal.UpdatedAt = now
	cp := *reversal
	f.lines[reversal.ID] = &cp
	return nil
}

type fakeAuditLog struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (f *fakeAuditLog) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeDocumentRegistry struct {
	received    map[string]bool
	unavailable bool
}

func newFakeDocumentRegistry() *fakeDocumentRegistry {
	return &fakeDocumentRegistry{received: make(map[string]bool)}
}

func (f *fakeDocumentRegistry) mark(entityID, documentType string) {
	f.received[entityID+"/"+documentType] = true
}

func (f *fakeDocumentRegistry) Received(ctx context.Context, entityID, documentType string) (bool, error) {
	if f.unavailable {
		return false, errors.New(errors.ErrCodeNotAvailable, "document registry is not configured")
	}
	return f.received[entityID+"/"+documentType], nil
}

type fakeGeneralLedger struct {
	mu      sync.Mutex
	booked  []*repository.ImpactLine
	seq     int
	bookErr error
}

func (f *fakeGeneralLedger) BookImpact(ctx context.Context, line *repository.ImpactLine) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return "", f.bookErr
	}
	f.seq++
	cp := *line
	f.booked = append(f.booked, &cp)
	return fmt.Sprintf("jrn-%d", f.seq), nil
}

type fakeRoleDirectory struct {
	roles map[string][]string // userID -> roles
	err   error
}

func (f *fakeRoleDirectory) UserHasRole(ctx context.Context, userID, role string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, r := range f.roles[userID] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

type publishedEvent struct {
	EventType string
	EntityID  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeNotifier) PublishWorkflowEvent(ctx context.Context, eventType, entityID, actorID, resourceType, resourceID string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{EventType: eventType, EntityID: entityID})
}

func (f *fakeNotifier) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}
