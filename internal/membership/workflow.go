package membership

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/metrics"
	"github.com/povledger/povledger/internal/quorum"
)

// SystemAddress signs transactions the workflow records on its own behalf.
const SystemAddress = "0x0000000000000000000000000000000000000000"

// Recorder receives governance outcomes as ledger transactions.
type Recorder interface {
	Record(tx ledger.Transaction) error
}

// Watcher is told about every new or restored pending request.
type Watcher interface {
	Track(r Request)
}

type WorkflowConfig struct {
	Timing    Timing
	Validator IdentityValidator
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type request struct {
	mu    sync.Mutex
	state Request
	tally *quorum.Tally
}

func (q *request) snapshot() Request {
	s := q.state
	s.Votes = q.tally.Votes()
	return s
}

// Workflow runs admission requests through vote or deadline to a terminal
// status. Every terminal transition happens under the request's own mutex,
// so a vote reaching quorum and an expiring deadline cannot both win.
type Workflow struct {
	mu       sync.RWMutex
	requests map[string]*request
	order    []string

	registry  *Registry
	timing    Timing
	validator IdentityValidator
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	hooksMu  sync.RWMutex
	recorder Recorder
	watcher  Watcher
}

func NewWorkflow(registry *Registry, cfg WorkflowConfig) *Workflow {
	if cfg.Validator == nil {
		cfg.Validator = AcceptNonEmpty
	}
	if cfg.Clock == nil {
		cfg.Clock = registry.clock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Workflow{
		requests:  make(map[string]*request),
		order:     make([]string, 0),
		registry:  registry,
		timing:    cfg.Timing,
		validator: cfg.Validator,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func (w *Workflow) SetRecorder(rec Recorder) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.recorder = rec
}

func (w *Workflow) SetWatcher(watcher Watcher) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.watcher = watcher
}

func (w *Workflow) Timing() Timing {
	return w.timing
}

// Load restores persisted requests. Call it after Registry.Load.
func (w *Workflow) Load() error {
	p := w.registry.persister
	if p == nil {
		return nil
	}

	stored, err := p.LoadRequests()
	if err != nil {
		return fmt.Errorf("failed to load membership requests: %w", err)
	}

	w.mu.Lock()
	for _, s := range stored {
		tally, err := quorum.RestoreTally(s.Votes)
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("corrupt votes on request %s: %w", s.ID, err)
		}
		state := *s
		state.Votes = nil
		if _, ok := w.requests[s.ID]; !ok {
			w.order = append(w.order, s.ID)
		}
		w.requests[s.ID] = &request{state: state, tally: tally}
	}
	w.mu.Unlock()

	w.logger.Debug("Membership requests loaded", "requests", len(stored))
	return nil
}

// Submit opens a Pending request for candidate.
func (w *Workflow) Submit(candidate, name string, role Role) (Request, error) {
	if !w.validator(candidate) {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, candidate)
	}
	if role != RoleVoter && role != RoleNonVoter {
		return Request{}, fmt.Errorf("invalid role %q", role)
	}

	w.mu.Lock()

	if existing, ok := w.registry.Get(candidate); ok && existing.Status != StatusRejected {
		w.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s is %s", ErrDuplicateMembershipRequest, candidate, existing.Status)
	}

	now := w.clock.Now()
	req := &request{
		state: Request{
			ID:          uuid.NewString(),
			Candidate:   candidate,
			Name:        name,
			Role:        role,
			SubmittedAt: now,
			Status:      StatusPending,
		},
		tally: quorum.NewTally(),
	}
	member := &Member{
		ID:     candidate,
		Name:   name,
		Role:   role,
		Status: StatusPending,
	}

	snapshot := req.snapshot()
	if p := w.registry.persister; p != nil {
		if err := p.SaveAdmission(member, &snapshot); err != nil {
			w.mu.Unlock()
			return Request{}, fmt.Errorf("failed to persist membership request: %w", err)
		}
	}

	w.registry.put(member)
	w.requests[snapshot.ID] = req
	w.order = append(w.order, snapshot.ID)
	w.mu.Unlock()

	w.logger.Info("Membership request submitted",
		"request", snapshot.ID,
		"candidate", candidate,
		"role", role,
	)
	w.metrics.RequestSubmitted()

	if watcher := w.getWatcher(); watcher != nil {
		watcher.Track(snapshot)
	}

	return snapshot, nil
}

// CastVote records voter's decision and resolves the request if either side
// reaches quorum. A replayed vote on a resolved request is a no-op.
func (w *Workflow) CastVote(requestID, voterID string, decision quorum.Decision) (Request, error) {
	if !decision.Valid() {
		return Request{}, fmt.Errorf("invalid decision %q", decision)
	}

	req, err := w.lookup(requestID)
	if err != nil {
		return Request{}, err
	}

	if !w.registry.IsActiveVoter(voterID) {
		return Request{}, fmt.Errorf("%w: %s", ErrUnauthorizedVoter, voterID)
	}

	req.mu.Lock()

	if req.state.Status != StatusPending {
		replay := req.tally.Has(voterID)
		snapshot := req.snapshot()
		req.mu.Unlock()
		if replay {
			return snapshot, nil
		}
		return snapshot, fmt.Errorf("%w: %s is %s", ErrRequestNotPending, requestID, snapshot.Status)
	}

	if req.tally.Has(voterID) {
		req.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s on request %s", ErrDuplicateVote, voterID, requestID)
	}

	now := w.clock.Now()
	prevRequired, prevSnapshot := req.state.Required, req.state.VoterSnapshot
	if req.state.Required == 0 {
		req.state.VoterSnapshot = w.registry.ActiveVoterCount(req.state.Candidate)
		req.state.Required = quorum.Threshold(req.state.VoterSnapshot)
	}

	if err := req.tally.Add(quorum.Vote{Voter: voterID, Decision: decision, CastAt: now}); err != nil {
		req.state.Required, req.state.VoterSnapshot = prevRequired, prevSnapshot
		req.mu.Unlock()
		return Request{}, err
	}

	next := req.snapshot()
	var member *Member
	switch req.tally.Evaluate(req.state.Required) {
	case quorum.Approved:
		next.Status, next.Reason, next.ResolvedAt = StatusActive, ReasonVoted, now
		member = w.candidateRecord(next, StatusActive, now)
	case quorum.Rejected:
		next.Status, next.Reason, next.ResolvedAt = StatusRejected, ReasonVoted, now
		member = w.candidateRecord(next, StatusRejected, time.Time{})
	}

	if err := w.persist(member, &next); err != nil {
		req.tally.Remove(voterID)
		req.state.Required, req.state.VoterSnapshot = prevRequired, prevSnapshot
		req.mu.Unlock()
		return Request{}, err
	}

	w.commit(req, next, member)
	req.mu.Unlock()

	w.metrics.VoteCast("membership", string(decision))
	w.logger.Debug("Membership vote recorded",
		"request", requestID,
		"voter", voterID,
		"decision", decision,
		"approvals", next.Approvals(),
		"rejections", next.Rejections(),
		"required", next.Required,
	)

	if next.Status.Terminal() {
		w.resolved(next)
	}
	return next, nil
}

// Withdraw cancels a Pending request. It reports whether this call made the
// transition; withdrawing a resolved request is a no-op.
func (w *Workflow) Withdraw(requestID string) (Request, bool, error) {
	return w.terminate(requestID, ReasonWithdrawn, func(Request) bool { return true })
}

// AutoReject rejects a Pending request whose deadline has passed. It reports
// whether this call made the transition.
func (w *Workflow) AutoReject(requestID string, now time.Time) (Request, bool, error) {
	return w.terminate(requestID, ReasonTimeout, func(r Request) bool {
		deadline, ok := w.timing.Deadline(r)
		return ok && !now.Before(deadline)
	})
}

func (w *Workflow) terminate(requestID string, reason Reason, due func(Request) bool) (Request, bool, error) {
	req, err := w.lookup(requestID)
	if err != nil {
		return Request{}, false, err
	}

	req.mu.Lock()

	current := req.snapshot()
	if current.Status != StatusPending || !due(current) {
		req.mu.Unlock()
		return current, false, nil
	}

	next := current
	next.Status, next.Reason, next.ResolvedAt = StatusRejected, reason, w.clock.Now()
	member := w.candidateRecord(next, StatusRejected, time.Time{})

	if err := w.persist(member, &next); err != nil {
		req.mu.Unlock()
		return current, false, err
	}

	w.commit(req, next, member)
	req.mu.Unlock()

	w.resolved(next)
	return next, true, nil
}

// MarkReminder flips ReminderSent once the reminder time has passed. It
// returns true exactly once per request; the caller sends the notification.
func (w *Workflow) MarkReminder(requestID string, now time.Time) (Request, bool, error) {
	req, err := w.lookup(requestID)
	if err != nil {
		return Request{}, false, err
	}

	req.mu.Lock()

	current := req.snapshot()
	at, ok := w.timing.ReminderAt(current)
	if current.Status != StatusPending || current.ReminderSent || !ok || now.Before(at) {
		req.mu.Unlock()
		return current, false, nil
	}

	next := current
	next.ReminderSent = true
	if err := w.persist(nil, &next); err != nil {
		req.mu.Unlock()
		return current, false, err
	}

	w.commit(req, next, nil)
	req.mu.Unlock()

	w.metrics.ReminderSent()
	deadline, _ := w.timing.Deadline(next)
	w.record(ledger.KindMembershipReminder, next, map[string]interface{}{
		"request_id": next.ID,
		"candidate":  next.Candidate,
		"deadline":   deadline.UTC(),
	})
	return next, true, nil
}

func (w *Workflow) Request(requestID string) (Request, error) {
	req, err := w.lookup(requestID)
	if err != nil {
		return Request{}, err
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	return req.snapshot(), nil
}

func (w *Workflow) PendingRequests() []Request {
	return w.filter(func(r Request) bool { return r.Status == StatusPending })
}

func (w *Workflow) RejectedRequests() []Request {
	return w.filter(func(r Request) bool { return r.Status == StatusRejected })
}

func (w *Workflow) Requests() []Request {
	return w.filter(func(Request) bool { return true })
}

func (w *Workflow) Members() []Member {
	return w.registry.Members()
}

func (w *Workflow) filter(keep func(Request) bool) []Request {
	w.mu.RLock()
	reqs := make([]*request, 0, len(w.order))
	for _, id := range w.order {
		reqs = append(reqs, w.requests[id])
	}
	w.mu.RUnlock()

	out := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		req.mu.Lock()
		s := req.snapshot()
		req.mu.Unlock()
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (w *Workflow) lookup(requestID string) (*request, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	req, ok := w.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return req, nil
}

func (w *Workflow) candidateRecord(r Request, status Status, joinedAt time.Time) *Member {
	return &Member{
		ID:       r.Candidate,
		Name:     r.Name,
		Role:     r.Role,
		Status:   status,
		JoinedAt: joinedAt,
	}
}

func (w *Workflow) persist(member *Member, r *Request) error {
	p := w.registry.persister
	if p == nil {
		return nil
	}

	var err error
	if member != nil {
		err = p.SaveAdmission(member, r)
	} else {
		err = p.SaveRequest(r)
	}
	if err != nil {
		return fmt.Errorf("failed to persist membership request %s: %w", r.ID, err)
	}
	return nil
}

// commit applies an already persisted transition. Caller holds req.mu.
func (w *Workflow) commit(req *request, next Request, member *Member) {
	state := next
	state.Votes = nil
	req.state = state
	if member != nil {
		w.registry.put(member)
	}
}

func (w *Workflow) resolved(r Request) {
	w.logger.Info("Membership request resolved",
		"request", r.ID,
		"candidate", r.Candidate,
		"status", r.Status,
		"reason", r.Reason,
	)
	w.metrics.RequestResolved(string(r.Status), string(r.Reason))

	kind := ledger.KindMembershipRejected
	if r.Status == StatusActive {
		kind = ledger.KindMembershipApproved
	}
	w.record(kind, r, map[string]interface{}{
		"request_id": r.ID,
		"candidate":  r.Candidate,
		"role":       r.Role,
		"reason":     r.Reason,
		"approvals":  r.Approvals(),
		"rejections": r.Rejections(),
		"required":   r.Required,
	})
}

// record is fire-and-forget: a failed recording is logged and never undoes
// the transition.
func (w *Workflow) record(kind string, r Request, data map[string]interface{}) {
	w.hooksMu.RLock()
	rec := w.recorder
	w.hooksMu.RUnlock()
	if rec == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		w.logger.Error("Failed to encode governance transaction", "kind", kind, "error", err)
		return
	}

	tx := ledger.Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    SystemAddress,
		Recipient: r.Candidate,
		Timestamp: w.clock.Now(),
		Payload:   payload,
	}
	if err := rec.Record(tx); err != nil {
		w.logger.Error("Failed to record governance transaction",
			"kind", kind,
			"request", r.ID,
			"error", err,
		)
	}
}

func (w *Workflow) getWatcher() Watcher {
	w.hooksMu.RLock()
	defer w.hooksMu.RUnlock()
	return w.watcher
}
