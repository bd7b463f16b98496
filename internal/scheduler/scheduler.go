// Package scheduler fires reminders, auto-rejections and proposal expiry at
// their deadlines. Wake times are derived only from stored timestamps and
// configuration, never from how long the loop has been running.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/metrics"
)

// retryDelay postpones an event whose transition failed to persist.
const retryDelay = 5 * time.Second

// Workflow is the part of *membership.Workflow the scheduler drives.
type Workflow interface {
	Timing() membership.Timing
	PendingRequests() []membership.Request
	AutoReject(requestID string, now time.Time) (membership.Request, bool, error)
	MarkReminder(requestID string, now time.Time) (membership.Request, bool, error)
}

// Engine is the part of *consensus.Engine the scheduler drives.
type Engine interface {
	ProposalTimeout() time.Duration
	Current() (consensus.Proposal, bool)
	Expire(round uint64, now time.Time) (*ledger.Block, bool, error)
}

// Notifier delivers reminders to the voters. Delivery is best effort.
type Notifier interface {
	SendReminder(ctx context.Context, req membership.Request, deadline time.Time) error
}

type Config struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier

	// MaxWait bounds how long Run sleeps between sweeps. Defaults to an hour.
	MaxWait time.Duration
}

type Scheduler struct {
	mu    sync.Mutex
	queue eventQueue
	byKey map[string]*event
	wake  chan struct{}

	workflow Workflow
	engine   Engine
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxWait  time.Duration
}

// New returns a scheduler for wf and, when engine is non-nil, for block
// proposals as well.
func New(wf Workflow, engine Engine, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Hour
	}

	s := &Scheduler{
		byKey:    make(map[string]*event),
		wake:     make(chan struct{}, 1),
		workflow: wf,
		engine:   engine,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		maxWait:  cfg.MaxWait,
	}
	heap.Init(&s.queue)
	return s
}

// Track schedules the reminder and deadline of a pending request. It
// implements membership.Watcher.
func (s *Scheduler) Track(req membership.Request) {
	if req.Status != membership.StatusPending {
		return
	}

	timing := s.workflow.Timing()
	var events []*event
	if at, ok := timing.ReminderAt(req); ok && !req.ReminderSent {
		events = append(events, &event{at: at, kind: eventReminder, subject: req.ID})
	}
	if at, ok := timing.Deadline(req); ok {
		events = append(events, &event{at: at, kind: eventDeadline, subject: req.ID})
	}
	s.push(events...)
}

// TrackProposal schedules expiry of a proposed block.
func (s *Scheduler) TrackProposal(h consensus.BlockHandle) {
	if s.engine == nil {
		return
	}
	timeout := s.engine.ProposalTimeout()
	if timeout <= 0 {
		return
	}
	s.push(&event{
		at:      h.ProposedAt.Add(timeout),
		kind:    eventProposal,
		subject: strconv.FormatUint(h.Index, 10),
		round:   h.Round,
	})
}

// Resume re-tracks everything still open after a restart.
func (s *Scheduler) Resume() {
	pending := s.workflow.PendingRequests()
	for _, req := range pending {
		s.Track(req)
	}
	if s.engine != nil {
		if p, ok := s.engine.Current(); ok {
			s.TrackProposal(p.BlockHandle)
		}
	}
	s.logger.Debug("Scheduler resumed", "requests", len(pending), "events", s.Len())
}

func (s *Scheduler) push(events ...*event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	for _, e := range events {
		s.queue.schedule(s.byKey, e)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Next returns the earliest wake time.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next := s.queue.peek(); next != nil {
		return next.at, true
	}
	return time.Time{}, false
}

// Sweep fires every event due at now and returns how many changed state.
// Events whose subject was already resolved are dropped silently.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	due := s.queue.due(s.byKey, now)
	s.mu.Unlock()

	fired := 0
	var retry []*event
	for _, e := range due {
		changed, err := s.fire(ctx, e, now)
		if err != nil {
			s.logger.Error("Scheduled transition failed",
				"event", e.kind.String(),
				"subject", e.subject,
				"error", err,
			)
			retry = append(retry, &event{at: now.Add(retryDelay), kind: e.kind, subject: e.subject, round: e.round})
			continue
		}
		if changed {
			fired++
		}
	}
	s.push(retry...)
	return fired
}

func (s *Scheduler) fire(ctx context.Context, e *event, now time.Time) (bool, error) {
	switch e.kind {
	case eventReminder:
		req, sent, err := s.workflow.MarkReminder(e.subject, now)
		if err != nil || !sent {
			return false, err
		}
		s.notify(ctx, req)
		return true, nil

	case eventDeadline:
		req, rejected, err := s.workflow.AutoReject(e.subject, now)
		if err != nil || !rejected {
			return false, err
		}
		s.logger.Info("Membership request timed out", "request", req.ID, "candidate", req.Candidate)
		return true, nil

	case eventProposal:
		if s.engine == nil {
			return false, nil
		}
		b, expired, err := s.engine.Expire(e.round, now)
		if err != nil || !expired {
			return false, err
		}
		s.logger.Info("Block proposal expired", "index", b.Index, "round", e.round)
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) notify(ctx context.Context, req membership.Request) {
	if s.notifier == nil {
		return
	}
	deadline, _ := s.workflow.Timing().Deadline(req)
	if err := s.notifier.SendReminder(ctx, req, deadline); err != nil {
		s.metrics.NotificationFailed()
		s.logger.Warn("Failed to send reminder", "request", req.ID, "error", err)
	}
}

// Run sleeps until the earliest scheduled event, sweeps, and repeats until
// ctx is cancelled. Newly tracked events wake it early.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "events", s.Len())

	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()

	for {
		s.Sweep(ctx, s.clock.Now())

		wait := s.maxWait
		if next, ok := s.Next(); ok {
			wait = min(max(next.Sub(s.clock.Now()), 0), s.maxWait)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}
	}
}
