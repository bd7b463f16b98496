package membership

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/povledger/povledger/internal/clock"
)

// Persister durably records members and requests. SaveAdmission must write
// both records atomically.
type Persister interface {
	SaveMember(m *Member) error
	SaveRequest(r *Request) error
	SaveAdmission(m *Member, r *Request) error
	LoadMembers() ([]*Member, error)
	LoadRequests() ([]*Request, error)
}

// Registry is the authoritative set of members. Member status changes only
// through Bootstrap and the Workflow.
type Registry struct {
	mu        sync.RWMutex
	members   map[string]*Member
	order     []string
	persister Persister
	clock     clock.Clock
	logger    *slog.Logger
}

func NewRegistry(persister Persister, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		members:   make(map[string]*Member),
		order:     make([]string, 0),
		persister: persister,
		clock:     clk,
		logger:    logger,
	}
}

// Load replaces the in-memory set with the persisted members.
func (r *Registry) Load() error {
	if r.persister == nil {
		return nil
	}

	members, err := r.persister.LoadMembers()
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[string]*Member, len(members))
	r.order = r.order[:0]
	for _, m := range members {
		r.putLocked(m)
	}

	r.logger.Debug("Member registry loaded", "members", len(members))
	return nil
}

// Bootstrap admits the founding members directly as Active. It is only
// allowed while nobody is Active yet.
func (r *Registry) Bootstrap(founders ...Member) ([]Member, error) {
	if len(founders) == 0 {
		return nil, fmt.Errorf("at least one founding member is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if m.Status == StatusActive {
			return nil, ErrAlreadyBootstrapped
		}
	}

	seen := make(map[string]bool, len(founders))
	for _, f := range founders {
		if strings.TrimSpace(f.ID) == "" {
			return nil, fmt.Errorf("founding member id is required")
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("duplicate founding member: %s", f.ID)
		}
		seen[f.ID] = true
	}

	now := r.clock.Now()
	admitted := make([]Member, 0, len(founders))
	for _, f := range founders {
		m := f
		if m.Role == "" {
			m.Role = RoleVoter
		}
		m.Status = StatusActive
		m.JoinedAt = now

		if r.persister != nil {
			if err := r.persister.SaveMember(&m); err != nil {
				return admitted, fmt.Errorf("failed to persist founding member %s: %w", m.ID, err)
			}
		}
		r.putLocked(&m)
		admitted = append(admitted, m)
	}

	r.logger.Info("Registry bootstrapped", "founders", len(admitted))
	return admitted, nil
}

func (r *Registry) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns the Active members in admission order.
func (r *Registry) Members() []Member {
	return r.filter(func(m *Member) bool { return m.Status == StatusActive })
}

// All returns every member record, including pending and rejected candidates.
func (r *Registry) All() []Member {
	return r.filter(func(*Member) bool { return true })
}

func (r *Registry) filter(keep func(*Member) bool) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		if m := r.members[id]; keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	return ok && m.Status == StatusActive
}

func (r *Registry) IsActiveVoter(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	return ok && m.Status == StatusActive && m.Role == RoleVoter
}

// ActiveVoterCount counts Active voter-role members, skipping exclude.
func (r *Registry) ActiveVoterCount(exclude ...string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id, m := range r.members {
		if m.Status != StatusActive || m.Role != RoleVoter {
			continue
		}
		if contains(exclude, id) {
			continue
		}
		n++
	}
	return n
}

func (r *Registry) put(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(m)
}

func (r *Registry) putLocked(m *Member) {
	c := *m
	if _, ok := r.members[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.members[c.ID] = &c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
