package membership

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/quorum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPersister struct {
	mu       sync.Mutex
	members  map[string]Member
	requests map[string]Request
	order    []string
	failNext error
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{
		members:  make(map[string]Member),
		requests: make(map[string]Request),
	}
}

func (m *memoryPersister) fail() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memoryPersister) SaveMember(mem *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.members[mem.ID] = *mem
	return nil
}

func (m *memoryPersister) SaveRequest(r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.requests[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *memoryPersister) SaveAdmission(mem *Member, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.members[mem.ID] = *mem
	if _, ok := m.requests[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *memoryPersister) LoadMembers() ([]*Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Member, 0, len(m.members))
	for _, mem := range m.members {
		c := mem
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryPersister) LoadRequests() ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, 0, len(m.order))
	for _, id := range m.order {
		c := m.requests[id]
		out = append(out, &c)
	}
	return out, nil
}

type recordingRecorder struct {
	mu  sync.Mutex
	txs []ledger.Transaction
}

func (r *recordingRecorder) Record(tx ledger.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
	return nil
}

func (r *recordingRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.txs))
	for _, tx := range r.txs {
		out = append(out, tx.Kind)
	}
	return out
}

type trackingWatcher struct {
	mu      sync.Mutex
	tracked []string
}

func (w *trackingWatcher) Track(r Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked = append(w.tracked, r.ID)
}

type fixture struct {
	clock     *clock.Fake
	persister *memoryPersister
	registry  *Registry
	workflow  *Workflow
	recorder  *recordingRecorder
}

func newFixture(t *testing.T, voters ...string) *fixture {
	t.Helper()

	clk := clock.NewFake(start)
	p := newMemoryPersister()
	reg := NewRegistry(p, clk, nil)
	if len(voters) > 0 {
		founders := make([]Member, 0, len(voters))
		for _, v := range voters {
			founders = append(founders, Member{ID: v, Role: RoleVoter})
		}
		_, err := reg.Bootstrap(founders...)
		require.NoError(t, err)
	}

	wf := NewWorkflow(reg, WorkflowConfig{
		Timing: Timing{Timeout: 60 * time.Second, ReminderLead: 20 * time.Second},
		Clock:  clk,
	})
	rec := &recordingRecorder{}
	wf.SetRecorder(rec)

	return &fixture{clock: clk, persister: p, registry: reg, workflow: wf, recorder: rec}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, "alice")
	watcher := &trackingWatcher{}
	f.workflow.SetWatcher(watcher)

	req, err := f.workflow.Submit("carol", "Carol", RoleVoter)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, start, req.SubmittedAt)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, []string{req.ID}, watcher.tracked)

	m, ok := f.registry.Get("carol")
	require.True(t, ok)
	assert.Equal(t, StatusPending, m.Status)

	assert.Len(t, f.workflow.PendingRequests(), 1)
	assert.Contains(t, f.persister.requests, req.ID)
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t, "alice")

	_, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	_, err = f.workflow.Submit("carol", "", RoleNonVoter)
	assert.True(t, errors.Is(err, ErrDuplicateMembershipRequest), "pending candidate")

	_, err = f.workflow.Submit("alice", "", RoleVoter)
	assert.True(t, errors.Is(err, ErrDuplicateMembershipRequest), "active member")

	assert.Len(t, f.workflow.PendingRequests(), 1)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, "alice")
	f.workflow.validator = HexAddress

	_, err := f.workflow.Submit("not-an-address", "", RoleVoter)
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = f.workflow.Submit("0x52908400098527886E0F7030069857D2E4169EE7", "", Role("admin"))
	assert.Error(t, err)

	assert.Empty(t, f.workflow.Requests())
}

func TestSubmitPersistFailureIsNoop(t *testing.T) {
	f := newFixture(t, "alice")
	f.persister.failNext = errors.New("disk full")

	_, err := f.workflow.Submit("carol", "", RoleVoter)
	require.Error(t, err)

	_, ok := f.registry.Get("carol")
	assert.False(t, ok)
	assert.Empty(t, f.workflow.Requests())
}

func TestVoteApproveQuorum(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "Carol", RoleVoter)
	require.NoError(t, err)

	got, err := f.workflow.CastVote(req.ID, "a", quorum.Approve)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 3, got.VoterSnapshot)
	assert.Equal(t, 2, got.Required)

	got, err = f.workflow.CastVote(req.ID, "b", quorum.Approve)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, ReasonVoted, got.Reason)

	assert.True(t, f.registry.IsActiveVoter("carol"))
	assert.Empty(t, f.workflow.PendingRequests())
	assert.Empty(t, f.workflow.RejectedRequests())
	assert.Equal(t, []string{ledger.KindMembershipApproved}, f.recorder.kinds())

	stored := f.persister.members["carol"]
	assert.Equal(t, StatusActive, stored.Status)
}

func TestVoteRejectQuorum(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	_, err = f.workflow.CastVote(req.ID, "a", quorum.Reject)
	require.NoError(t, err)
	got, err := f.workflow.CastVote(req.ID, "b", quorum.Reject)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ReasonVoted, got.Reason)

	rejected := f.workflow.RejectedRequests()
	require.Len(t, rejected, 1)
	assert.Equal(t, req.ID, rejected[0].ID)

	m, _ := f.registry.Get("carol")
	assert.Equal(t, StatusRejected, m.Status)

	// A rejected candidate may apply again.
	_, err = f.workflow.Submit("carol", "", RoleVoter)
	assert.NoError(t, err)
}

func TestVoteErrors(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	t.Run("unknown request", func(t *testing.T) {
		_, err := f.workflow.CastVote("nope", "a", quorum.Approve)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("unauthorized voter", func(t *testing.T) {
		_, err := f.workflow.CastVote(req.ID, "carol", quorum.Approve)
		assert.ErrorIs(t, err, ErrUnauthorizedVoter)
		_, err = f.workflow.CastVote(req.ID, "stranger", quorum.Approve)
		assert.ErrorIs(t, err, ErrUnauthorizedVoter)
	})

	t.Run("duplicate vote", func(t *testing.T) {
		_, err := f.workflow.CastVote(req.ID, "a", quorum.Reject)
		require.NoError(t, err)

		_, err = f.workflow.CastVote(req.ID, "a", quorum.Approve)
		assert.ErrorIs(t, err, ErrDuplicateVote)

		got, err := f.workflow.Request(req.ID)
		require.NoError(t, err)
		assert.Len(t, got.Votes, 1, "duplicate vote leaves the tally unchanged")
	})

	t.Run("invalid decision", func(t *testing.T) {
		_, err := f.workflow.CastVote(req.ID, "b", quorum.Decision("maybe"))
		assert.Error(t, err)
	})

	t.Run("not pending", func(t *testing.T) {
		_, _, err := f.workflow.Withdraw(req.ID)
		require.NoError(t, err)

		_, err = f.workflow.CastVote(req.ID, "b", quorum.Approve)
		assert.ErrorIs(t, err, ErrRequestNotPending)
		assert.ErrorIs(t, err, ErrInvalidState)

		// The voter already recorded on the request gets an idempotent replay.
		got, err := f.workflow.CastVote(req.ID, "a", quorum.Reject)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, got.Status)
	})
}

func TestQuorumSnapshotFixedAtFirstVote(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	first, err := f.workflow.Submit("dave", "", RoleVoter)
	require.NoError(t, err)
	second, err := f.workflow.Submit("erin", "", RoleVoter)
	require.NoError(t, err)

	// Three voters when voting on dave's request opens: two approvals needed.
	_, err = f.workflow.CastVote(first.ID, "a", quorum.Approve)
	require.NoError(t, err)

	// Erin joins in the meantime, growing the live population to four.
	_, err = f.workflow.CastVote(second.ID, "a", quorum.Approve)
	require.NoError(t, err)
	_, err = f.workflow.CastVote(second.ID, "b", quorum.Approve)
	require.NoError(t, err)
	require.Equal(t, 4, f.registry.ActiveVoterCount())

	got, err := f.workflow.CastVote(first.ID, "erin", quorum.Approve)
	require.NoError(t, err)
	assert.Equal(t, 3, got.VoterSnapshot)
	assert.Equal(t, 2, got.Required)
	assert.Equal(t, StatusActive, got.Status)
}

func TestSingleFounderApprovesAlone(t *testing.T) {
	f := newFixture(t, "founder")

	req, err := f.workflow.Submit("second", "", RoleVoter)
	require.NoError(t, err)

	got, err := f.workflow.CastVote(req.ID, "founder", quorum.Approve)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Required)
	assert.Equal(t, StatusActive, got.Status)
}

func TestAutoReject(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	_, changed, err := f.workflow.AutoReject(req.ID, start.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, changed, "deadline not reached")

	got, changed, err := f.workflow.AutoReject(req.ID, start.Add(60*time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, ReasonTimeout, got.Reason)

	_, changed, err = f.workflow.AutoReject(req.ID, start.Add(61*time.Second))
	require.NoError(t, err)
	assert.False(t, changed, "second auto-reject is a no-op")

	assert.Equal(t, []string{ledger.KindMembershipRejected}, f.recorder.kinds())
}

func TestAutoRejectDisabled(t *testing.T) {
	f := newFixture(t, "a")
	f.workflow.timing = Timing{}

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	_, changed, err := f.workflow.AutoReject(req.ID, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkReminderOnce(t *testing.T) {
	f := newFixture(t, "a")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	_, sent, err := f.workflow.MarkReminder(req.ID, start.Add(39*time.Second))
	require.NoError(t, err)
	assert.False(t, sent)

	got, sent, err := f.workflow.MarkReminder(req.ID, start.Add(40*time.Second))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, got.ReminderSent)

	_, sent, err = f.workflow.MarkReminder(req.ID, start.Add(41*time.Second))
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Equal(t, []string{ledger.KindMembershipReminder}, f.recorder.kinds())
	assert.True(t, f.persister.requests[req.ID].ReminderSent)
}

func TestWithdrawIdempotent(t *testing.T) {
	f := newFixture(t, "a")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	got, changed, err := f.workflow.Withdraw(req.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ReasonWithdrawn, got.Reason)

	_, changed, err = f.workflow.Withdraw(req.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = f.workflow.Withdraw("missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestVotePersistFailureRollsBack(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)

	f.persister.failNext = errors.New("disk full")
	_, err = f.workflow.CastVote(req.ID, "a", quorum.Approve)
	require.Error(t, err)

	got, err := f.workflow.Request(req.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Votes)
	assert.Zero(t, got.Required)

	_, err = f.workflow.CastVote(req.ID, "a", quorum.Approve)
	assert.NoError(t, err, "the same vote succeeds once storage recovers")
}

func TestVoteRacesDeadline(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, "a")

		req, err := f.workflow.Submit("carol", "", RoleVoter)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var voted Request
		var voteErr error
		var rejected bool

		wg.Add(2)
		go func() {
			defer wg.Done()
			voted, voteErr = f.workflow.CastVote(req.ID, "a", quorum.Approve)
		}()
		go func() {
			defer wg.Done()
			_, rejected, _ = f.workflow.AutoReject(req.ID, start.Add(time.Minute))
		}()
		wg.Wait()

		final, err := f.workflow.Request(req.ID)
		require.NoError(t, err)

		if rejected {
			assert.Equal(t, StatusRejected, final.Status)
			assert.ErrorIs(t, voteErr, ErrRequestNotPending)
		} else {
			require.NoError(t, voteErr)
			assert.Equal(t, StatusActive, voted.Status)
			assert.Equal(t, StatusActive, final.Status)
		}
		assert.Len(t, f.recorder.kinds(), 1, "exactly one terminal transition")
	}
}

func TestConcurrentVotesFinalizeOnce(t *testing.T) {
	voters := []string{"a", "b", "c", "d", "e"}
	f := newFixture(t, voters...)

	req, err := f.workflow.Submit("zed", "", RoleVoter)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, v := range voters {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			_, _ = f.workflow.CastVote(req.ID, v, quorum.Approve)
		}(v)
	}
	wg.Wait()

	final, err := f.workflow.Request(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, final.Status)
	assert.Equal(t, 3, len(final.Votes), "votes after quorum are refused")
	assert.Equal(t, []string{ledger.KindMembershipApproved}, f.recorder.kinds())
}

func TestLoadRestoresState(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	req, err := f.workflow.Submit("carol", "", RoleVoter)
	require.NoError(t, err)
	_, err = f.workflow.CastVote(req.ID, "a", quorum.Approve)
	require.NoError(t, err)

	reg := NewRegistry(f.persister, f.clock, nil)
	require.NoError(t, reg.Load())
	wf := NewWorkflow(reg, WorkflowConfig{Timing: f.workflow.Timing(), Clock: f.clock})
	require.NoError(t, wf.Load())

	restored, err := wf.Request(req.ID)
	require.NoError(t, err)
	assert.Len(t, restored.Votes, 1)
	assert.Equal(t, 2, restored.Required)

	_, err = wf.CastVote(req.ID, "a", quorum.Approve)
	assert.ErrorIs(t, err, ErrDuplicateVote, "restored tally still blocks double voting")

	got, err := wf.CastVote(req.ID, "b", quorum.Approve)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}
