package live

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/hub"
	"github.com/askroom/askroom-backend/internal/mutation"
	"github.com/askroom/askroom-backend/internal/store"
	"github.com/askroom/askroom-backend/internal/tally"
	"github.com/askroom/askroom-backend/internal/wire"
)

func newEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemory()
	applier := mutation.NewApplier(mem, mutation.Config{
		QuestionMaxLen:  280,
		SubmissionQuota: 10,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
	}, zap.NewNop())

	e := New(ctx, mem, applier, Config{
		OutboundQueueCap: 32,
		RoomGrace:        time.Hour,
		SnapshotTimeout:  time.Second,
	}, zap.NewNop())
	return e, mem
}

func seedEvent(t *testing.T, s store.Store) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.CreateEvent(context.Background(), &store.Event{
		ID: id, Title: "all hands", CreatedAt: time.Now().UTC(),
	}))
	return id
}

func seedOpenPoll(t *testing.T, s store.Store, eventID string, optionIDs ...string) string {
	t.Helper()
	pollID := uuid.NewString()
	options := make([]*store.PollOption, 0, len(optionIDs))
	for i, id := range optionIDs {
		options = append(options, &store.PollOption{ID: id, PollID: pollID, Position: i, Label: id})
	}
	require.NoError(t, s.CreatePoll(context.Background(), &store.Poll{
		ID: pollID, EventID: eventID, Prompt: "pick", Mode: store.ModeSingle,
		Status: store.PollOpen, CreatedAt: time.Now().UTC(),
	}, options))
	return pollID
}

func recvEnvelope(t *testing.T, ch <-chan wire.Envelope, within time.Duration) wire.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("update channel closed unexpectedly")
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return wire.Envelope{} // unreachable
	}
}

func recvNoEnvelope(t *testing.T, ch <-chan wire.Envelope, within time.Duration) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if ok {
			t.Fatalf("expected no envelope within %v, got %s seq=%d", within, env.Type, env.Seq)
		}
	case <-time.After(within):
	}
}

func TestJoin_UnknownEventRejected(t *testing.T) {
	e, _ := newEngine(t)
	_, _, err := e.Join(context.Background(), "no-such-event", "alice")
	assert.ErrorIs(t, err, hub.ErrUnknownRoom)
}

func TestJoin_SnapshotThenLiveDeltas(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1", "opt-2")

	token, updates, err := e.Join(ctx, eventID, "alice")
	require.NoError(t, err)
	defer e.Leave(token)

	snap := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, wire.KindSnapshot, snap.Type)
	assert.Equal(t, eventID, snap.EventID)
	assert.Equal(t, uint64(0), snap.Seq)

	upd, err := e.CastVote(ctx, pollID, "alice", []string{"opt-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, upd.Tally[0].Count)

	delta := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, wire.KindPollUpdate, delta.Type)
	assert.Equal(t, pollID, delta.TargetID)
	assert.Equal(t, uint64(1), delta.Seq)
}

func TestConcurrentVotes_TallyCountsEveryone(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1", "opt-2")

	token, updates, err := e.Join(ctx, eventID, "observer")
	require.NoError(t, err)
	defer e.Leave(token)
	_ = recvEnvelope(t, updates, time.Second) // snapshot

	votes := map[string]string{"a": "opt-1", "b": "opt-2", "c": "opt-1"}
	var wg sync.WaitGroup
	for participant, option := range votes {
		wg.Add(1)
		go func(participant, option string) {
			defer wg.Done()
			_, err := e.CastVote(ctx, pollID, participant, []string{option})
			assert.NoError(t, err)
		}(participant, option)
	}
	wg.Wait()

	// One delta per committed vote, in room order.
	for want := uint64(1); want <= 3; want++ {
		env := recvEnvelope(t, updates, time.Second)
		assert.Equal(t, want, env.Seq)
	}

	snap, err := e.Snapshot(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, snap.Polls, 1)
	got := snap.Polls[0].Tally
	require.Len(t, got, 2)
	assert.Equal(t, tally.OptionTally{OptionID: "opt-1", Label: "opt-1", Count: 2, Percent: 66.7}, got[0])
	assert.Equal(t, tally.OptionTally{OptionID: "opt-2", Label: "opt-2", Count: 1, Percent: 33.3}, got[1])
}

// laggedStore hands out one stale read: the first ListResponses call after
// arming reads immediately but holds its result until released, as if the
// goroutine were scheduled late.
type laggedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *laggedStore) ListResponses(ctx context.Context, pollID string) ([]*store.PollResponse, error) {
	out, err := s.Store.ListResponses(ctx, pollID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return out, err
}

func waitForResponses(t *testing.T, s store.Store, pollID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		rs, err := s.ListResponses(context.Background(), pollID)
		require.NoError(t, err)
		if len(rs) >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d responses, have %d", want, len(rs))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCastVote_LaggedRecomputeNeverLeavesStaleTally(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemory()
	lagged := &laggedStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	applier := mutation.NewApplier(lagged, mutation.Config{
		QuestionMaxLen:  280,
		SubmissionQuota: 10,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
	}, zap.NewNop())
	e := New(ctx, lagged, applier, Config{
		OutboundQueueCap: 32,
		RoomGrace:        time.Hour,
		SnapshotTimeout:  5 * time.Second,
	}, zap.NewNop())

	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1", "opt-2")

	token, updates, err := e.Join(ctx, eventID, "observer")
	require.NoError(t, err)
	defer e.Leave(token)
	_ = recvEnvelope(t, updates, time.Second) // snapshot

	// Alice's vote commits and its recompute reads exactly one response,
	// then the read result sits in flight.
	lagged.armed.Store(true)
	aliceDone := make(chan error, 1)
	go func() {
		_, err := e.CastVote(ctx, pollID, "alice", []string{"opt-1"})
		aliceDone <- err
	}()
	<-lagged.entered

	// Bob's vote commits while alice's stale read is still held back; only
	// then does alice's recompute finish.
	bobDone := make(chan error, 1)
	go func() {
		_, err := e.CastVote(ctx, pollID, "bob", []string{"opt-2"})
		bobDone <- err
	}()
	waitForResponses(t, mem, pollID, 2)
	close(lagged.release)

	require.NoError(t, <-aliceDone)
	require.NoError(t, <-bobDone)

	// Two deltas go out; whatever interleaving happened, the last one must
	// match durable truth, or every member converges on a stale tally.
	first := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, uint64(1), first.Seq)
	last := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, uint64(2), last.Seq)

	upd, ok := last.Payload.(wire.PollUpdate)
	require.True(t, ok)
	total := 0
	for _, o := range upd.Tally {
		total += o.Count
	}
	assert.Equal(t, 2, total)
}

func TestResync_ReflectsEveryMissedMutation(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1", "opt-2")

	token, updates, err := e.Join(ctx, eventID, "alice")
	require.NoError(t, err)
	_ = recvEnvelope(t, updates, time.Second)
	e.Leave(token)

	// Everything below happens while alice is disconnected.
	_, err = e.CastVote(ctx, pollID, "bob", []string{"opt-2"})
	require.NoError(t, err)
	q, err := e.SubmitQuestion(ctx, eventID, "bob", "when do we ship?")
	require.NoError(t, err)
	_, err = e.ModerateQuestion(ctx, q.ID, mutation.DecisionApprove)
	require.NoError(t, err)
	_, err = e.UpvoteQuestion(ctx, q.ID, "carol")
	require.NoError(t, err)

	token2, updates2, err := e.Join(ctx, eventID, "alice")
	require.NoError(t, err)
	defer e.Leave(token2)

	env := recvEnvelope(t, updates2, time.Second)
	require.Equal(t, wire.KindSnapshot, env.Type)
	snap, ok := env.Payload.(wire.Snapshot)
	require.True(t, ok)

	require.Len(t, snap.Polls, 1)
	assert.Equal(t, 1, snap.Polls[0].Tally[1].Count)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, q.ID, snap.Queue[0].QuestionID)
	assert.Equal(t, 1, snap.Queue[0].Upvotes)
}

func TestSubmitIsSilent_ApprovalBroadcasts(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)

	token, updates, err := e.Join(ctx, eventID, "host")
	require.NoError(t, err)
	defer e.Leave(token)
	_ = recvEnvelope(t, updates, time.Second)

	q, err := e.SubmitQuestion(ctx, eventID, "alice", "is this visible yet?")
	require.NoError(t, err)
	recvNoEnvelope(t, updates, 50*time.Millisecond)

	// Pending questions do show up for the host.
	view, err := e.ModerationView(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, store.QuestionPending, view[0].Status)

	_, err = e.ModerateQuestion(ctx, q.ID, mutation.DecisionApprove)
	require.NoError(t, err)
	env := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, wire.KindQuestionUpdate, env.Type)

	queue, ok := env.Payload.([]tally.QuestionSummary)
	require.True(t, ok)
	require.Len(t, queue, 1)
	assert.Equal(t, q.ID, queue[0].QuestionID)
}

func TestRejectionFromPendingStaysInvisible(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)

	token, updates, err := e.Join(ctx, eventID, "host")
	require.NoError(t, err)
	defer e.Leave(token)
	_ = recvEnvelope(t, updates, time.Second)

	q, err := e.SubmitQuestion(ctx, eventID, "alice", "spam")
	require.NoError(t, err)
	_, err = e.ModerateQuestion(ctx, q.ID, mutation.DecisionReject)
	require.NoError(t, err)

	// Rejecting a pending question changes nothing attendees can see.
	recvNoEnvelope(t, updates, 50*time.Millisecond)
}

func TestClosePoll_BroadcastsAndStopsVotes(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1")

	token, updates, err := e.Join(ctx, eventID, "alice")
	require.NoError(t, err)
	defer e.Leave(token)
	_ = recvEnvelope(t, updates, time.Second)

	upd, err := e.SetPollStatus(ctx, pollID, store.PollClosed)
	require.NoError(t, err)
	assert.Equal(t, store.PollClosed, upd.Status)

	env := recvEnvelope(t, updates, time.Second)
	assert.Equal(t, wire.KindPollUpdate, env.Type)

	_, err = e.CastVote(ctx, pollID, "alice", []string{"opt-1"})
	assert.ErrorIs(t, err, store.ErrPollNotOpen)
}

func TestHubShutdown_CallersNeverBlock(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1")

	token, updates, err := e.Join(ctx, eventID, "alice")
	require.NoError(t, err)
	_ = recvEnvelope(t, updates, time.Second)

	e.Hub().Inbox() <- hub.ShutdownHub{}
	<-e.Hub().Done()

	// The hub inbox has no reader anymore; every engine call must still
	// return instead of queueing into it forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Leave(token)
		upd, err := e.CastVote(ctx, pollID, "alice", []string{"opt-1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, upd.Tally[0].Count)
		_, _, err = e.Join(ctx, eventID, "bob")
		assert.Error(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine calls blocked after hub shutdown")
	}
}

func TestReconcilePoll_RepairsDriftedCounter(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)
	pollID := seedOpenPoll(t, mem, eventID, "opt-1")

	_, err := e.CastVote(ctx, pollID, "alice", []string{"opt-1"})
	require.NoError(t, err)

	// Simulate drift from a partial failure.
	require.NoError(t, mem.SetOptionVoteCount(ctx, "opt-1", 40))

	drifted, err := e.ReconcilePoll(ctx, pollID)
	require.NoError(t, err)
	assert.True(t, drifted)

	options, err := mem.ListOptions(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, 1, options[0].VoteCount)

	// Second pass finds nothing to fix.
	drifted, err = e.ReconcilePoll(ctx, pollID)
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestReconcileQuestion_RepairsDriftedCounter(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()
	eventID := seedEvent(t, mem)

	q, err := e.SubmitQuestion(ctx, eventID, "alice", "counts ok?")
	require.NoError(t, err)
	_, err = e.ModerateQuestion(ctx, q.ID, mutation.DecisionApprove)
	require.NoError(t, err)
	_, err = e.UpvoteQuestion(ctx, q.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, mem.SetQuestionUpvoteCount(ctx, q.ID, 7))

	drifted, err := e.ReconcileQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, drifted)

	got, err := mem.GetQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UpvoteCount)
}
