// Package live wires the pieces into the synchronization core: mutations go
// through the applier, the affected slice is recomputed by the tally engine,
// and the result fans out to the event's room. This is the surface the thin
// transport layers call into.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/hub"
	"github.com/askroom/askroom-backend/internal/mutation"
	"github.com/askroom/askroom-backend/internal/room"
	"github.com/askroom/askroom-backend/internal/store"
	"github.com/askroom/askroom-backend/internal/tally"
	"github.com/askroom/askroom-backend/internal/wire"
)

type Config struct {
	// OutboundQueueCap bounds each connection's delivery queue; a consumer
	// that falls this far behind is dropped and must resync.
	OutboundQueueCap int
	RoomGrace        time.Duration
	SnapshotTimeout  time.Duration
}

type Engine struct {
	store   store.Store
	applier *mutation.Applier
	hub     *hub.Hub
	cfg     Config
	log     *zap.Logger
}

func New(ctx context.Context, s store.Store, applier *mutation.Applier, cfg Config, log *zap.Logger) *Engine {
	e := &Engine{store: s, applier: applier, cfg: cfg, log: log}
	e.hub = hub.NewHub(ctx, e.newRoom, log.Named("hub"))
	return e
}

func (e *Engine) Hub() *hub.Hub { return e.hub }

func (e *Engine) newRoom(parent context.Context, eventID string, onIdle func(string, *room.Room)) *room.Room {
	snapshot := func(ctx context.Context) (wire.Snapshot, error) {
		return e.Snapshot(ctx, eventID)
	}
	cfg := room.Config{Grace: e.cfg.RoomGrace, SnapshotTimeout: e.cfg.SnapshotTimeout}
	return room.New(parent, eventID, cfg, snapshot, onIdle,
		e.log.Named("room").With(zap.String("event_id", eventID)))
}

// Token identifies one room membership, returned by Join and consumed by
// Leave.
type Token struct {
	EventID string
	ConnID  string
}

// Join subscribes a connection to an event's room. The returned channel
// first delivers the full snapshot, then live deltas in room order; it is
// closed when the connection is dropped or the room shuts down. Joining a
// nonexistent event fails hub.ErrUnknownRoom.
func (e *Engine) Join(ctx context.Context, eventID, participantID string) (Token, <-chan wire.Envelope, error) {
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Token{}, nil, hub.ErrUnknownRoom
		}
		return Token{}, nil, err
	}

	reply := make(chan *room.Room, 1)
	select {
	case e.hub.Inbox() <- hub.EnsureRoom{EventID: eventID, Reply: reply}:
	case <-e.hub.Done():
		return Token{}, nil, fmt.Errorf("join %s: hub shut down", eventID)
	case <-ctx.Done():
		return Token{}, nil, ctx.Err()
	}
	var rm *room.Room
	select {
	case rm = <-reply:
	case <-e.hub.Done():
		return Token{}, nil, fmt.Errorf("join %s: hub shut down", eventID)
	case <-ctx.Done():
		return Token{}, nil, ctx.Err()
	}

	outbox := make(chan wire.Envelope, e.cfg.OutboundQueueCap)
	joinReply := make(chan room.JoinReply, 1)
	select {
	case rm.Inbox() <- room.Join{ParticipantID: participantID, Outbox: outbox, Reply: joinReply}:
	case <-rm.Done():
		return Token{}, nil, fmt.Errorf("join %s: room closed, retry", eventID)
	case <-ctx.Done():
		return Token{}, nil, ctx.Err()
	}

	select {
	case rep := <-joinReply:
		if rep.Err != nil {
			return Token{}, nil, rep.Err
		}
		return Token{EventID: eventID, ConnID: rep.ConnID}, outbox, nil
	case <-rm.Done():
		return Token{}, nil, fmt.Errorf("join %s: room closed, retry", eventID)
	case <-ctx.Done():
		return Token{}, nil, ctx.Err()
	}
}

func (e *Engine) Leave(token Token) {
	rm := e.getRoom(token.EventID)
	if rm == nil {
		return
	}
	select {
	case rm.Inbox() <- room.Leave{ConnID: token.ConnID}:
	case <-rm.Done():
	}
}

func (e *Engine) getRoom(eventID string) *room.Room {
	reply := make(chan *room.Room, 1)
	select {
	case e.hub.Inbox() <- hub.GetRoom{EventID: eventID, Reply: reply}:
	case <-e.hub.Done():
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-e.hub.Done():
		return nil
	}
}

// publishFresh routes a recompute through the event's room actor, which runs
// it and broadcasts the result in one serialized step. Without that
// serialization two concurrent mutations can publish out of commit order and
// leave every member on a stale tally that no later delta corrects. With no
// live room there is nobody to race with or deliver to, so the delta is
// computed directly for the caller.
func (e *Engine) publishFresh(ctx context.Context, eventID string, compute func(context.Context) (wire.Delta, error)) (wire.Delta, error) {
	rm := e.getRoom(eventID)
	if rm == nil {
		return compute(ctx)
	}
	reply := make(chan room.FreshReply, 1)
	select {
	case rm.Inbox() <- room.PublishFresh{Compute: compute, Reply: reply}:
	case <-rm.Done():
		return compute(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-reply:
		return rep.Delta, rep.Err
	case <-rm.Done():
		return compute(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// freshPoll recomputes one poll's tally and broadcasts it in room order,
// returning the exact delta the members received.
func (e *Engine) freshPoll(ctx context.Context, eventID, pollID string) (*wire.PollUpdate, error) {
	d, err := e.publishFresh(ctx, eventID, func(ctx context.Context) (wire.Delta, error) {
		upd, err := e.pollUpdate(ctx, pollID)
		if err != nil {
			return nil, err
		}
		return *upd, nil
	})
	if err != nil {
		return nil, err
	}
	upd := d.(wire.PollUpdate)
	return &upd, nil
}

// freshQueue does the same for the event's visible question queue.
func (e *Engine) freshQueue(ctx context.Context, eventID string) (*wire.QuestionUpdate, error) {
	d, err := e.publishFresh(ctx, eventID, func(ctx context.Context) (wire.Delta, error) {
		upd, err := e.questionUpdate(ctx, eventID)
		if err != nil {
			return nil, err
		}
		return *upd, nil
	})
	if err != nil {
		return nil, err
	}
	upd := d.(wire.QuestionUpdate)
	return &upd, nil
}

// CastVote applies a vote and broadcasts the recomputed tally. The delta is
// also returned to the caller synchronously.
func (e *Engine) CastVote(ctx context.Context, pollID, participantID string, optionIDs []string) (*wire.PollUpdate, error) {
	res, err := e.applier.CastVote(ctx, pollID, participantID, optionIDs)
	if err != nil {
		return nil, err
	}
	return e.freshPoll(ctx, res.EventID, res.PollID)
}

// SubmitQuestion creates a pending question. Nothing is broadcast: pending
// questions only appear in the host moderation view.
func (e *Engine) SubmitQuestion(ctx context.Context, eventID, participantID, text string) (*store.Question, error) {
	res, err := e.applier.SubmitQuestion(ctx, eventID, participantID, text)
	if err != nil {
		return nil, err
	}
	return res.Question, nil
}

// ModerateQuestion approves or rejects a pending question. An approval
// changes the attendee-visible queue, so only that case broadcasts.
func (e *Engine) ModerateQuestion(ctx context.Context, questionID string, decision mutation.Decision) (*store.Question, error) {
	res, err := e.applier.ModerateQuestion(ctx, questionID, decision)
	if err != nil {
		return nil, err
	}
	if res.Changed && res.Question.Status == store.QuestionApproved {
		if _, err := e.freshQueue(ctx, res.Question.EventID); err != nil {
			return nil, err
		}
	}
	return res.Question, nil
}

// UpvoteQuestion records an upvote and broadcasts the re-ranked queue.
func (e *Engine) UpvoteQuestion(ctx context.Context, questionID, participantID string) (*wire.QuestionUpdate, error) {
	res, err := e.applier.UpvoteQuestion(ctx, questionID, participantID)
	if err != nil {
		return nil, err
	}
	return e.freshQueue(ctx, res.Question.EventID)
}

// MarkAnswered flags a question as answered; it stays in the queue, flagged.
func (e *Engine) MarkAnswered(ctx context.Context, questionID string, answered bool) (*store.Question, error) {
	res, err := e.applier.MarkAnswered(ctx, questionID, answered)
	if err != nil {
		return nil, err
	}
	if _, err := e.freshQueue(ctx, res.Question.EventID); err != nil {
		return nil, err
	}
	return res.Question, nil
}

// SetPollStatus transitions a poll (open, close) and broadcasts its tally
// with the new status so clients can stop or start accepting votes.
func (e *Engine) SetPollStatus(ctx context.Context, pollID string, status store.PollStatus) (*wire.PollUpdate, error) {
	p, err := e.store.SetPollStatus(ctx, pollID, status)
	if err != nil {
		return nil, err
	}
	return e.freshPoll(ctx, p.EventID, pollID)
}

// ModerationView is the host projection: every question, all statuses.
func (e *Engine) ModerationView(ctx context.Context, eventID string) ([]tally.ModeratedQuestion, error) {
	qs, err := e.store.ListQuestions(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return tally.ModerationView(qs), nil
}

// Snapshot computes the full current state for an event: every non-draft
// poll's tally plus the visible question queue.
func (e *Engine) Snapshot(ctx context.Context, eventID string) (wire.Snapshot, error) {
	polls, err := e.store.ListPolls(ctx, eventID)
	if err != nil {
		return wire.Snapshot{}, err
	}
	snap := wire.Snapshot{Polls: []wire.PollUpdate{}}
	for _, p := range polls {
		if p.Status == store.PollDraft {
			continue
		}
		upd, err := e.pollUpdate(ctx, p.ID)
		if err != nil {
			return wire.Snapshot{}, err
		}
		snap.Polls = append(snap.Polls, *upd)
	}
	qu, err := e.questionUpdate(ctx, eventID)
	if err != nil {
		return wire.Snapshot{}, err
	}
	snap.Queue = qu.Queue
	return snap, nil
}

// pollUpdate recomputes one poll's tally from raw response records. Cached
// option counters are never trusted here: the broadcast always carries the
// recomputed numbers, and drifted caches are repaired by ReconcilePoll.
func (e *Engine) pollUpdate(ctx context.Context, pollID string) (*wire.PollUpdate, error) {
	p, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	options, err := e.store.ListOptions(ctx, pollID)
	if err != nil {
		return nil, err
	}
	responses, err := e.store.ListResponses(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return &wire.PollUpdate{
		PollID: p.ID,
		Prompt: p.Prompt,
		Mode:   p.Mode,
		Status: p.Status,
		Tally:  tally.Poll(options, responses),
	}, nil
}

func (e *Engine) questionUpdate(ctx context.Context, eventID string) (*wire.QuestionUpdate, error) {
	qs, err := e.store.ListQuestions(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &wire.QuestionUpdate{Queue: tally.Queue(qs)}, nil
}

// ReconcilePoll recounts one poll's responses and repairs any drifted cached
// counter. Meant to run periodically or on demand, not only when a broadcast
// happens to notice.
func (e *Engine) ReconcilePoll(ctx context.Context, pollID string) (drifted bool, err error) {
	options, err := e.store.ListOptions(ctx, pollID)
	if err != nil {
		return false, err
	}
	responses, err := e.store.ListResponses(ctx, pollID)
	if err != nil {
		return false, err
	}
	counts := tally.CountByOption(responses)
	for _, o := range options {
		if o.VoteCount == counts[o.ID] {
			continue
		}
		drifted = true
		e.log.Error("reconcile: cached vote count drifted",
			zap.String("poll_id", pollID), zap.String("option_id", o.ID),
			zap.Int("cached", o.VoteCount), zap.Int("actual", counts[o.ID]))
		if err := e.store.SetOptionVoteCount(ctx, o.ID, counts[o.ID]); err != nil {
			return drifted, err
		}
	}
	return drifted, nil
}

// ReconcileQuestion does the same for one question's upvote counter.
func (e *Engine) ReconcileQuestion(ctx context.Context, questionID string) (drifted bool, err error) {
	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return false, err
	}
	actual, err := e.store.CountUpvotes(ctx, questionID)
	if err != nil {
		return false, err
	}
	if q.UpvoteCount == actual {
		return false, nil
	}
	e.log.Error("reconcile: cached upvote count drifted",
		zap.String("question_id", questionID),
		zap.Int("cached", q.UpvoteCount), zap.Int("actual", actual))
	return true, e.store.SetQuestionUpvoteCount(ctx, questionID, actual)
}
