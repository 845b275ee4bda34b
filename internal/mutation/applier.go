// Package mutation applies write intents against the durable store with the
// engine's correctness rules: typed rejections for caller errors, bounded
// retry with backoff for transient storage faults. Every successful operation
// returns the identifiers needed to recompute only the affected slice.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/store"
)

// ErrStorageUnavailable surfaces after the retry budget is exhausted on a
// transient storage fault.
var ErrStorageUnavailable = errors.New("storage unavailable")

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type Config struct {
	// QuestionMaxLen is the character limit for submitted question text.
	QuestionMaxLen int
	// SubmissionQuota is the per-participant question cap per event.
	SubmissionQuota int
	// RetryAttempts and RetryBackoff bound the transient-fault retry loop.
	RetryAttempts int
	RetryBackoff  time.Duration
}

type Applier struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
}

func NewApplier(s store.Store, cfg Config, log *zap.Logger) *Applier {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Applier{store: s, cfg: cfg, log: log}
}

// VoteResult identifies the poll a delta must be recomputed for.
type VoteResult struct {
	PollID  string
	EventID string
}

// QuestionResult identifies the question affected and its event.
type QuestionResult struct {
	Question *store.Question
	// Changed is false when a moderation command was a duplicate no-op.
	Changed bool
}

// CastVote applies a vote to an open poll. Single-select mode requires
// exactly one option and supersedes any prior response atomically;
// multi-select mode inserts each not-yet-recorded option and treats
// duplicates as an idempotent no-op.
func (a *Applier) CastVote(ctx context.Context, pollID, participantID string, optionIDs []string) (*VoteResult, error) {
	poll, err := withRetry(ctx, a, "get poll", func() (*store.Poll, error) {
		return a.store.GetPoll(ctx, pollID)
	})
	if err != nil {
		return nil, err
	}
	if poll.Status != store.PollOpen {
		return nil, store.ErrPollNotOpen
	}

	switch poll.Mode {
	case store.ModeSingle:
		if len(optionIDs) != 1 {
			return nil, fmt.Errorf("%w: single-select poll takes exactly one option, got %d",
				store.ErrInvalidSelection, len(optionIDs))
		}
		err = withRetryVoid(ctx, a, "replace response", func() error {
			return a.store.ReplaceResponse(ctx, pollID, participantID, optionIDs[0])
		})
	case store.ModeMulti:
		if len(optionIDs) == 0 {
			return nil, fmt.Errorf("%w: no options selected", store.ErrInvalidSelection)
		}
		err = withRetryVoid(ctx, a, "add responses", func() error {
			_, e := a.store.AddResponses(ctx, pollID, participantID, optionIDs)
			return e
		})
	default:
		return nil, fmt.Errorf("%w: unknown poll mode %q", store.ErrInvalidSelection, poll.Mode)
	}
	if err != nil {
		return nil, err
	}
	return &VoteResult{PollID: pollID, EventID: poll.EventID}, nil
}

// SubmitQuestion creates a pending question. Pending questions are never
// broadcast-visible; they only surface through the moderation view.
func (a *Applier) SubmitQuestion(ctx context.Context, eventID, participantID, text string) (*QuestionResult, error) {
	if len([]rune(text)) > a.cfg.QuestionMaxLen {
		return nil, fmt.Errorf("%w: %d over limit %d", store.ErrTextTooLong, len([]rune(text)), a.cfg.QuestionMaxLen)
	}
	count, err := withRetry(ctx, a, "count questions", func() (int, error) {
		return a.store.CountQuestionsBy(ctx, eventID, participantID)
	})
	if err != nil {
		return nil, err
	}
	if count >= a.cfg.SubmissionQuota {
		return nil, fmt.Errorf("%w: limit %d", store.ErrSubmissionQuotaExceeded, a.cfg.SubmissionQuota)
	}

	q := &store.Question{
		ID:            uuid.NewString(),
		EventID:       eventID,
		ParticipantID: participantID,
		Text:          text,
		Status:        store.QuestionPending,
		CreatedAt:     time.Now().UTC(),
	}
	err = withRetryVoid(ctx, a, "create question", func() error {
		return a.store.CreateQuestion(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return &QuestionResult{Question: q, Changed: true}, nil
}

// ModerateQuestion approves or rejects a pending question. Moderating a
// question that already left pending is a safe no-op returning the current
// record, so duplicate moderation commands never error.
func (a *Applier) ModerateQuestion(ctx context.Context, questionID string, decision Decision) (*QuestionResult, error) {
	var target store.QuestionStatus
	switch decision {
	case DecisionApprove:
		target = store.QuestionApproved
	case DecisionReject:
		// Terminal: a rejected question cannot return to pending.
		target = store.QuestionRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", store.ErrInvalidSelection, decision)
	}

	type transition struct {
		q       *store.Question
		changed bool
	}
	res, err := withRetry(ctx, a, "transition question", func() (transition, error) {
		q, changed, err := a.store.TransitionQuestion(ctx, questionID, store.QuestionPending, target)
		return transition{q, changed}, err
	})
	if err != nil {
		return nil, err
	}
	return &QuestionResult{Question: res.q, Changed: res.changed}, nil
}

// UpvoteQuestion records one upvote per (question, participant). A duplicate
// is a reported ErrAlreadyVoted, not a silent no-op: callers need to tell
// "already did this" apart from "just did this".
func (a *Applier) UpvoteQuestion(ctx context.Context, questionID, participantID string) (*QuestionResult, error) {
	q, err := withRetry(ctx, a, "add upvote", func() (*store.Question, error) {
		return a.store.AddUpvote(ctx, questionID, participantID)
	})
	if err != nil {
		return nil, err
	}
	return &QuestionResult{Question: q, Changed: true}, nil
}

// MarkAnswered flags an answered question. It stays in the visible queue.
func (a *Applier) MarkAnswered(ctx context.Context, questionID string, answered bool) (*QuestionResult, error) {
	q, err := withRetry(ctx, a, "set answered", func() (*store.Question, error) {
		return a.store.SetQuestionAnswered(ctx, questionID, answered)
	})
	if err != nil {
		return nil, err
	}
	return &QuestionResult{Question: q, Changed: true}, nil
}

// withRetry runs op, retrying transient storage faults with doubling backoff.
// Rejections and context cancellation pass through untouched; exhausting the
// budget surfaces ErrStorageUnavailable.
func withRetry[T any](ctx context.Context, a *Applier, op string, fn func() (T, error)) (T, error) {
	var zero T
	backoff := a.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= a.cfg.RetryAttempts; attempt++ {
		var val T
		val, err = fn()
		if err == nil {
			return val, nil
		}
		if store.IsRejection(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if attempt == a.cfg.RetryAttempts {
			break
		}
		a.log.Warn("storage fault, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrStorageUnavailable, op, a.cfg.RetryAttempts, err)
}

func withRetryVoid(ctx context.Context, a *Applier, op string, fn func() error) error {
	_, err := withRetry(ctx, a, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
