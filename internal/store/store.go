// Package store defines the durable records behind the broadcast engine and
// the consistency contract their storage must provide: atomic single-row
// updates and point-in-time reads, enough to make CastVote and UpvoteQuestion
// race-free without multi-row transactions spanning more than one logical
// mutation.
package store

import "context"

// Store is the durable storage contract consumed by the mutation applier and
// the tally engine. Implementations must make each method atomic: concurrent
// calls targeting the same poll or question serialize at the row level, never
// losing an update.
type Store interface {
	// Events.
	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)

	// Polls and options.
	CreatePoll(ctx context.Context, p *Poll, options []*PollOption) error
	GetPoll(ctx context.Context, id string) (*Poll, error)
	SetPollStatus(ctx context.Context, pollID string, status PollStatus) (*Poll, error)
	ListPolls(ctx context.Context, eventID string) ([]*Poll, error)
	ListOptions(ctx context.Context, pollID string) ([]*PollOption, error)
	ListResponses(ctx context.Context, pollID string) ([]*PollResponse, error)

	// ReplaceResponse records a single-select vote: any prior response rows
	// for (pollID, participantID) are superseded atomically by one row for
	// optionID, cached counts adjusted in the same transaction. Fails
	// ErrPollNotOpen if the poll is not open at write time, and
	// ErrInvalidSelection if optionID does not belong to the poll.
	ReplaceResponse(ctx context.Context, pollID, participantID, optionID string) error

	// AddResponses records multi-select votes: each option not already
	// recorded for the participant is inserted, duplicates are silently
	// skipped. Returns the option ids actually added.
	AddResponses(ctx context.Context, pollID, participantID string, optionIDs []string) ([]string, error)

	// Questions.
	CreateQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, id string) (*Question, error)
	CountQuestionsBy(ctx context.Context, eventID, participantID string) (int, error)
	ListQuestions(ctx context.Context, eventID string) ([]*Question, error)

	// TransitionQuestion moves a question from `from` to `to` status. When
	// the question is no longer in `from`, no write happens and the current
	// record is returned with changed=false.
	TransitionQuestion(ctx context.Context, id string, from, to QuestionStatus) (q *Question, changed bool, err error)
	SetQuestionAnswered(ctx context.Context, id string, answered bool) (*Question, error)

	// AddUpvote inserts the unique (questionID, participantID) upvote record
	// and bumps the cached count in the same transaction. Fails
	// ErrQuestionNotVotable unless the question is approved, ErrAlreadyVoted
	// on a duplicate.
	AddUpvote(ctx context.Context, questionID, participantID string) (*Question, error)
	CountUpvotes(ctx context.Context, questionID string) (int, error)

	// Cached-counter repair, used by the reconciliation pass.
	SetOptionVoteCount(ctx context.Context, optionID string, count int) error
	SetQuestionUpvoteCount(ctx context.Context, questionID string, count int) error
}
