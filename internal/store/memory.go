package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Mutations hold a single mutex, which gives
// the same per-row serialization the contract asks for; reads copy records so
// callers never alias internal state. Used by tests and by single-node runs
// without a database.
type Memory struct {
	mu        sync.Mutex
	events    map[string]*Event
	polls     map[string]*Poll
	options   map[string]*PollOption
	responses map[string]*PollResponse
	questions map[string]*Question
	upvotes   map[string]map[string]*QuestionVote // questionID -> participantID
}

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string]*Event),
		polls:     make(map[string]*Poll),
		options:   make(map[string]*PollOption),
		responses: make(map[string]*PollResponse),
		questions: make(map[string]*Question),
		upvotes:   make(map[string]map[string]*QuestionVote),
	}
}

func (m *Memory) CreateEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) CreatePoll(ctx context.Context, p *Poll, options []*PollOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.polls[p.ID] = &cp
	for _, o := range options {
		oc := *o
		m.options[o.ID] = &oc
	}
	return nil
}

func (m *Memory) GetPoll(ctx context.Context, id string) (*Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SetPollStatus(ctx context.Context, pollID string, status PollStatus) (*Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[pollID]
	if !ok {
		return nil, ErrNotFound
	}
	p.Status = status
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPolls(ctx context.Context, eventID string) ([]*Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Poll
	for _, p := range m.polls {
		if p.EventID == eventID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(p *Poll) time.Time { return p.CreatedAt }, func(p *Poll) string { return p.ID })
	return out, nil
}

func (m *Memory) ListOptions(ctx context.Context, pollID string) ([]*PollOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PollOption
	for _, o := range m.options {
		if o.PollID == pollID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortByPosition(out)
	return out, nil
}

func (m *Memory) ListResponses(ctx context.Context, pollID string) ([]*PollResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PollResponse
	for _, r := range m.responses {
		if r.PollID == pollID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ReplaceResponse(ctx context.Context, pollID, participantID, optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != PollOpen {
		return ErrPollNotOpen
	}
	opt, ok := m.options[optionID]
	if !ok || opt.PollID != pollID {
		return ErrInvalidSelection
	}

	// Supersede prior responses and land the new one under one lock hold, so
	// there is never a window with zero or two counted votes.
	for id, r := range m.responses {
		if r.PollID == pollID && r.ParticipantID == participantID {
			if prev, ok := m.options[r.OptionID]; ok {
				prev.VoteCount--
			}
			delete(m.responses, id)
		}
	}
	id := uuid.NewString()
	m.responses[id] = &PollResponse{
		ID:            id,
		PollID:        pollID,
		ParticipantID: participantID,
		OptionID:      optionID,
		CreatedAt:     time.Now().UTC(),
	}
	opt.VoteCount++
	return nil
}

func (m *Memory) AddResponses(ctx context.Context, pollID, participantID string, optionIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != PollOpen {
		return nil, ErrPollNotOpen
	}
	for _, optionID := range optionIDs {
		opt, ok := m.options[optionID]
		if !ok || opt.PollID != pollID {
			return nil, ErrInvalidSelection
		}
	}

	var added []string
	for _, optionID := range optionIDs {
		if m.hasResponse(pollID, participantID, optionID) {
			continue
		}
		id := uuid.NewString()
		m.responses[id] = &PollResponse{
			ID:            id,
			PollID:        pollID,
			ParticipantID: participantID,
			OptionID:      optionID,
			CreatedAt:     time.Now().UTC(),
		}
		m.options[optionID].VoteCount++
		added = append(added, optionID)
	}
	return added, nil
}

func (m *Memory) hasResponse(pollID, participantID, optionID string) bool {
	for _, r := range m.responses {
		if r.PollID == pollID && r.ParticipantID == participantID && r.OptionID == optionID {
			return true
		}
	}
	return false
}

func (m *Memory) CreateQuestion(ctx context.Context, q *Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.questions[q.ID] = &cp
	return nil
}

func (m *Memory) GetQuestion(ctx context.Context, id string) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *Memory) CountQuestionsBy(ctx context.Context, eventID, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.questions {
		if q.EventID == eventID && q.ParticipantID == participantID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListQuestions(ctx context.Context, eventID string) ([]*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Question
	for _, q := range m.questions {
		if q.EventID == eventID {
			cp := *q
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(q *Question) time.Time { return q.CreatedAt }, func(q *Question) string { return q.ID })
	return out, nil
}

func (m *Memory) TransitionQuestion(ctx context.Context, id string, from, to QuestionStatus) (*Question, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if q.Status != from {
		cp := *q
		return &cp, false, nil
	}
	q.Status = to
	cp := *q
	return &cp, true, nil
}

func (m *Memory) SetQuestionAnswered(ctx context.Context, id string, answered bool) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	q.Answered = answered
	cp := *q
	return &cp, nil
}

func (m *Memory) AddUpvote(ctx context.Context, questionID, participantID string) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return nil, ErrNotFound
	}
	if q.Status != QuestionApproved {
		return nil, ErrQuestionNotVotable
	}
	votes := m.upvotes[questionID]
	if votes == nil {
		votes = make(map[string]*QuestionVote)
		m.upvotes[questionID] = votes
	}
	if _, ok := votes[participantID]; ok {
		return nil, ErrAlreadyVoted
	}
	votes[participantID] = &QuestionVote{
		QuestionID:    questionID,
		ParticipantID: participantID,
		CreatedAt:     time.Now().UTC(),
	}
	q.UpvoteCount++
	cp := *q
	return &cp, nil
}

func (m *Memory) CountUpvotes(ctx context.Context, questionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upvotes[questionID]), nil
}

func (m *Memory) SetOptionVoteCount(ctx context.Context, optionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.options[optionID]
	if !ok {
		return ErrNotFound
	}
	o.VoteCount = count
	return nil
}

func (m *Memory) SetQuestionUpvoteCount(ctx context.Context, questionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return ErrNotFound
	}
	q.UpvoteCount = count
	return nil
}
