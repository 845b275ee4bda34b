package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Postgres implements Store on top of gorm. Counter maintenance uses
// single-row atomic increments (vote_count = vote_count + 1) inside the same
// transaction as the response/upvote row, so concurrent votes on the same
// option are never lost.
type Postgres struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Event{}, &Poll{}, &PollOption{}, &PollResponse{}, &Question{}, &QuestionVote{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Postgres) CreateEvent(ctx context.Context, e *Event) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *Postgres) GetEvent(ctx context.Context, id string) (*Event, error) {
	var e Event
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *Postgres) CreatePoll(ctx context.Context, p *Poll, options []*PollOption) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if len(options) == 0 {
			return nil
		}
		return tx.Create(options).Error
	})
}

func (s *Postgres) GetPoll(ctx context.Context, id string) (*Poll, error) {
	var p Poll
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Postgres) SetPollStatus(ctx context.Context, pollID string, status PollStatus) (*Poll, error) {
	var p Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", pollID).Error; err != nil {
			return notFound(err)
		}
		p.Status = status
		return tx.Model(&Poll{}).Where("id = ?", pollID).Update("status", status).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) ListPolls(ctx context.Context, eventID string) ([]*Poll, error) {
	var out []*Poll
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Postgres) ListOptions(ctx context.Context, pollID string) ([]*PollOption, error) {
	var out []*PollOption
	err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("position").Find(&out).Error
	return out, err
}

func (s *Postgres) ListResponses(ctx context.Context, pollID string) ([]*PollResponse, error) {
	var out []*PollResponse
	err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Find(&out).Error
	return out, err
}

// lockOpenPoll fetches the poll row FOR UPDATE and checks its status, so a
// close racing with a vote resolves deterministically: the vote either lands
// before the close commits or fails ErrPollNotOpen after it.
func lockOpenPoll(tx *gorm.DB, pollID string) (*Poll, error) {
	var p Poll
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", pollID).Error; err != nil {
		return nil, notFound(err)
	}
	if p.Status != PollOpen {
		return nil, ErrPollNotOpen
	}
	return &p, nil
}

func optionInPoll(tx *gorm.DB, pollID, optionID string) error {
	var n int64
	if err := tx.Model(&PollOption{}).Where("id = ? AND poll_id = ?", optionID, pollID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidSelection
	}
	return nil
}

func (s *Postgres) ReplaceResponse(ctx context.Context, pollID, participantID, optionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockOpenPoll(tx, pollID); err != nil {
			return err
		}
		if err := optionInPoll(tx, pollID, optionID); err != nil {
			return err
		}

		var prior []*PollResponse
		if err := tx.Where("poll_id = ? AND participant_id = ?", pollID, participantID).Find(&prior).Error; err != nil {
			return err
		}
		for _, r := range prior {
			if err := tx.Delete(&PollResponse{}, "id = ?", r.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&PollOption{}).Where("id = ?", r.OptionID).
				Update("vote_count", gorm.Expr("vote_count - 1")).Error; err != nil {
				return err
			}
		}

		resp := &PollResponse{
			ID:            uuid.NewString(),
			PollID:        pollID,
			ParticipantID: participantID,
			OptionID:      optionID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := tx.Create(resp).Error; err != nil {
			return err
		}
		return tx.Model(&PollOption{}).Where("id = ?", optionID).
			Update("vote_count", gorm.Expr("vote_count + 1")).Error
	})
}

func (s *Postgres) AddResponses(ctx context.Context, pollID, participantID string, optionIDs []string) ([]string, error) {
	var added []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockOpenPoll(tx, pollID); err != nil {
			return err
		}
		for _, optionID := range optionIDs {
			if err := optionInPoll(tx, pollID, optionID); err != nil {
				return err
			}
		}
		for _, optionID := range optionIDs {
			resp := &PollResponse{
				ID:            uuid.NewString(),
				PollID:        pollID,
				ParticipantID: participantID,
				OptionID:      optionID,
				CreatedAt:     time.Now().UTC(),
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "poll_id"}, {Name: "participant_id"}, {Name: "option_id"}},
				DoNothing: true,
			}).Create(resp)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue // already recorded, idempotent
			}
			if err := tx.Model(&PollOption{}).Where("id = ?", optionID).
				Update("vote_count", gorm.Expr("vote_count + 1")).Error; err != nil {
				return err
			}
			added = append(added, optionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Postgres) CreateQuestion(ctx context.Context, q *Question) error {
	return s.db.WithContext(ctx).Create(q).Error
}

func (s *Postgres) GetQuestion(ctx context.Context, id string) (*Question, error) {
	var q Question
	if err := s.db.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

func (s *Postgres) CountQuestionsBy(ctx context.Context, eventID, participantID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Question{}).
		Where("event_id = ? AND participant_id = ?", eventID, participantID).Count(&n).Error
	return int(n), err
}

func (s *Postgres) ListQuestions(ctx context.Context, eventID string) ([]*Question, error) {
	var out []*Question
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Postgres) TransitionQuestion(ctx context.Context, id string, from, to QuestionStatus) (*Question, bool, error) {
	res := s.db.WithContext(ctx).Model(&Question{}).
		Where("id = ? AND status = ?", id, from).Update("status", to)
	if res.Error != nil {
		return nil, false, res.Error
	}
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return q, res.RowsAffected > 0, nil
}

func (s *Postgres) SetQuestionAnswered(ctx context.Context, id string, answered bool) (*Question, error) {
	res := s.db.WithContext(ctx).Model(&Question{}).Where("id = ?", id).Update("answered", answered)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetQuestion(ctx, id)
}

func (s *Postgres) AddUpvote(ctx context.Context, questionID, participantID string) (*Question, error) {
	var out *Question
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q Question
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&q, "id = ?", questionID).Error; err != nil {
			return notFound(err)
		}
		if q.Status != QuestionApproved {
			return ErrQuestionNotVotable
		}
		vote := &QuestionVote{
			QuestionID:    questionID,
			ParticipantID: participantID,
			CreatedAt:     time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(vote)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyVoted
		}
		if err := tx.Model(&Question{}).Where("id = ?", questionID).
			Update("upvote_count", gorm.Expr("upvote_count + 1")).Error; err != nil {
			return err
		}
		q.UpvoteCount++
		out = &q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) CountUpvotes(ctx context.Context, questionID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&QuestionVote{}).Where("question_id = ?", questionID).Count(&n).Error
	return int(n), err
}

func (s *Postgres) SetOptionVoteCount(ctx context.Context, optionID string, count int) error {
	res := s.db.WithContext(ctx).Model(&PollOption{}).Where("id = ?", optionID).Update("vote_count", count)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetQuestionUpvoteCount(ctx context.Context, questionID string, count int) error {
	res := s.db.WithContext(ctx).Model(&Question{}).Where("id = ?", questionID).Update("upvote_count", count)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
