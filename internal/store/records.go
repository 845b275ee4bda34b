package store

import "time"

type PollMode string

const (
	ModeSingle PollMode = "single"
	ModeMulti  PollMode = "multi"
)

type PollStatus string

const (
	PollDraft  PollStatus = "draft"
	PollOpen   PollStatus = "open"
	PollClosed PollStatus = "closed"
)

type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionApproved QuestionStatus = "approved"
	QuestionRejected QuestionStatus = "rejected"
)

type Event struct {
	ID        string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type Poll struct {
	ID        string     `gorm:"primaryKey"`
	EventID   string     `gorm:"index;not null"`
	Prompt    string     `gorm:"not null"`
	Mode      PollMode   `gorm:"not null"`
	Status    PollStatus `gorm:"not null;default:draft"`
	CreatedAt time.Time  `gorm:"not null"`
}

// PollOption carries a cached vote count. The count is always derivable from
// the PollResponse rows referencing the option; ReconcilePoll repairs drift.
type PollOption struct {
	ID        string `gorm:"primaryKey"`
	PollID    string `gorm:"index;not null"`
	Position  int    `gorm:"not null"`
	Label     string `gorm:"not null"`
	VoteCount int    `gorm:"not null;default:0"`
}

type PollResponse struct {
	ID            string    `gorm:"primaryKey"`
	PollID        string    `gorm:"uniqueIndex:idx_response_once,priority:1;not null"`
	ParticipantID string    `gorm:"uniqueIndex:idx_response_once,priority:2;not null"`
	OptionID      string    `gorm:"uniqueIndex:idx_response_once,priority:3;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

type Question struct {
	ID            string         `gorm:"primaryKey"`
	EventID       string         `gorm:"index;not null"`
	ParticipantID string         `gorm:"index;not null"`
	Text          string         `gorm:"not null"`
	Status        QuestionStatus `gorm:"not null;default:pending"`
	UpvoteCount   int            `gorm:"not null;default:0"`
	Answered      bool           `gorm:"not null;default:false"`
	CreatedAt     time.Time      `gorm:"not null"`
}

type QuestionVote struct {
	QuestionID    string    `gorm:"primaryKey"`
	ParticipantID string    `gorm:"primaryKey"`
	CreatedAt     time.Time `gorm:"not null"`
}
