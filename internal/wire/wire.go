// Package wire defines the transport-agnostic payloads pushed to room
// members. Deltas are a closed tagged-variant set so in-process consumers can
// switch over every kind exhaustively.
package wire

import (
	"github.com/askroom/askroom-backend/internal/store"
	"github.com/askroom/askroom-backend/internal/tally"
)

type Kind string

const (
	KindPollUpdate     Kind = "poll_update"
	KindQuestionUpdate Kind = "question_update"
	KindSnapshot       Kind = "snapshot"
	KindError          Kind = "error"
)

type Delta interface{ isDelta() }

// PollUpdate carries the recomputed ordered tally for one poll.
type PollUpdate struct {
	PollID string              `json:"poll_id"`
	Prompt string              `json:"prompt"`
	Mode   store.PollMode      `json:"mode"`
	Status store.PollStatus    `json:"status"`
	Tally  []tally.OptionTally `json:"tally"`
}

func (PollUpdate) isDelta() {}

// QuestionUpdate carries the full recomputed attendee-visible queue.
type QuestionUpdate struct {
	Queue []tally.QuestionSummary `json:"queue"`
}

func (QuestionUpdate) isDelta() {}

// Snapshot is the full-state payload sent on (re)join: every non-draft poll
// tally plus the visible queue.
type Snapshot struct {
	Polls []PollUpdate            `json:"polls"`
	Queue []tally.QuestionSummary `json:"queue"`
}

func (Snapshot) isDelta() {}

// Envelope is the outbound message shape. Seq increases monotonically per
// room so clients can detect gaps and request a resync.
type Envelope struct {
	Type     Kind   `json:"eventType"`
	EventID  string `json:"eventID"`
	Seq      uint64 `json:"seq"`
	TargetID string `json:"pollOrQuestionID,omitempty"`
	Payload  any    `json:"payload"`
}

// Envelop wraps a delta for one room into its outbound form.
func Envelop(eventID string, seq uint64, d Delta) Envelope {
	env := Envelope{EventID: eventID, Seq: seq}
	switch v := d.(type) {
	case PollUpdate:
		env.Type = KindPollUpdate
		env.TargetID = v.PollID
		env.Payload = v
	case QuestionUpdate:
		env.Type = KindQuestionUpdate
		env.Payload = v.Queue
	case Snapshot:
		env.Type = KindSnapshot
		env.Payload = v
	}
	return env
}

// Rejection is sent to a single offending connection, never broadcast.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectionEnvelope builds an error message outside any room sequence.
func RejectionEnvelope(eventID string, rej Rejection) Envelope {
	return Envelope{Type: KindError, EventID: eventID, Payload: rej}
}
