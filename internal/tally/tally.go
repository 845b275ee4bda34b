// Package tally is the pure ranking engine: deterministic functions from
// durable records to derived output. Nothing here touches storage or rooms,
// which is what lets a cached result be thrown away and recomputed from raw
// records whenever the two disagree.
package tally

import (
	"math"
	"slices"
	"time"

	"github.com/askroom/askroom-backend/internal/store"
)

type OptionTally struct {
	OptionID string  `json:"option_id"`
	Label    string  `json:"label"`
	Count    int     `json:"count"`
	Percent  float64 `json:"percent"`
}

type QuestionSummary struct {
	QuestionID  string    `json:"question_id"`
	Text        string    `json:"text"`
	Upvotes     int       `json:"upvotes"`
	Answered    bool      `json:"answered"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ModeratedQuestion is the host-facing projection: every question regardless
// of status, so pending submissions can be approved or rejected.
type ModeratedQuestion struct {
	QuestionSummary
	Status        store.QuestionStatus `json:"status"`
	ParticipantID string               `json:"participant_id"`
}

// CountByOption counts accepted responses per option. Shared by Poll and the
// reconciliation pass so both always agree on what "the real count" is.
func CountByOption(responses []*store.PollResponse) map[string]int {
	counts := make(map[string]int, len(responses))
	for _, r := range responses {
		counts[r.OptionID]++
	}
	return counts
}

// Poll computes the ordered tally for one poll from raw response records.
// Percentages are count/total, banker's-rounded to one decimal; a poll with
// zero responses reports every option at 0%.
func Poll(options []*store.PollOption, responses []*store.PollResponse) []OptionTally {
	counts := CountByOption(responses)
	total := len(responses)

	sorted := slices.Clone(options)
	slices.SortFunc(sorted, func(a, b *store.PollOption) int { return a.Position - b.Position })

	out := make([]OptionTally, 0, len(sorted))
	for _, o := range sorted {
		n := counts[o.ID]
		pct := 0.0
		if total > 0 {
			pct = roundHalfEven(float64(n)/float64(total)*100, 1)
		}
		out = append(out, OptionTally{OptionID: o.ID, Label: o.Label, Count: n, Percent: pct})
	}
	return out
}

// Queue computes the attendee-visible question queue: approved questions
// only (answered ones stay, flagged), upvotes descending, submission time
// ascending on ties. The tie-break is stable: earlier submission wins.
func Queue(questions []*store.Question) []QuestionSummary {
	var approved []*store.Question
	for _, q := range questions {
		if q.Status == store.QuestionApproved {
			approved = append(approved, q)
		}
	}
	slices.SortStableFunc(approved, func(a, b *store.Question) int {
		if a.UpvoteCount != b.UpvoteCount {
			return b.UpvoteCount - a.UpvoteCount
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	out := make([]QuestionSummary, 0, len(approved))
	for _, q := range approved {
		out = append(out, summarize(q))
	}
	return out
}

// ModerationView is the host projection: all statuses, ranked the same way
// as the attendee queue so hosts see what attendees see plus the rest.
func ModerationView(questions []*store.Question) []ModeratedQuestion {
	sorted := slices.Clone(questions)
	slices.SortStableFunc(sorted, func(a, b *store.Question) int {
		if a.UpvoteCount != b.UpvoteCount {
			return b.UpvoteCount - a.UpvoteCount
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	out := make([]ModeratedQuestion, 0, len(sorted))
	for _, q := range sorted {
		out = append(out, ModeratedQuestion{
			QuestionSummary: summarize(q),
			Status:          q.Status,
			ParticipantID:   q.ParticipantID,
		})
	}
	return out
}

func summarize(q *store.Question) QuestionSummary {
	return QuestionSummary{
		QuestionID:  q.ID,
		Text:        q.Text,
		Upvotes:     q.UpvoteCount,
		Answered:    q.Answered,
		SubmittedAt: q.CreatedAt,
	}
}

// roundHalfEven rounds to `places` decimals, ties to even.
func roundHalfEven(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.RoundToEven(v*shift) / shift
}
