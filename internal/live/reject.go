package live

import (
	"errors"

	"github.com/askroom/askroom-backend/internal/hub"
	"github.com/askroom/askroom-backend/internal/mutation"
	"github.com/askroom/askroom-backend/internal/store"
)

// RejectionCode maps a typed rejection to its wire code. The second return
// is false for anything that is not a caller error.
func RejectionCode(err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrPollNotOpen):
		return "poll_not_open", true
	case errors.Is(err, store.ErrInvalidSelection):
		return "invalid_selection", true
	case errors.Is(err, store.ErrAlreadyVoted):
		return "already_voted", true
	case errors.Is(err, store.ErrQuestionNotVotable):
		return "question_not_votable", true
	case errors.Is(err, store.ErrTextTooLong):
		return "text_too_long", true
	case errors.Is(err, store.ErrSubmissionQuotaExceeded):
		return "submission_quota_exceeded", true
	case errors.Is(err, store.ErrNotFound):
		return "not_found", true
	case errors.Is(err, hub.ErrUnknownRoom):
		return "unknown_room", true
	case errors.Is(err, mutation.ErrStorageUnavailable):
		return "storage_unavailable", false
	default:
		return "internal", false
	}
}
