package store

import "errors"

// Rejection sentinels shared by the store implementations and the mutation
// applier. These are caller errors: reported synchronously, never retried,
// never logged as system faults.
var ErrNotFound = errors.New("record not found")
var ErrPollNotOpen = errors.New("poll is not open")
var ErrInvalidSelection = errors.New("invalid option selection")
var ErrAlreadyVoted = errors.New("participant already voted")
var ErrQuestionNotVotable = errors.New("question is not votable")
var ErrTextTooLong = errors.New("question text too long")
var ErrSubmissionQuotaExceeded = errors.New("submission quota exceeded")

// IsRejection reports whether err is a caller error rather than a storage
// fault. The applier uses this to decide what is retryable.
func IsRejection(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound,
		ErrPollNotOpen,
		ErrInvalidSelection,
		ErrAlreadyVoted,
		ErrQuestionNotVotable,
		ErrTextTooLong,
		ErrSubmissionQuotaExceeded,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
