package challenge

import (
	"errors"
	"fmt"
)

var (
	ErrNoPendingChallenge = errors.New("challenge: no pending challenge")
	ErrChallengeExpired   = errors.New("challenge: expired")
	ErrTooManyAttempts    = errors.New("challenge: too many attempts")
)

// IncorrectAnswerError reports a wrong answer that still leaves attempts.
type IncorrectAnswerError struct {
	Remaining int
}

func (e *IncorrectAnswerError) Error() string {
	return fmt.Sprintf("challenge: incorrect answer, %d attempts remaining", e.Remaining)
}

// Message maps a verification error to the text shown to the client.
func Message(err error) string {
	var incorrect *IncorrectAnswerError
	switch {
	case errors.Is(err, ErrNoPendingChallenge):
		return "No pending challenge found"
	case errors.Is(err, ErrChallengeExpired):
		return "Challenge expired. Please request a new one."
	case errors.Is(err, ErrTooManyAttempts):
		return "Too many incorrect attempts. Please request a new challenge."
	case errors.As(err, &incorrect):
		return fmt.Sprintf("Incorrect answer. %d attempts remaining.", incorrect.Remaining)
	}
	return "Challenge verification unavailable. Please try again."
}
