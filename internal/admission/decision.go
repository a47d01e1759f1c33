package admission

import (
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/detection"
)

type Outcome int

const (
	Allow Outcome = iota
	ChallengeRequired
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case ChallengeRequired:
		return "challenge"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Decision is the admission result for one request. Challenge is set for
// ChallengeRequired; Verdict is set whenever detection ran.
type Decision struct {
	Outcome   Outcome
	Reason    string
	Challenge *challenge.View
	Verdict   *detection.Verdict
}
