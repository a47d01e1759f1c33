package server

import (
	"net/http"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/config"
	"gatekeeper/internal/detection"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/support"
)

type challengeResponse struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Challenge *challenge.View `json:"challenge"`
	VerifyURL string          `json:"verify_url"`
}

type blockedResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// admit runs the admission decision and only calls next for Allow.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		req := detection.FromHTTP(r, support.ClientIP(r), s.now())
		decision := s.admission.Decide(r.Context(), req)
		s.record(req, decision)

		switch decision.Outcome {
		case admission.Blocked:
			writeJSON(w, http.StatusForbidden, blockedResponse{
				Error:   "Access denied",
				Message: blockedMessage(decision.Reason),
			})
		case admission.ChallengeRequired:
			writeJSON(w, http.StatusTooManyRequests, challengeResponse{
				Error:     "Challenge required",
				Message:   "Suspicious activity detected. Solve the challenge to continue.",
				Challenge: decision.Challenge,
				VerifyURL: config.GetConfig().Admission.VerifyURL,
			})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func blockedMessage(reason string) string {
	switch reason {
	case admission.ReasonBlocked:
		return "Your address has been blocked due to suspicious activity"
	case admission.ReasonReputationFailure, admission.ReasonChallengeFailure:
		return "Request could not be verified. Please try again later."
	}
	return reason
}

func (s *Server) record(req detection.Request, decision admission.Decision) {
	if s.traffic == nil || decision.Reason == admission.ReasonExempt {
		return
	}
	s.traffic.Record(domain.TrafficLog{
		Address:  req.Address,
		Method:   req.Method,
		Endpoint: req.Path,
		Decision: decision.Outcome.String(),
		Reason:   decision.Reason,
		At:       req.At,
	})
}
