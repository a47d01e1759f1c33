package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"gatekeeper/internal/challenge"
	"gatekeeper/internal/support"

	"github.com/charmbracelet/log"
)

const maxAnswerBody = 1 << 10

var errInvalidAnswer = errors.New("answer must be an integer")

func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	view, err := s.admission.Present(r.Context(), support.ClientIP(r))
	if err != nil {
		log.Error("Failed to present challenge", "error", err)
		writeError(w, "Challenge unavailable. Please try again.", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) postChallenge(w http.ResponseWriter, r *http.Request) {
	answer, err := decodeAnswer(io.LimitReader(r.Body, maxAnswerBody))
	if err != nil {
		writeError(w, "Invalid answer. Please submit a whole number.", http.StatusBadRequest)
		return
	}

	address := support.ClientIP(r)
	if err := s.admission.Verify(r.Context(), address, answer); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"success": false,
			"error":   challenge.Message(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": challenge.SuccessMessage,
	})
}

// decodeAnswer accepts {"answer": 7}, {"answer": 7.0} or {"answer": "7"}.
func decodeAnswer(body io.Reader) (int, error) {
	var payload struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return 0, err
	}

	raw := bytes.TrimSpace(payload.Answer)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errInvalidAnswer
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, errInvalidAnswer
		}
		n, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return 0, errInvalidAnswer
		}
		return n, nil
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0, errInvalidAnswer
	}
	if number != math.Trunc(number) || math.Abs(number) > math.MaxInt32 {
		return 0, errInvalidAnswer
	}
	return int(number), nil
}

const challengePageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Verification required</title>
<style>
body { font-family: sans-serif; max-width: 28rem; margin: 4rem auto; }
input, button { font-size: 1rem; padding: .4rem; }
#status { margin-top: 1rem; }
</style>
</head>
<body>
<h1>Verification required</h1>
<p id="question">Loading challenge...</p>
<form id="form">
<input id="answer" inputmode="numeric" autocomplete="off" required>
<button type="submit">Submit</button>
</form>
<p id="status"></p>
<script>
async function load() {
  const res = await fetch("/verify-challenge");
  const body = await res.json();
  document.getElementById("question").textContent = body.question || body.error;
}
document.getElementById("form").addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch("/verify-challenge", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({answer: document.getElementById("answer").value}),
  });
  const body = await res.json();
  document.getElementById("status").textContent = body.message || body.error;
  if (!body.success) { load(); }
});
load();
</script>
</body>
</html>
`

func challengePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challengePageHTML)
}
