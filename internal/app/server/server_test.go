package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/database"
	"gatekeeper/internal/detection"
	"gatekeeper/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

type fakeAdmitter struct {
	mu        sync.Mutex
	decision  admission.Decision
	verifyErr error
	answers   []int
	requests  []detection.Request
}

func (f *fakeAdmitter) Decide(_ context.Context, req detection.Request) admission.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.decision
}

func (f *fakeAdmitter) Verify(_ context.Context, _ string, answer int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return f.verifyErr
}

func (f *fakeAdmitter) Present(context.Context, string) (challenge.View, error) {
	return challenge.View{Question: "What is 2 + 2?", Message: challenge.IssueMessage, AttemptsRemaining: 3}, nil
}

type statusChange struct {
	address string
	status  domain.ReputationStatus
	reason  string
}

type fakeReputationAdmin struct {
	changes []statusChange
	page    int
}

func (f *fakeReputationAdmin) Stats(context.Context) (database.ReputationStats, error) {
	return database.ReputationStats{Suspicious: 2, Blocked: 1, Requests: 40}, nil
}

func (f *fakeReputationAdmin) ListByStatus(_ context.Context, status domain.ReputationStatus, page, _ int) ([]domain.ReputationRecord, int64, error) {
	f.page = page
	return []domain.ReputationRecord{{Address: "9.9.9.9", Status: status}}, 21, nil
}

func (f *fakeReputationAdmin) SetStatus(_ context.Context, address string, status domain.ReputationStatus, reason string, _ time.Time) error {
	f.changes = append(f.changes, statusChange{address, status, reason})
	return nil
}

type recordingTraffic struct {
	mu      sync.Mutex
	entries []domain.TrafficLog
}

func (r *recordingTraffic) Record(entry domain.TrafficLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func newTestServer(t *testing.T, admitter *fakeAdmitter) (*Server, *fakeReputationAdmin, *recordingTraffic, *auth.Authenticator) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	authenticator, err := auth.New("secret", string(hash), time.Hour)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	reputation := &fakeReputationAdmin{}
	traffic := &recordingTraffic{}
	s := New(Deps{
		Admission:  admitter,
		Reputation: reputation,
		Traffic:    traffic,
		Auth:       authenticator,
	})
	return s, reputation, traffic, authenticator
}

func serve(s *Server, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.5:4444"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestAllowedRequestReachesUpstream(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Outcome: admission.Allow}}
	s, _, traffic, _ := newTestServer(t, admitter)

	rec := serve(s, http.MethodGet, "/api/items?x=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if admitter.requests[0].Address != "203.0.113.5" || admitter.requests[0].RawQuery != "x=1" {
		t.Fatalf("request passed to admission: %+v", admitter.requests[0])
	}
	if len(traffic.entries) != 1 || traffic.entries[0].Decision != "allow" {
		t.Fatalf("traffic log = %+v", traffic.entries)
	}
}

func TestChallengeResponseShape(t *testing.T) {
	view := challenge.View{Question: "What is 1 + 2?", Message: challenge.PendingMessage, AttemptsRemaining: 2}
	admitter := &fakeAdmitter{decision: admission.Decision{Outcome: admission.ChallengeRequired, Challenge: &view}}
	s, _, _, _ := newTestServer(t, admitter)

	rec := serve(s, http.MethodGet, "/api", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] == "" || body["message"] == "" || body["verify_url"] != "/verify-challenge" {
		t.Fatalf("body = %v", body)
	}
	ch, ok := body["challenge"].(map[string]any)
	if !ok || ch["question"] != "What is 1 + 2?" || ch["attempts_remaining"] != float64(2) || ch["message"] != challenge.PendingMessage {
		t.Fatalf("challenge = %v", body["challenge"])
	}
}

func TestBlockedResponseShape(t *testing.T) {
	admitter := &fakeAdmitter{decision: admission.Decision{Outcome: admission.Blocked, Reason: admission.ReasonBlocked}}
	s, _, traffic, _ := newTestServer(t, admitter)

	rec := serve(s, http.MethodGet, "/api", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody(t, rec)
	if len(body) != 2 || body["error"] == nil || body["message"] == nil {
		t.Fatalf("body = %v", body)
	}
	if traffic.entries[0].Decision != "blocked" {
		t.Fatalf("traffic decision = %q", traffic.entries[0].Decision)
	}
}

func TestVerifyChallengeEndpoint(t *testing.T) {
	allow := admission.Decision{Outcome: admission.Allow, Reason: admission.ReasonExempt}

	t.Run("get", func(t *testing.T) {
		s, _, _, _ := newTestServer(t, &fakeAdmitter{decision: allow})
		rec := serve(s, http.MethodGet, "/verify-challenge", "", nil)
		if rec.Code != http.StatusOK || decodeBody(t, rec)["question"] != "What is 2 + 2?" {
			t.Fatalf("GET = %d %s", rec.Code, rec.Body.String())
		}
	})

	tests := []struct {
		name      string
		body      string
		verifyErr error
		want      int
		answer    int
	}{
		{"integer", `{"answer": 4}`, nil, http.StatusOK, 4},
		{"numeric string", `{"answer": " 4 "}`, nil, http.StatusOK, 4},
		{"integral float", `{"answer": 4.0}`, nil, http.StatusOK, 4},
		{"fraction", `{"answer": 4.5}`, nil, http.StatusBadRequest, 0},
		{"word", `{"answer": "four"}`, nil, http.StatusBadRequest, 0},
		{"missing", `{}`, nil, http.StatusBadRequest, 0},
		{"null", `{"answer": null}`, nil, http.StatusBadRequest, 0},
		{"not json", `answer=4`, nil, http.StatusBadRequest, 0},
		{"incorrect", `{"answer": 5}`, &challenge.IncorrectAnswerError{Remaining: 2}, http.StatusForbidden, 5},
		{"expired", `{"answer": 4}`, challenge.ErrChallengeExpired, http.StatusForbidden, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admitter := &fakeAdmitter{decision: allow, verifyErr: tt.verifyErr}
			s, _, _, _ := newTestServer(t, admitter)

			rec := serve(s, http.MethodPost, "/verify-challenge", tt.body, http.Header{"Content-Type": {"application/json"}})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			body := decodeBody(t, rec)
			switch tt.want {
			case http.StatusOK:
				if body["success"] != true || body["message"] != challenge.SuccessMessage {
					t.Fatalf("body = %v", body)
				}
			case http.StatusForbidden:
				if body["success"] != false || body["error"] != challenge.Message(tt.verifyErr) {
					t.Fatalf("body = %v", body)
				}
			case http.StatusBadRequest:
				if _, ok := body["error"]; !ok {
					t.Fatalf("body = %v", body)
				}
				if len(admitter.answers) != 0 {
					t.Fatal("malformed answer reached the gate")
				}
			}
			if tt.want != http.StatusBadRequest && admitter.answers[0] != tt.answer {
				t.Fatalf("answer = %d, want %d", admitter.answers[0], tt.answer)
			}
		})
	}
}

func TestDashboardRequiresAdminToken(t *testing.T) {
	allow := admission.Decision{Outcome: admission.Allow, Reason: admission.ReasonExempt}
	s, reputation, _, _ := newTestServer(t, &fakeAdmitter{decision: allow})

	if rec := serve(s, http.MethodGet, "/dashboard/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stats without token = %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/dashboard/login", `{"password":"nope"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", rec.Code)
	}

	rec := serve(s, http.MethodPost, "/dashboard/login", `{"password":"letmein"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["token"].(string)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	rec = serve(s, http.MethodGet, "/dashboard/stats", "", bearer)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["blocked"] != float64(1) {
		t.Fatalf("stats = %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(s, http.MethodGet, "/dashboard/ips/suspicious?page=2", "", bearer)
	if rec.Code != http.StatusOK || reputation.page != 2 {
		t.Fatalf("list = %d page=%d", rec.Code, reputation.page)
	}
	if rec := serve(s, http.MethodGet, "/dashboard/ips/evil", "", bearer); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", rec.Code)
	}

	if rec := serve(s, http.MethodPost, "/dashboard/ips/198.51.100.7/block", "", bearer); rec.Code != http.StatusOK {
		t.Fatalf("block = %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/dashboard/ips/198.51.100.7/unblock", "", bearer); rec.Code != http.StatusOK {
		t.Fatalf("unblock = %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/dashboard/ips/not-an-ip/verify", "", bearer); rec.Code != http.StatusBadRequest {
		t.Fatalf("verify invalid address = %d", rec.Code)
	}

	want := []statusChange{
		{"198.51.100.7", domain.StatusBlocked, manualBlockReason},
		{"198.51.100.7", domain.StatusSuspicious, ""},
	}
	if len(reputation.changes) != len(want) {
		t.Fatalf("changes = %+v", reputation.changes)
	}
	for i := range want {
		if reputation.changes[i] != want[i] {
			t.Fatalf("change %d = %+v, want %+v", i, reputation.changes[i], want[i])
		}
	}
}

func TestSettingsRejectInvalidConfig(t *testing.T) {
	allow := admission.Decision{Outcome: admission.Allow, Reason: admission.ReasonExempt}
	s, _, _, authenticator := newTestServer(t, &fakeAdmitter{decision: allow})
	token, err := authenticator.IssueAdminToken()
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	rec := serve(s, http.MethodGet, "/dashboard/settings", "", bearer)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["detection"] == nil {
		t.Fatalf("get settings = %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(s, http.MethodPost, "/dashboard/settings", `{"rate_limit":{"limit":0}}`, bearer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid settings = %d", rec.Code)
	}
}

func TestChallengePageAndHealth(t *testing.T) {
	allow := admission.Decision{Outcome: admission.Allow, Reason: admission.ReasonExempt}
	s, _, traffic, _ := newTestServer(t, &fakeAdmitter{decision: allow})

	rec := serve(s, http.MethodGet, "/challenge", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/verify-challenge") {
		t.Fatalf("challenge page = %d", rec.Code)
	}
	if rec := serve(s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if len(traffic.entries) != 0 {
		t.Fatalf("exempt requests logged: %+v", traffic.entries)
	}
}

func TestDashboardDisabledWithoutAuth(t *testing.T) {
	s := New(Deps{Admission: &fakeAdmitter{decision: admission.Decision{Outcome: admission.Allow}}, Reputation: &fakeReputationAdmin{}})
	if rec := serve(s, http.MethodGet, "/dashboard/stats", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stats without auth = %d", rec.Code)
	}
}
