package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/database"
	"gatekeeper/internal/detection"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/version"

	"github.com/charmbracelet/log"
	"golang.org/x/net/netutil"
)

const shutdownTimeout = 10 * time.Second

// Admitter is the admission surface the HTTP layer drives.
type Admitter interface {
	Decide(ctx context.Context, req detection.Request) admission.Decision
	Verify(ctx context.Context, address string, answer int) error
	Present(ctx context.Context, address string) (challenge.View, error)
}

// ReputationAdmin is what the dashboard reads and edits.
type ReputationAdmin interface {
	Stats(ctx context.Context) (database.ReputationStats, error)
	ListByStatus(ctx context.Context, status domain.ReputationStatus, page, pageSize int) ([]domain.ReputationRecord, int64, error)
	SetStatus(ctx context.Context, address string, status domain.ReputationStatus, reason string, at time.Time) error
}

type TrafficRecorder interface {
	Record(entry domain.TrafficLog)
}

type Deps struct {
	Admission  Admitter
	Reputation ReputationAdmin
	Traffic    TrafficRecorder
	Auth       *auth.Authenticator
	Metrics    *metrics.Metrics
	// Upstream receives admitted requests. Without one they get a plain
	// JSON acknowledgement.
	Upstream http.Handler
	Now      func() time.Time
}

type Server struct {
	admission  Admitter
	reputation ReputationAdmin
	traffic    TrafficRecorder
	auth       *auth.Authenticator
	metrics    *metrics.Metrics
	upstream   http.Handler
	now        func() time.Time
}

func New(deps Deps) *Server {
	s := &Server{
		admission:  deps.Admission,
		reputation: deps.Reputation,
		traffic:    deps.Traffic,
		auth:       deps.Auth,
		metrics:    deps.Metrics,
		upstream:   deps.Upstream,
		now:        deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.upstream == nil {
		s.upstream = http.HandlerFunc(acknowledge)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the full route table. Every request passes through
// admission; exempt prefixes are decided there.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /healthz", healthz)
	router.Handle("GET /metrics", s.metrics.Handler())

	router.HandleFunc("GET /challenge", challengePage)
	router.HandleFunc("GET /verify-challenge", s.getChallenge)
	router.HandleFunc("POST /verify-challenge", s.postChallenge)

	router.HandleFunc("POST /dashboard/login", s.login)
	router.Handle("GET /dashboard/stats", s.admin(s.dashboardStats))
	router.Handle("GET /dashboard/ips/{status}", s.admin(s.listAddresses))
	router.Handle("POST /dashboard/ips/{address}/block", s.admin(s.blockAddress))
	router.Handle("POST /dashboard/ips/{address}/unblock", s.admin(s.unblockAddress))
	router.Handle("POST /dashboard/ips/{address}/verify", s.admin(s.verifyAddress))
	router.Handle("GET /dashboard/settings", s.admin(getSettings))
	router.Handle("POST /dashboard/settings", s.admin(saveSettings))

	router.Handle("/", s.upstream)

	return enableCORS(s.admit(router))
}

// ListenAndServe serves until ctx is cancelled. maxConnections above zero
// caps concurrently accepted connections.
func (s *Server) ListenAndServe(ctx context.Context, port, maxConnections int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	if maxConnections > 0 {
		listener = netutil.LimitListener(listener, maxConnections)
		log.Debug("Connection limit enabled", "max", maxConnections)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting gatekeeper on port :%d", port)
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Shutting down server")
	return server.Shutdown(shutdownCtx)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	build := version.Get()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"version":  build.BuildVersion,
		"built_at": build.BuiltAt,
	})
}

func acknowledge(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
