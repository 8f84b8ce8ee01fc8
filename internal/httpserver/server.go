package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/payout"
	"storefront-escrow/internal/policy"
	"storefront-escrow/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxAdminBody = 1 << 16

// Config controls the listener and route authentication.
type Config struct {
	Addr     string
	BasePath string
	// CronSecret guards the sweep trigger. Empty leaves it open.
	CronSecret string
	// AdminToken guards admin routes. Empty disables them.
	AdminToken string
}

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	StripeWebhook http.Handler
}

// Releaser runs release batches.
type Releaser interface {
	SweepAuto(ctx context.Context, limit int) (payout.Summary, error)
	ReleaseOne(ctx context.Context, escrowID string) (payout.Summary, error)
	SweepSite(ctx context.Context, siteKey string, mode policy.Mode, limit int) (payout.Summary, error)
}

// Refunder refunds a held escrow.
type Refunder interface {
	Refund(ctx context.Context, escrowID string) (payout.RefundResult, error)
}

// Reaper releases stale locks.
type Reaper interface {
	Reap(ctx context.Context) (payout.ReapSummary, error)
}

// KillSwitchStore persists the runtime override of the global kill switch.
type KillSwitchStore interface {
	SetAutoPayoutsDisabled(ctx context.Context, disabled bool) error
	ClearAutoPayoutsOverride(ctx context.Context) error
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Store      Pinger
	Releaser   Releaser
	Refunds    Refunder
	Reaper     Reaper
	KillSwitch KillSwitchStore
	Flags      payout.FlagSource
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	cfg        Config
	basePath   string
}

// New creates a new HTTP server with health, metrics, webhook, cron and admin endpoints.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		cfg:      cfg,
		basePath: normaliseBasePath(cfg.BasePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/cron/release-escrows", server.handleCronRelease)

	if handlers.StripeWebhook != nil {
		mux.Handle("/webhook/stripe", handlers.StripeWebhook)
	}

	if cfg.AdminToken != "" {
		mux.HandleFunc("/admin/release-escrows", server.admin(server.handleAdminRelease))
		mux.HandleFunc("/admin/refund-escrow", server.admin(server.handleAdminRefund))
		mux.HandleFunc("/admin/reap-stale-locks", server.admin(server.handleAdminReap))
		mux.HandleFunc("/admin/kill-switch", server.admin(server.handleKillSwitch))
	} else {
		server.logger.Warn("admin token not configured, admin routes disabled")
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler including base path mounting.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleCronRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.CronSecret != "" {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("key")
		}
		if !tokenMatches(token, s.cfg.CronSecret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	if s.deps.Releaser == nil {
		writeError(w, http.StatusServiceUnavailable, "payouts unavailable")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	summary, err := s.deps.Releaser.SweepAuto(r.Context(), limit)
	if err != nil {
		s.fail(w, "cron release failed", err)
		return
	}
	writeJSON(w, summary)
}

type releaseRequest struct {
	EscrowID string `json:"escrowId"`
	SiteKey  string `json:"siteKey"`
	Force    bool   `json:"force"`
	Limit    int    `json:"limit"`
}

func (s *Server) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	if s.deps.Releaser == nil {
		writeError(w, http.StatusServiceUnavailable, "payouts unavailable")
		return
	}
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	mode := policy.ModeAuto
	if req.Force {
		mode = policy.ModeForced
	}

	var (
		summary payout.Summary
		err     error
	)
	switch {
	case strings.TrimSpace(req.EscrowID) != "":
		summary, err = s.deps.Releaser.ReleaseOne(r.Context(), strings.TrimSpace(req.EscrowID))
	case strings.TrimSpace(req.SiteKey) != "":
		summary, err = s.deps.Releaser.SweepSite(r.Context(), strings.TrimSpace(req.SiteKey), mode, req.Limit)
	default:
		writeError(w, http.StatusBadRequest, "escrowId or siteKey required")
		return
	}
	if err != nil {
		s.fail(w, "admin release failed", err)
		return
	}
	s.logger.Info("admin release finished", "escrow_id", req.EscrowID, "site_key", req.SiteKey, "mode", mode, "released", summary.Released)
	writeJSON(w, summary)
}

type refundRequest struct {
	EscrowID string `json:"escrowId"`
}

func (s *Server) handleAdminRefund(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refunds == nil {
		writeError(w, http.StatusServiceUnavailable, "refunds unavailable")
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.EscrowID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrowId required")
		return
	}
	res, err := s.deps.Refunds.Refund(r.Context(), id)
	if err != nil {
		s.fail(w, "admin refund failed", err)
		return
	}
	writeJSON(w, map[string]string{"escrowId": id, "refundId": res.RefundID})
}

func (s *Server) handleAdminReap(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "reaper unavailable")
		return
	}
	summary, err := s.deps.Reaper.Reap(r.Context())
	if err != nil {
		s.fail(w, "admin reap failed", err)
		return
	}
	writeJSON(w, summary)
}

type killSwitchRequest struct {
	Disabled *bool `json:"disabled"`
	Clear    bool  `json:"clear"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if s.deps.KillSwitch == nil {
		writeError(w, http.StatusServiceUnavailable, "kill switch override unavailable")
		return
	}
	var req killSwitchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.Clear:
		err = s.deps.KillSwitch.ClearAutoPayoutsOverride(r.Context())
	case req.Disabled != nil:
		err = s.deps.KillSwitch.SetAutoPayoutsDisabled(r.Context(), *req.Disabled)
	default:
		writeError(w, http.StatusBadRequest, "disabled or clear required")
		return
	}
	if err != nil {
		s.fail(w, "kill switch update failed", err)
		return
	}

	resp := map[string]any{"status": "ok"}
	if s.deps.Flags != nil {
		resp["autoPayoutsDisabled"] = s.deps.Flags.GlobalFlags(r.Context()).AutoPayoutsDisabled
	}
	s.logger.Warn("kill switch override changed", "clear", req.Clear, "disabled", req.Disabled)
	writeJSON(w, resp)
}

// admin enforces POST and the bearer admin token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !tokenMatches(bearerToken(r), s.cfg.AdminToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "escrow not found")
	case errors.Is(err, payout.ErrNotRefundable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payout.ErrProcessor):
		s.logger.Warn(msg, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(msg, "error", err)
		s.metrics.Errors.WithLabelValues("http").Inc()
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
