package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/config"
	"github.com/mlecomte/tradefan/internal/dispatch"
	"github.com/mlecomte/tradefan/internal/metrics"
	"github.com/mlecomte/tradefan/internal/queue"
)

// TradingView's published alert source addresses, always allowed when an
// IP allow-list is configured.
var tradingViewIPs = map[string]bool{
	"52.89.214.238": true,
	"34.212.75.30":  true,
	"54.218.53.128": true,
	"52.32.178.7":   true,
}

const maxAlertBody = 64 * 1024

// Server is the HTTP intake for alert webhooks and operational queries.
type Server struct {
	store    *config.Store
	seq      *queue.Sequencer[dispatch.Signal]
	registry *broker.Registry
	logger   *logrus.Logger
	srv      *http.Server
}

// NewServer wires the intake over the signal sequencer.
func NewServer(store *config.Store, seq *queue.Sequencer[dispatch.Signal], registry *broker.Registry, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{store: store, seq: seq, registry: registry, logger: logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/webhook", s.handleWebhook(false))
	r.Post("/webhook/test", s.handleWebhook(true))
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/queue", s.handleQueue)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.store.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("webhook server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// handleWebhook authenticates, parses and (unless dryRun) enqueues one
// alert. The response is written before any broker work happens; intake
// must stay fast so TradingView does not time out and re-fire.
func (s *Server) handleWebhook(dryRun bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Get()

		if !s.ipAllowed(cfg, r) {
			metrics.SignalsReceived.WithLabelValues("unauthorized").Inc()
			s.writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		parsed, err := Parse(body)
		if err != nil {
			// Token check still applies: an unauthenticated caller
			// learns nothing about expected alert shapes.
			if !s.authorized(cfg, r, "") {
				metrics.SignalsReceived.WithLabelValues("unauthorized").Inc()
				s.writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			metrics.SignalsReceived.WithLabelValues("rejected").Inc()
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if !s.authorized(cfg, r, parsed.Token) {
			metrics.SignalsReceived.WithLabelValues("unauthorized").Inc()
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sig := parsed.Signal
		sig.ID = uuid.NewString()
		sig.ReceivedAt = time.Now().UTC()
		sig.Source = clientIP(r)

		if dryRun {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"status": "valid",
				"signal": signalView(sig),
			})
			return
		}

		s.seq.Enqueue(sig)
		metrics.SignalsReceived.WithLabelValues("accepted").Inc()
		s.logger.WithFields(logrus.Fields{
			"signal": sig.ID,
			"symbol": sig.Symbol,
			"side":   sig.Side,
			"source": sig.Source,
		}).Info("signal queued")

		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"status":         "queued",
			"request_id":     sig.ID,
			"queue_position": s.seq.Depth(),
			"signal":         signalView(sig),
			"timestamp":      sig.ReceivedAt.Format(time.RFC3339),
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(s.store.Get(), r, "") {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	type brokerStatus struct {
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
	}
	brokers := make(map[string]brokerStatus)
	for id, b := range s.registry.All() {
		brokers[id] = brokerStatus{Name: b.Name(), Connected: b.Connected()}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"brokers":     brokers,
		"queue_depth": s.seq.Depth(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(s.store.Get(), r, "") {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"depth": s.seq.Depth()})
}

// authorized layers the accepted credential carriers: Authorization
// bearer, X-Webhook-Token header, token query parameter, and the token
// field of the body. Any single match passes. No configured secret means
// the deployment relies on the IP allow-list alone.
func (s *Server) authorized(cfg *config.Config, r *http.Request, bodyToken string) bool {
	secret := cfg.Webhook.SecretToken
	if secret == "" {
		return true
	}

	candidates := []string{
		strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		r.Header.Get("X-Webhook-Token"),
		r.URL.Query().Get("token"),
		bodyToken,
	}
	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}

// ipAllowed enforces the allow-list when one is configured. TradingView's
// own addresses are always accepted.
func (s *Server) ipAllowed(cfg *config.Config, r *http.Request) bool {
	if len(cfg.Webhook.AllowedIPs) == 0 {
		return true
	}
	ip := clientIP(r)
	if tradingViewIPs[ip] {
		return true
	}
	for _, allowed := range cfg.Webhook.AllowedIPs {
		if ip == allowed {
			return true
		}
	}
	return false
}

// clientIP takes the first X-Forwarded-For entry when present (the
// original client in a proxied chain), else the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func signalView(sig dispatch.Signal) map[string]any {
	v := map[string]any{
		"id":            sig.ID,
		"symbol":        sig.Symbol,
		"side":          sig.Side,
		"type":          sig.Type,
		"entry":         sig.Entry,
		"stop_loss":     sig.StopLoss,
		"take_profit":   sig.TakeProfit,
		"validity_bars": sig.ValidityBars,
		"accounts":      sig.Accounts,
	}
	if sig.ATR != 0 {
		v["atr"] = sig.ATR
	}
	if sig.TimeframeMinutes != 0 {
		v["timeframe_minutes"] = sig.TimeframeMinutes
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("writing response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
