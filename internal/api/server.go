// Package api serves the inbound HTTP surface: the Pub/Sub push
// endpoint that triggers sync jobs, plus health and metrics.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"inboxpilot/internal/config"
	"inboxpilot/internal/database"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"
	"inboxpilot/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server handles provider push notifications. The endpoint always acks
// well-formed envelopes: Pub/Sub redelivers on anything else, and a
// malformed notification never gets better.
type Server struct {
	cfg      config.WebhookConfig
	db       *database.DB
	pool     *worker.Pool
	server   *http.Server
	limiters sync.Map // remote host -> *rate.Limiter
	logger   zerolog.Logger
}

func NewServer(cfg config.WebhookConfig, db *database.DB, pool *worker.Pool, logger zerolog.Logger) *Server {
	srv := &Server{cfg: cfg, db: db, pool: pool, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/mail", srv.handleNotification)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.logging(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("webhook server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// pushEnvelope is the Pub/Sub push wrapper; Data holds the base64 of
// the provider notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushData struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("webhook")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var envelope pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if envelope.Message.Data == "" {
		s.logger.Warn().Msg("push notification with empty data")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	raw, err := decodeBase64(envelope.Message.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}
	var data pushData
	if err := json.Unmarshal(raw, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}
	if data.EmailAddress == "" {
		s.logger.Warn().Msg("push notification without email address")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	account, err := s.db.GetAccountByEmail(r.Context(), data.EmailAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	if account == nil || !account.IsActive {
		// Ack it: redelivery will not make the account appear.
		s.logger.Warn().Str("email", data.EmailAddress).Msg("push notification for unknown account")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	_, err = s.pool.Enqueue(r.Context(), models.JobSync, account.ID, &models.SyncPayload{
		HistoryID: data.HistoryID.String(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue sync")
		return
	}

	s.logger.Info().
		Str("email", data.EmailAddress).
		Str("history_id", data.HistoryID.String()).
		Msg("queued sync from push notification")
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) allow(r *http.Request) bool {
	if s.cfg.RateRPS <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = "unknown"
	}
	return s.getLimiter(host).Allow()
}

func (s *Server) getLimiter(key string) *rate.Limiter {
	if v, ok := s.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	lim := rate.NewLimiter(rate.Limit(s.cfg.RateRPS), burst)
	actual, loaded := s.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

// decodeBase64 accepts both standard and URL-safe alphabets; push
// subscriptions have been seen sending either.
func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
