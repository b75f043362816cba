// Package api exposes the dashboard HTTP surface: guild stats and
// leaderboards, configuration, template CRUD, feed subscriptions, and a
// websocket feed of live economy events. All routes except health and
// metrics require the shared-secret X-API-Key header.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/config"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/metrics"
	"github.com/guildbot/backend/internal/minigame"
	"github.com/guildbot/backend/internal/moderation"
	"github.com/guildbot/backend/internal/quest"
	"github.com/guildbot/backend/internal/shop"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/trade"
)

// Server wires the engines to the dashboard routes.
type Server struct {
	store      *store.Store
	ledger     *ledger.Ledger
	quests     *quest.Engine
	shop       *shop.Engine
	minigames  *minigame.Engine
	trades     *trade.Engine
	moderation *moderation.Engine
	clk        clock.Clock

	apiKey     string
	apiKeyHash string
	origins    map[string]bool

	hub      *Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	httpServer *http.Server
}

// Deps collects the constructor inputs.
type Deps struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Quests     *quest.Engine
	Shop       *shop.Engine
	Minigames  *minigame.Engine
	Trades     *trade.Engine
	Moderation *moderation.Engine
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Config     *config.Config
}

// NewServer builds the API server. It warns when the dashboard secret is
// still the template placeholder.
func NewServer(d Deps) *Server {
	logger := slog.Default().With("component", "api")
	if d.Config.APIKeyHash == "" && d.Config.APIKey == config.DefaultAPIKey {
		logger.Warn("dashboard API key is still the default placeholder")
	}

	origins := make(map[string]bool, len(d.Config.CORSOrigins))
	for _, o := range d.Config.CORSOrigins {
		origins[o] = true
	}

	s := &Server{
		store:      d.Store,
		ledger:     d.Ledger,
		quests:     d.Quests,
		shop:       d.Shop,
		minigames:  d.Minigames,
		trades:     d.Trades,
		moderation: d.Moderation,
		clk:        d.Clock,
		apiKey:     d.Config.APIKey,
		apiKeyHash: d.Config.APIKeyHash,
		origins:    origins,
		hub:        NewHub(origins),
		metrics:    d.Metrics,
		gatherer:   d.Gatherer,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.Config.APIPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// LiveHub returns the live event hub so engines can publish to it.
func (s *Server) LiveHub() *Hub {
	return s.hub
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.corsMiddleware, s.metricsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	g := r.PathPrefix("/api/guilds/{guild_id}").Subrouter()
	g.Use(s.authMiddleware)

	g.HandleFunc("/stats", s.handleStats).Methods("GET", "OPTIONS")
	g.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET", "OPTIONS")
	g.HandleFunc("/transactions/{user_id}", s.handleTransactions).Methods("GET", "OPTIONS")

	g.HandleFunc("/config", s.handleGetConfig).Methods("GET", "OPTIONS")
	g.HandleFunc("/config", s.handlePostConfig).Methods("POST")

	g.HandleFunc("/challenges", s.handleListChallenges).Methods("GET", "OPTIONS")
	g.HandleFunc("/challenges", s.handleCreateChallenge).Methods("POST")
	g.HandleFunc("/challenges/{id}", s.handleGetChallenge).Methods("GET")
	g.HandleFunc("/challenges/{id}", s.handleUpdateChallenge).Methods("PUT")
	g.HandleFunc("/challenges/{id}", s.handleDeleteChallenge).Methods("DELETE")

	g.HandleFunc("/streamers", s.feedList("streamers")).Methods("GET", "OPTIONS")
	g.HandleFunc("/streamers", s.feedCreate("streamers")).Methods("POST")
	g.HandleFunc("/streamers/{id}", s.feedDelete("streamers")).Methods("DELETE")

	g.HandleFunc("/youtube", s.feedList("youtube_channels")).Methods("GET", "OPTIONS")
	g.HandleFunc("/youtube", s.feedCreate("youtube_channels")).Methods("POST")
	g.HandleFunc("/youtube/{id}", s.feedUpdate("youtube_channels")).Methods("PUT")
	g.HandleFunc("/youtube/{id}", s.feedDelete("youtube_channels")).Methods("DELETE")

	g.HandleFunc("/minigame-settings", s.handleGetMinigameSettings).Methods("GET", "OPTIONS")
	g.HandleFunc("/minigame-settings", s.handlePostMinigameSettings).Methods("POST")

	g.HandleFunc("/appeals", s.handlePendingAppeals).Methods("GET", "OPTIONS")

	g.HandleFunc("/live", s.hub.HandleWebSocket).Methods("GET")

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the live hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			// Browser websocket clients cannot set custom headers.
			key = r.URL.Query().Get("api_key")
		}
		if !s.keyValid(key) {
			s.writeError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyValid(key string) bool {
	if key == "" {
		return false
	}
	if s.apiKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

// --- responses ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "msg", msg,
			"request_id", r.Context().Value(requestIDKey))
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *core.InvalidInputError
	var funds *core.InsufficientFundsError
	var limited *core.RateLimitedError

	switch {
	case errors.As(err, &invalid):
		s.writeError(w, r, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &funds):
		s.writeError(w, r, http.StatusConflict, funds.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		s.writeError(w, r, http.StatusTooManyRequests, limited.Error())
	case errors.Is(err, core.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrStateConflict):
		s.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrPermissionDenied):
		s.writeError(w, r, http.StatusForbidden, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewInvalidInput("id", "must be a positive integer")
	}
	return id, nil
}

func guildID(r *http.Request) string {
	return mux.Vars(r)["guild_id"]
}
