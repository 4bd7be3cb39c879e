// Package http exposes the engine as a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"finquest/internal/cache"
	"finquest/internal/core"
	"finquest/internal/engine"
	"finquest/internal/log"
	"finquest/internal/middleware/trace"
)

const (
	rateLimitPerMinute = 60
	cacheSize          = 1024
	cacheTTL           = 30 * time.Second
)

// SessionEnder abandons pending notification retries for a user. Nil when
// dispatch runs out of process; the worker then honors session ends from
// the bus instead.
type SessionEnder interface {
	EndSession(userID string)
}

type Server struct {
	http.Server
	engine      *engine.Engine
	logger      *log.Logger
	rateLimiter *rateLimiter
	metrics     *securityMetrics
	ready       func(ctx context.Context) bool
	sessions    SessionEnder

	// Derived reads are cheap but hot; short TTLs keep them fresh enough.
	progressCache    *cache.LRUCache[core.ProgressionState]
	leaderboardCache *cache.LRUCache[[]core.ProgressionState]

	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

func NewServer(addr string, eng *engine.Engine, ready func(ctx context.Context) bool, sessions SessionEnder, logger *log.Logger) *Server {
	s := &Server{
		engine:           eng,
		logger:           logger.WithComponent(log.ComponentHTTP),
		rateLimiter:      newRateLimiter(rateLimitPerMinute, time.Minute),
		metrics:          &securityMetrics{},
		ready:            ready,
		sessions:         sessions,
		progressCache:    cache.NewLRUCache[core.ProgressionState](cacheSize, cacheTTL),
		leaderboardCache: cache.NewLRUCache[[]core.ProgressionState](8, cacheTTL),
		stopCacheCleanup: make(chan struct{}),
	}

	traceMW := trace.NewMiddleware(extractClientIP, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", s.handleIngestEvent)
	mux.HandleFunc("GET /api/users/{user}/buckets", s.handleListBuckets)
	mux.HandleFunc("GET /api/users/{user}/pnl", s.handleGetPnL)
	mux.HandleFunc("PUT /api/users/{user}/limits", s.handleSetLimit)
	mux.HandleFunc("GET /api/users/{user}/progress", s.handleGetProgress)
	mux.HandleFunc("GET /api/users/{user}/goals", s.handleListGoals)
	mux.HandleFunc("POST /api/users/{user}/goals", s.handleCreateGoal)
	mux.HandleFunc("DELETE /api/users/{user}/session", s.handleEndSession)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("POST /api/calc/sip", s.handleCalcSIP)
	mux.HandleFunc("POST /api/calc/emi", s.handleCalcEMI)
	mux.HandleFunc("POST /api/calc/fd", s.handleCalcFD)
	mux.HandleFunc("POST /api/calc/tax", s.handleCalcTax)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	handler := traceMW.Middleware(securityHeaders(s.rateLimit(mux)))

	s.Server.Addr = addr
	s.Server.Handler = handler
	s.Server.ReadTimeout = 10 * time.Second
	s.Server.WriteTimeout = 30 * time.Second
	s.Server.IdleTimeout = 2 * time.Minute

	go s.startCacheCleanup()
	return s
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		if !s.rateLimiter.allow(clientIP, s.metrics) {
			s.logger.WarnContext(r.Context(), "rate limit exceeded", log.FieldClientIP, clientIP)
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleaned := s.progressCache.CleanExpired() + s.leaderboardCache.CleanExpired()
			if cleaned > 0 {
				s.logger.Debug("cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown stops the listener and the background cleanup goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.stopCacheCleanup)
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
