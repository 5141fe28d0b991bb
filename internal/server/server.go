package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aurora-ops/aurora-gateway/internal/archive"
	"github.com/aurora-ops/aurora-gateway/internal/backend"
	"github.com/aurora-ops/aurora-gateway/internal/bus"
	"github.com/aurora-ops/aurora-gateway/internal/cache"
	"github.com/aurora-ops/aurora-gateway/internal/incidents"
	"github.com/aurora-ops/aurora-gateway/internal/vizsync"
)

// Server is the Aurora gateway HTTP server: it authenticates console
// requests, forwards them to the analysis backend with the user's
// identity attached, and fans live snapshot updates out to stream
// consumers.
type Server struct {
	upstream   *backend.Client
	registry   *vizsync.Registry
	refresher  *incidents.Refresher
	events     *bus.Bus
	respCache  cache.Cache
	archive    *archive.Store
	logger     *slog.Logger
	listen     string
	apiToken   string
	corsOrigin string
	cacheTTL   time.Duration
	srv        *http.Server

	// rate limiter state
	limiters sync.Map // map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Options carries the optional collaborators; any field may be nil or
// zero to disable the corresponding feature.
type Options struct {
	Refresher  *incidents.Refresher
	Cache      cache.Cache
	Archive    *archive.Store
	APIToken   string
	CORSOrigin string
	CacheTTL   time.Duration
}

// New creates a Server.
func New(upstream *backend.Client, registry *vizsync.Registry, events *bus.Bus, logger *slog.Logger, listen string, opts Options) *Server {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	return &Server{
		upstream:   upstream,
		registry:   registry,
		refresher:  opts.Refresher,
		events:     events,
		respCache:  opts.Cache,
		archive:    opts.Archive,
		logger:     logger,
		listen:     listen,
		apiToken:   opts.APIToken,
		corsOrigin: opts.CORSOrigin,
		cacheTTL:   opts.CacheTTL,
	}
}

// securityHeaders adds standard security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// requestID tags every request with an ID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// limitBody caps request body size to 1 MB on mutating methods.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter limits API requests to 10/sec burst 20 per client IP.
func (s *Server) rateLimiter(next http.Handler) http.Handler {
	// Clean up stale entries every 5 minutes.
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			s.limiters.Range(func(key, value any) bool {
				il := value.(*ipLimiter)
				if time.Since(il.lastSeen) > 10*time.Minute {
					s.limiters.Delete(key)
				}
				return true
			})
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}

		val, _ := s.limiters.LoadOrStore(ip, &ipLimiter{
			limiter:  rate.NewLimiter(10, 20),
			lastSeen: time.Now(),
		})
		il := val.(*ipLimiter)
		il.lastSeen = time.Now()

		if !il.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers when a cors_origin is configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Aurora-User")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handler builds the middleware chain: security headers → request ID
// → body limit → CORS → rate limit → auth → mux.
func (s *Server) handler(withRateLimit bool) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, s)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	if withRateLimit {
		handler = s.rateLimiter(handler)
	}
	handler = s.corsMiddleware(handler)
	handler = limitBody(handler)
	handler = requestID(handler)
	handler = securityHeaders(handler)
	return handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:        s.listen,
		Handler:     s.handler(true),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the stream fan-out endpoints hold their
		// response open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting gateway", "listen", s.listen)
	if s.apiToken != "" {
		s.logger.Info("API authentication enabled")
	} else {
		s.logger.Warn("API authentication disabled (set server.api_token to enable)")
	}

	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the middleware chain without the per-IP rate
// limiter, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler(false)
}
