package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sqlagent/internal/agent"
	"sqlagent/internal/config"
	"sqlagent/internal/llm"
	"sqlagent/internal/logging"
	"sqlagent/internal/metrics"
	"sqlagent/internal/sqlguard"
	"sqlagent/internal/store"
)

const shutdownGrace = 10 * time.Second

type server struct {
	cfg     config.Config
	db      *store.DB
	agent   *agent.Agent
	tokens  tokens
	limiter *clientLimiter
	hub     *Hub
	reg     *prometheus.Registry
	log     *logging.Logger
}

func newServer(cfg config.Config, db *store.DB, p llm.Provider) *server {
	log := logging.For("api")
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Error("metrics registration failed", "err", err)
	}

	guard := sqlguard.Validator{
		Table:        cfg.TableName,
		Schema:       cfg.Schema,
		DefaultLimit: cfg.DefaultQueryLimit,
		MaxLimit:     cfg.MaxQueryLimit,
	}

	return &server{
		cfg:   cfg,
		db:    db,
		agent: agent.New(db, p, agent.Config{Guard: guard, QueryTimeout: cfg.QueryTimeout}),
		tokens: tokens{
			secret: []byte(cfg.JWTSecret),
			method: jwt.GetSigningMethod(cfg.JWTAlgorithm),
			ttl:    time.Duration(cfg.JWTExpireMinutes) * time.Minute,
			now:    time.Now,
		},
		limiter: newClientLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		hub:     newHub(),
		reg:     reg,
		log:     log,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	gz := gzhttp.GzipHandler

	mux.HandleFunc("GET /{$}", s.rootHandler)

	mux.HandleFunc("POST /api/v1/auth/signup", s.signupHandler)
	mux.HandleFunc("POST /api/v1/auth/login", s.loginHandler)
	mux.HandleFunc("GET /api/v1/auth/me", s.meHandler)

	mux.Handle("POST /api/v1/query", s.limiter.wrap(gz(http.HandlerFunc(s.queryHandler))))
	mux.Handle("POST /api/v1/query/stream", s.limiter.wrap(http.HandlerFunc(s.streamHandler)))
	mux.HandleFunc("GET /api/v1/ws/query", s.serveWs)

	mux.Handle("GET /api/v1/schema", gz(http.HandlerFunc(s.schemaHandler)))
	mux.HandleFunc("GET /api/v1/health", s.healthHandler)
	mux.Handle("GET /api/v1/history/{session_id}", gz(http.HandlerFunc(s.historyHandler)))
	mux.HandleFunc("DELETE /api/v1/history/{session_id}", s.clearHistoryHandler)
	mux.Handle("GET /api/v1/admin/query-logs", gz(s.requireRole("admin", s.queryLogsHandler)))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	return s.instrument(s.cors(mux))
}

// run serves until ctx is cancelled, then drains connections for up to
// shutdownGrace.
func (s *server) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.hub.closeAll()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.limiter.sweep(ctx, time.Minute)
		return nil
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"detail": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *server) cors(next http.Handler) http.Handler {
	origins := s.cfg.Origins()
	wildcard := slices.Contains(origins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || (!wildcard && !slices.Contains(origins, origin)) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument records request counts and latency per route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.code)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*limiterEntry)}
}

func (l *clientLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.seen = time.Now()
	l.mu.Unlock()
	return e.lim.Allow()
}

func (l *clientLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweep drops buckets idle for more than three intervals until ctx ends.
func (l *clientLimiter) sweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.mu.Lock()
			for k, e := range l.clients {
				if now.Sub(e.seen) > 3*every {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
