package api

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================
// API-key authentication
// ============================================================

// apiKeyAuth checks X-API-Key against bcrypt hashes from config. An
// empty hash list disables authentication, which is only acceptable
// for local development.
type apiKeyAuth struct {
	hashes   [][]byte
	disabled bool
	logger   *log.Logger
}

func newAPIKeyAuth(hashes []string) *apiKeyAuth {
	a := &apiKeyAuth{logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags)}
	for _, h := range hashes {
		if h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	if len(a.hashes) == 0 {
		a.disabled = true
		a.logger.Println("⚠️ No API keys configured, authentication disabled")
	}
	return a
}

func (a *apiKeyAuth) authenticate(key string) bool {
	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return true
		}
	}
	return false
}

func (a *apiKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !a.authenticate(key) {
			a.logger.Printf("🚫 Rejected request with invalid API key from %s", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================
// Inbound rate limiting
// ============================================================

// RateLimiter enforces a per-caller request budget per minute window.
// Callers are keyed by API key when present, remote host otherwise.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	perMinute int
	logger    *log.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	rl := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow counts one request for the key. When the budget is exhausted
// it returns false plus the seconds until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, ok := rl.windows[key]
	if !ok || now.Sub(window.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true, 0
	}

	window.count++
	if window.count > rl.perMinute {
		retryAfter := int(window.windowStart.Add(time.Minute).Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	return true, 0
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = remoteHost(r)
		}

		allowed, retryAfter := rl.Allow(key)
		if !allowed {
			rl.logger.Printf("🚫 Rate limit exceeded for %s (%d/min)", remoteHost(r), rl.perMinute)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retryAfterSeconds":%d}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop halts the window garbage collector.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ============================================================
// CORS and request logging
// ============================================================

func CORS() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequestLogger(logger *log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s → %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		})
	}
}

// statusRecorder captures the response code for the request log. It
// forwards Hijack so the WebSocket upgrade keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
