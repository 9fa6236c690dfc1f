package http

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/metrics"
)

// ─── Logging ──────────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration for every request
// and counts it in reg when reg is non-nil.
func LoggingMiddleware(logger *slog.Logger, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			ms := time.Since(began).Milliseconds()
			logger.Debug("http: request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", ms)
			if reg == nil {
				return
			}
			dur := metrics.HTTPDurKey(r.Method, r.URL.Path)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, r.URL.Path, strconv.Itoa(rec.status)))
			reg.HTTPDurMs.Add(dur, ms)
			reg.HTTPDurCnt.Inc(dur)
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware requires the static API key in the X-Api-Key header. An
// empty key disables the check. /health stays open. Comparison is
// constant-time.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Api-Key"))
			if r.URL.Path != "/health" && subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// limiterSweepAt is the map size at which idle limiters are swept.
const limiterSweepAt = 1000

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors is a per-IP token bucket table.
type visitors struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu   sync.Mutex
	byIP map[string]*visitor
}

func (v *visitors) allow(ip string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	vis, ok := v.byIP[ip]
	if !ok {
		if len(v.byIP) >= limiterSweepAt {
			v.sweep(now)
		}
		vis = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.byIP[ip] = vis
	}
	vis.lastSeen = now
	return vis.limiter.AllowN(now, 1)
}

// sweep drops visitors not seen within the idle window. Caller holds mu.
func (v *visitors) sweep(now time.Time) {
	for ip, vis := range v.byIP {
		if now.Sub(vis.lastSeen) > v.idle {
			delete(v.byIP, ip)
		}
	}
}

// RateLimitMiddleware applies a per-IP token bucket of rps requests per
// second and the given burst. rps <= 0 disables the limit.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	v := &visitors{
		rps:   rate.Limit(rps),
		burst: max(burst, 1),
		idle:  10 * time.Minute,
		byIP:  make(map[string]*visitor),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.allow(clientIP(r), time.Now()) {
				writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the host part of RemoteAddr. The surface binds to a local
// address with no proxy in front, so X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound request body; the surface only
// accepts small JSON commands.
const maxRequestBodyBytes = 64 << 10

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
