package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientIP is the default key generator. It prefers proxy-set headers over
// the raw connection address:
//
//  1. first entry of X-Forwarded-For
//  2. X-Real-IP
//  3. host part of RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the wrapped handler's final status so outcome-based
// policies can give the slot back afterwards.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware returns a net/http middleware enforcing the policy for class.
// The returned function has the standard func(http.Handler) http.Handler
// shape and composes with chi and plain net/http alike.
//
// Allowed requests proceed with X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset set. Denied requests get the same headers plus
// Retry-After, a 429 status and a JSON body carrying the policy's message.
func (l *Limiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := l.skipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			policy := l.Policy(class)
			key := l.keyFn(r)
			dec := l.Check(r.Context(), class, key)
			setRateHeaders(w, dec)

			if !dec.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.ResetTime)))
				if l.onLimitReached != nil {
					l.onLimitReached(r, class, dec)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"message": policy.Message})
				return
			}

			if policy.SkipSuccessful || policy.SkipFailed {
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r)
				if (policy.SkipSuccessful && sw.status < http.StatusBadRequest) ||
					(policy.SkipFailed && sw.status >= http.StatusBadRequest) {
					l.GiveBack(r.Context(), class, key)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, dec Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime.Unix(), 10))
}

func retryAfterSeconds(resetTime time.Time) int {
	secs := int(time.Until(resetTime).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}
