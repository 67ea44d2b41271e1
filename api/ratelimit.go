package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PaymentLimiter caps payment submissions per loan. Payments on one loan are
// serialized by the engine anyway; the limiter keeps a retry storm on one
// loan from queueing unbounded work behind its lock.
type PaymentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewPaymentLimiter(perSecond float64, burst int, logger logrus.FieldLogger) *PaymentLimiter {
	return &PaymentLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		logger:   logger,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for the given loan.
func (pl *PaymentLimiter) getLimiter(key string) *rate.Limiter {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	entry, exists := pl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(pl.rate, pl.burst)}
		pl.limiters[key] = entry
	}
	entry.lastSeen = pl.now()
	return entry.limiter
}

// Handler returns the rate limiting middleware. It must be mounted on a
// route with an {id} parameter.
func (pl *PaymentLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "id")
		if !pl.getLimiter(key).Allow() {
			pl.logger.WithFields(logrus.Fields{
				"loan_id": key,
				"path":    r.URL.Path,
			}).Warn("payment rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many payment requests for this loan", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than the TTL. Returns how many
// were removed.
func (pl *PaymentLimiter) Cleanup() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	cutoff := pl.now().Add(-pl.idleTTL)
	removed := 0
	for key, entry := range pl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(pl.limiters, key)
			removed++
		}
	}
	return removed
}

func (pl *PaymentLimiter) size() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.limiters)
}
