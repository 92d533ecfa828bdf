package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/sharpscale/internal/ratelimit"
	"go.uber.org/zap"
)

// costFunc prices a request in tokens.
type costFunc func(r *http.Request) int64

func flatCost(*http.Request) int64 {
	return 1
}

func enhanceCost(r *http.Request) int64 {
	factor, _ := strconv.Atoi(r.URL.Query().Get("factor"))
	return ratelimit.EnhanceCost(factor)
}

func (s *Server) withRateLimit(route string, cost costFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.rateLimiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
			if subject == "" {
				subject = "anonymous"
			}
			subject = subject + ":" + route

			decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost(r))
			if err != nil {
				s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(s.rateLimiter.Capacity(), 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}
