package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/metrics"
	"github.com/prajwalk/classrelay/internal/redis"
)

// RateLimitMiddleware enforces a per-key request budget. With a nil
// limiter, or on limiter errors, requests pass through: the admin API
// must stay usable when redis is down.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Retry after the indicated interval.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OrgKeyFunc keys the rate limit by tenant, read from the X-Org-ID
// header or the org_id query parameter.
func OrgKeyFunc(r *http.Request) string {
	if orgID := r.Header.Get("X-Org-ID"); orgID != "" {
		return "org:" + orgID
	}
	if orgID := r.URL.Query().Get("org_id"); orgID != "" {
		return "org:" + orgID
	}
	return ""
}
