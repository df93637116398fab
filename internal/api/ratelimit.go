package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-server rate limiters so several clients
// pointed at the same server share one budget
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int // Track original rates for consistency check
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
		logger:   logger,
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// If a limiter exists with a different rate, the existing one is kept.
func (p *RateLimiterPool) GetOrCreate(serverID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[serverID]; exists {
		if existingRate, ok := p.rates[serverID]; ok && existingRate != requestsPerMinute {
			p.logger.Warn("Rate limiter already exists with different rate, using existing rate",
				"server", serverID,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[serverID] = limiter
	p.rates[serverID] = requestsPerMinute

	p.logger.Debug("Created rate limiter",
		"server", serverID,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until the server's limiter allows the next request.
// A non-positive rate disables limiting.
func (p *RateLimiterPool) Wait(ctx context.Context, serverID string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return nil
	}
	return p.GetOrCreate(serverID, requestsPerMinute).Wait(ctx)
}
