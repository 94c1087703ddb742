package governance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
)

// Operation names a rate-limited OAuth operation class.
type Operation string

const (
	OpAuthentication Operation = "authentication"
	OpTokenRefresh   Operation = "token_refresh"
	OpGeneral        Operation = "general"
)

// limit is a fixed-window quota.
type limit struct {
	max    int
	window time.Duration
}

var limits = map[Operation]limit{
	OpAuthentication: {max: 10, window: 24 * time.Hour},
	OpTokenRefresh:   {max: 30, window: time.Hour},
	OpGeneral:        {max: 60, window: time.Minute},
}

type window struct {
	start time.Time
	count int
}

// RateLimiter enforces fixed-window per-server quotas on OAuth
// operations. Windows start at the first request after expiry, so the
// reported reset time is monotone within a window.
type RateLimiter struct {
	auditor *Auditor
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewRateLimiter creates a limiter with the default quotas.
func NewRateLimiter(auditor *Auditor, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		auditor: auditor,
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow consumes one unit of quota for (op, serverID). When the quota is
// exhausted it returns a RateLimitedError carrying the window reset time
// and records an audit event.
func (r *RateLimiter) Allow(ctx context.Context, op Operation, serverID string) error {
	lim, ok := limits[op]
	if !ok {
		lim = limits[OpGeneral]
	}
	key := string(op) + "\x00" + serverID
	now := r.now()

	r.mu.Lock()
	w := r.windows[key]
	if w == nil || now.Sub(w.start) >= lim.window {
		w = &window{start: now}
		r.windows[key] = w
	}
	if w.count >= lim.max {
		resetAt := w.start.Add(lim.window)
		r.mu.Unlock()

		if r.auditor != nil {
			r.auditor.Log(ctx, EventRateLimitExceeded, SeverityWarning, serverID, map[string]any{
				"operation": string(op),
				"reset_at":  resetAt.UnixMilli(),
			})
		}
		return &contracts.RateLimitedError{
			Operation: string(op),
			ServerID:  serverID,
			ResetAt:   resetAt,
		}
	}
	w.count++
	r.mu.Unlock()
	return nil
}

// Reset clears any window for (op, serverID). Used after a successful
// interactive authentication so an operator is not locked out by earlier
// failed attempts.
func (r *RateLimiter) Reset(op Operation, serverID string) {
	r.mu.Lock()
	delete(r.windows, string(op)+"\x00"+serverID)
	r.mu.Unlock()
}
