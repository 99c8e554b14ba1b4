package dispatch

import (
	"sync"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/agent-racer/coordinator/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections, by event kind",
	},
	[]string{"kind"},
)

// rateKind classifies an inbound event for rate-limiting purposes. Only the
// three kinds spec'd with explicit defaults are limited; everything else
// passes through uncounted.
type rateKind string

const (
	kindPositionSync rateKind = "positionSync"
	kindTempoChange  rateKind = "tempoChange"
	kindJoin         rateKind = "join"
	kindUnlimited    rateKind = ""
)

// rateKindOf maps a wire event to its rate-limit bucket. positionSync,
// syncRequest, and latencyProbe are bucketed together — all three are
// client-driven and high-frequency, sharing the "position-sync" rate
// category's default.
func rateKindOf(t ws.EventType) rateKind {
	switch t {
	case ws.EventPositionSync, ws.EventSyncRequest, ws.EventLatencyProbe:
		return kindPositionSync
	case ws.EventSetTempo:
		return kindTempoChange
	case ws.EventJoinSession:
		return kindJoin
	default:
		return kindUnlimited
	}
}

// RateLimiter enforces a per-connection token bucket for each rate-limited
// event kind, and counts how many times a connection has gone over its
// budget so a persistent violator can be disconnected.
type RateLimiter struct {
	cfg config.RateLimitConfig

	mu         sync.Mutex
	limiters   map[string]map[rateKind]*rate.Limiter
	violations map[string]int
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.ViolationLimit <= 0 {
		cfg.ViolationLimit = 10
	}
	return &RateLimiter{
		cfg:        cfg,
		limiters:   make(map[string]map[rateKind]*rate.Limiter),
		violations: make(map[string]int),
	}
}

// Allow reports whether connectionID may proceed with an event of kind.
// Unlimited kinds always pass.
func (r *RateLimiter) Allow(connectionID string, kind rateKind) bool {
	if kind == kindUnlimited {
		return true
	}

	limiter := r.limiterFor(connectionID, kind)
	if limiter.Allow() {
		return true
	}
	rateLimitExceeded.WithLabelValues(string(kind)).Inc()
	return false
}

func (r *RateLimiter) limiterFor(connectionID string, kind rateKind) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	perConn, ok := r.limiters[connectionID]
	if !ok {
		perConn = make(map[rateKind]*rate.Limiter)
		r.limiters[connectionID] = perConn
	}
	limiter, ok := perConn[kind]
	if !ok {
		rateLimit, burst := r.defaultsFor(kind)
		limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
		perConn[kind] = limiter
	}
	return limiter
}

func (r *RateLimiter) defaultsFor(kind rateKind) (float64, int) {
	switch kind {
	case kindPositionSync:
		return r.cfg.PositionSyncRate, r.cfg.PositionSyncBurst
	case kindTempoChange:
		return r.cfg.TempoChangeRate, r.cfg.TempoChangeBurst
	case kindJoin:
		return r.cfg.JoinRate, r.cfg.JoinBurst
	default:
		return 0, 0
	}
}

// RecordViolation increments connectionID's over-limit count and returns the
// new total, so the caller can decide whether to disconnect a persistent
// violator.
func (r *RateLimiter) RecordViolation(connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations[connectionID]++
	return r.violations[connectionID]
}

// ViolationLimit is the over-limit-burst count beyond which a connection is
// disconnected.
func (r *RateLimiter) ViolationLimit() int {
	return r.cfg.ViolationLimit
}

// Forget discards all rate-limit state for a disconnected connection.
func (r *RateLimiter) Forget(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, connectionID)
	delete(r.violations, connectionID)
}
