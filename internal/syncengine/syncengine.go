// Package syncengine implements SyncEngine: per-connection clock-sync and
// latency tracking, latency-ordered fan-out, and drift-threshold position
// correction. Named syncengine rather than sync to avoid shadowing the
// standard library package of that name.
package syncengine

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls probe cadence and the drift-correction threshold.
type Config struct {
	ProbeCount        int
	ProbeInterval     time.Duration
	DriftThresholdMs  int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

const sampleCapacity = 8

// LatencyTracker holds the rolling round-trip and clock-offset estimate for
// one connection. Samples are kept in a capacity-bounded slice (append,
// then trim the oldest) rather than a fixed-index ring, since the sample
// count is small and trimming a slice of 8 int64s is cheaper than the
// bookkeeping a true circular index buys.
type LatencyTracker struct {
	mu          sync.Mutex
	samples     []int64
	offsetMs    int64
	lastProbeAt time.Time
}

func newLatencyTracker() *LatencyTracker {
	return &LatencyTracker{samples: make([]int64, 0, sampleCapacity)}
}

func (t *LatencyTracker) recordRTT(rttMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, rttMs)
	if len(t.samples) > sampleCapacity {
		t.samples = t.samples[len(t.samples)-sampleCapacity:]
	}
}

func (t *LatencyTracker) recordOffset(offsetMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offsetMs = offsetMs
	t.lastProbeAt = time.Now()
}

// Snapshot returns a consistent copy of the tracker's current state: the
// rolling mean and minimum RTT in milliseconds, the estimated clock offset,
// and the time of the last recorded probe.
func (t *LatencyTracker) Snapshot() (meanMs, minMs, offsetMs int64, lastProbeAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0, 0, t.offsetMs, t.lastProbeAt
	}
	var sum int64
	minMs = t.samples[0]
	for _, s := range t.samples {
		sum += s
		if s < minMs {
			minMs = s
		}
	}
	meanMs = sum / int64(len(t.samples))
	return meanMs, minMs, t.offsetMs, t.lastProbeAt
}

// Engine owns one LatencyTracker per live connection.
type Engine struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
}

func New(cfg Config, log zerolog.Logger) *Engine {
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.DriftThresholdMs <= 0 {
		cfg.DriftThresholdMs = 25
	}
	return &Engine{
		cfg:      cfg,
		log:      log.With().Str("component", "syncengine").Logger(),
		trackers: make(map[string]*LatencyTracker),
	}
}

// OnConnect registers a fresh tracker for a newly accepted connection.
func (e *Engine) OnConnect(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackers[connectionID] = newLatencyTracker()
}

// OnDisconnect discards the tracker for a closed connection.
func (e *Engine) OnDisconnect(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, connectionID)
}

func (e *Engine) tracker(connectionID string) *LatencyTracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trackers[connectionID]
}

// RecordHeartbeatRTT feeds a round-trip sample measured from the
// transport's own ping/pong keepalive into the connection's tracker. This
// is the RTT source used to estimate clock offset in HandleLatencyProbe,
// since the wire protocol's latencyProbe/latencyResponse exchange alone
// only carries a one-way timestamp.
func (e *Engine) RecordHeartbeatRTT(connectionID string, rttMs int64) {
	if t := e.tracker(connectionID); t != nil {
		t.recordRTT(rttMs)
	}
}

// HandleLatencyProbe answers a client's latencyProbe with the current
// server time, and records an updated clock-offset estimate using the
// connection's rolling mean heartbeat RTT: offset = serverTime - clientTime
// - meanRTT/2, the standard halved-round-trip clock synchronization
// estimate.
func (e *Engine) HandleLatencyProbe(connectionID string, clientTimestampMs int64) int64 {
	serverTimestampMs := time.Now().UnixMilli()
	if t := e.tracker(connectionID); t != nil {
		meanMs, _, _, _ := t.Snapshot()
		offset := serverTimestampMs - clientTimestampMs - meanMs/2
		t.recordOffset(offset)
	}
	return serverTimestampMs
}

// MeasuredLatencyMs reports the connection's rolling mean RTT, the value
// surfaced on session.Member.MeasuredLatencyMs.
func (e *Engine) MeasuredLatencyMs(connectionID string) int64 {
	t := e.tracker(connectionID)
	if t == nil {
		return 0
	}
	mean, _, _, _ := t.Snapshot()
	return mean
}

// OrderByLatency sorts connectionIDs ascending by rolling mean RTT (lowest
// first), for fan-out ordering of latency-sensitive broadcasts. Connections
// with no tracker (not yet probed) sort last, stable relative to each
// other.
func (e *Engine) OrderByLatency(connectionIDs []string) []string {
	ordered := make([]string, len(connectionIDs))
	copy(ordered, connectionIDs)

	latency := make(map[string]int64, len(ordered))
	for _, id := range ordered {
		if t := e.tracker(id); t != nil {
			mean, _, _, lastProbeAt := t.Snapshot()
			if !lastProbeAt.IsZero() {
				latency[id] = mean
				continue
			}
		}
		latency[id] = -1 // sentinel: unprobed, sorts last
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := latency[ordered[i]], latency[ordered[j]]
		if li == -1 {
			return false
		}
		if lj == -1 {
			return true
		}
		return li < lj
	})
	return ordered
}

// CheckDrift compares a client-reported position against the server's
// expected position for the same instant and reports whether the
// difference exceeds the configured drift threshold. Drift correction is
// advisory: the caller decides whether to emit positionCorrection.
func (e *Engine) CheckDrift(reportedPositionMs, expectedPositionMs int64) (driftMs int64, shouldCorrect bool) {
	driftMs = expectedPositionMs - reportedPositionMs
	abs := driftMs
	if abs < 0 {
		abs = -abs
	}
	return driftMs, abs > e.cfg.DriftThresholdMs
}
