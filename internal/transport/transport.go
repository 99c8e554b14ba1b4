// Package transport implements TransportEngine: the play/pause/stop/seek/
// setTempo state machine for a coordination session, and the per-session
// tick loop that advances PositionMs while playing.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/rs/zerolog"
)

// Config bounds tempo and controls the tick loop's resolution.
type Config struct {
	TickPeriod time.Duration
	MinTempo   int
	MaxTempo   int
}

// PositionListener is notified on every tick with the session's freshly
// advanced position. The dispatcher's OnTick is registered as one to fan
// out scrollTick events without TransportEngine needing to know about
// delivery.
type PositionListener func(sessionID string, positionMs int64, isPlaying bool)

// Engine runs the tick loop for every playing session and validates
// transport commands. Like Registry, it re-resolves the backend on every
// call rather than caching a Store reference.
type Engine struct {
	cfg     Config
	backend func() store.Store
	log     zerolog.Logger

	mu        sync.Mutex
	playing   map[string]*trackedSession // sessionID -> last-seen clock anchor
	listeners []PositionListener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// trackedSession anchors elapsed-wall-clock position advancement: position
// is advanced by how much real time has passed since the last tick (tempo
// does not scale it), rather than incremented by a fixed amount per tick. A
// fixed per-tick increment drifts under scheduler jitter and GC pauses;
// elapsed-time anchoring self-corrects every tick.
type trackedSession struct {
	lastTick time.Time
}

func New(cfg Config, backend func() store.Store, log zerolog.Logger) *Engine {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 100 * time.Millisecond
	}
	if cfg.MinTempo <= 0 {
		cfg.MinTempo = 40
	}
	if cfg.MaxTempo <= 0 {
		cfg.MaxTempo = 300
	}
	return &Engine{
		cfg:     cfg,
		backend: backend,
		log:     log.With().Str("component", "transport").Logger(),
		playing: make(map[string]*trackedSession),
	}
}

// OnPosition registers a listener invoked on every tick. Not safe to call
// once Start has been invoked.
func (e *Engine) OnPosition(l PositionListener) {
	e.listeners = append(e.listeners, l)
}

func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(ctx)
}

// Close stops the tick loop. It does not touch any session's transport
// state — use Stop(ctx, sessionID) for that.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.playing))
	for id := range e.playing {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	backend := e.backend()
	for _, id := range ids {
		sess, ok, err := backend.GetSession(ctx, id)
		if err != nil || !ok || !sess.IsPlaying {
			e.mu.Lock()
			delete(e.playing, id)
			e.mu.Unlock()
			continue
		}

		e.mu.Lock()
		anchor, tracked := e.playing[id]
		if !tracked {
			anchor = &trackedSession{lastTick: now}
			e.playing[id] = anchor
		}
		elapsed := now.Sub(anchor.lastTick)
		anchor.lastTick = now
		e.mu.Unlock()

		// Position advances in raw wall-clock milliseconds. Tempo does not
		// scale advancement — it only affects how the client renders its
		// metronome/score against the position stream.
		newPos := sess.PositionMs + elapsed.Milliseconds()

		updated, ok, err := backend.UpdateSession(ctx, id, store.SessionPatch{PositionMs: &newPos})
		if err != nil || !ok {
			continue
		}

		for _, l := range e.listeners {
			l(id, updated.PositionMs, updated.IsPlaying)
		}
	}
}

// Play starts (or resumes) playback. Playback position does not reset.
func (e *Engine) Play(ctx context.Context, sessionID string) (*session.Session, error) {
	playing := true
	sess, err := e.patch(ctx, sessionID, store.SessionPatch{IsPlaying: &playing})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.playing[sessionID] = &trackedSession{lastTick: time.Now()}
	e.mu.Unlock()
	return sess, nil
}

// Pause halts the tick loop's advancement of this session without
// resetting PositionMs.
func (e *Engine) Pause(ctx context.Context, sessionID string) (*session.Session, error) {
	playing := false
	sess, err := e.patch(ctx, sessionID, store.SessionPatch{IsPlaying: &playing})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	delete(e.playing, sessionID)
	e.mu.Unlock()
	return sess, nil
}

// Stop halts playback and resets PositionMs to zero.
func (e *Engine) Stop(ctx context.Context, sessionID string) (*session.Session, error) {
	playing := false
	var zero int64
	sess, err := e.patch(ctx, sessionID, store.SessionPatch{IsPlaying: &playing, PositionMs: &zero})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	delete(e.playing, sessionID)
	e.mu.Unlock()
	return sess, nil
}

// Seek jumps PositionMs to an arbitrary point without changing play state.
// Negative positions are rejected.
func (e *Engine) Seek(ctx context.Context, sessionID string, positionMs int64) (*session.Session, error) {
	if positionMs < 0 {
		return nil, errs.Validation("positionMs must be non-negative")
	}
	sess, err := e.patch(ctx, sessionID, store.SessionPatch{PositionMs: &positionMs})
	if err != nil {
		return nil, err
	}
	// Reset the elapsed-time anchor so the next tick doesn't treat the time
	// since the last tick as having played out at the old position.
	e.mu.Lock()
	if _, tracked := e.playing[sessionID]; tracked {
		e.playing[sessionID] = &trackedSession{lastTick: time.Now()}
	}
	e.mu.Unlock()
	return sess, nil
}

// SetTempo changes TempoBPM, bounded to [MinTempo, MaxTempo].
func (e *Engine) SetTempo(ctx context.Context, sessionID string, tempoBPM int) (*session.Session, error) {
	if tempoBPM < e.cfg.MinTempo || tempoBPM > e.cfg.MaxTempo {
		return nil, errs.Validation("tempoBpm out of range")
	}
	return e.patch(ctx, sessionID, store.SessionPatch{TempoBPM: &tempoBPM})
}

// UpdateMessage sets the session's free-text status line.
func (e *Engine) UpdateMessage(ctx context.Context, sessionID, message string) (*session.Session, error) {
	if len(message) > 500 {
		return nil, errs.Validation("message must be at most 500 characters")
	}
	return e.patch(ctx, sessionID, store.SessionPatch{Message: &message})
}

func (e *Engine) patch(ctx context.Context, sessionID string, p store.SessionPatch) (*session.Session, error) {
	sess, ok, err := e.backend().UpdateSession(ctx, sessionID, p)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	return sess, nil
}
