// Package bridge relays audio frames between a call's provider media stream
// and the agent session's audio stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"telephony-gateway/internal/media"
)

var (
	ErrBridgeStalled  = errors.New("bridge: stalled")
	ErrAlreadyBridged = errors.New("bridge: call already bridged")
	ErrLegEnded       = errors.New("bridge: leg ended")
)

// Leg names one side of a bridge.
type Leg string

const (
	LegProvider Leg = "provider"
	LegAgent    Leg = "agent"
)

// LegError reports which side of the bridge stopped and why. It matches
// ErrLegEnded and unwraps to the stream error (io.EOF for a clean end).
type LegError struct {
	Leg Leg
	Err error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("bridge: %s leg ended: %v", e.Leg, e.Err)
}

func (e *LegError) Unwrap() []error { return []error{ErrLegEnded, e.Err} }

// 50 frames of 20ms.
const silenceWindowFrames = 50

type StartRequest struct {
	CallID   string
	Provider media.Stream
	Agent    media.Stream

	// StallWindow is how long either direction may be quiet before OnStall fires.
	StallWindow time.Duration
	// SilenceRMS is the energy below which a provider frame counts as silence.
	SilenceRMS float64
	// OnStall and OnEnded must not call Stop synchronously. Between them at
	// most one fires per handle, from a bridge goroutine.
	OnStall func(callID string, err error)
	// OnEnded fires when a leg ends on its own: EOF, a read or write error,
	// or a relay panic. The error is a *LegError. Stop does not trigger it.
	OnEnded func(callID string, err error)
}

// Health is a point-in-time copy of a bridge's counters.
type Health struct {
	FramesToAgent    uint64
	FramesToProvider uint64
	FrameLoss        uint64
	// SilenceWindows counts consecutive one-second windows of caller silence.
	SilenceWindows uint64
	// LastFrameAt is the newest frame in either direction.
	LastFrameAt      time.Time
	LastToAgentAt    time.Time
	LastToProviderAt time.Time
	StartedAt        time.Time
}

// Handle is one running relay. Only Bridge.Stop releases it.
type Handle struct {
	ID     string
	CallID string

	provider media.Stream
	agent    media.Stream

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	reported sync.Once

	toAgent     atomic.Uint64
	toProvider  atomic.Uint64
	loss        atomic.Uint64
	silentRun   atomic.Uint64
	lastAgentNs atomic.Int64
	lastProvNs  atomic.Int64
	startedAt   time.Time

	errMu sync.Mutex
	err   error
	ended error
}

func (h *Handle) Health() Health {
	toAgent, toProv := h.lastAgentNs.Load(), h.lastProvNs.Load()
	return Health{
		FramesToAgent:    h.toAgent.Load(),
		FramesToProvider: h.toProvider.Load(),
		FrameLoss:        h.loss.Load(),
		SilenceWindows:   h.silentRun.Load() / silenceWindowFrames,
		LastFrameAt:      time.Unix(0, max(toAgent, toProv)),
		LastToAgentAt:    time.Unix(0, toAgent),
		LastToProviderAt: time.Unix(0, toProv),
		StartedAt:        h.startedAt,
	}
}

// quietSince is the older of the two directions' last frame.
func (h *Handle) quietSince() time.Time {
	return time.Unix(0, min(h.lastAgentNs.Load(), h.lastProvNs.Load()))
}

// Err is the first relay error seen, if any. io.EOF is not an error.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.errMu.Unlock()
}

// Ended is the *LegError of the first leg that ended on its own, if any.
func (h *Handle) Ended() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.ended
}

func (h *Handle) setEnded(err error) bool {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.ended != nil {
		return false
	}
	h.ended = err
	return true
}

// Bridge tracks running relays; at most one per call id.
type Bridge struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	active map[string]*Handle
}

func New(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{log: log, now: time.Now, active: make(map[string]*Handle)}
}

// Start begins relaying in both directions and watching for a stall.
func (b *Bridge) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if req.CallID == "" || req.Provider == nil || req.Agent == nil {
		return nil, errors.New("bridge: call id and both streams required")
	}
	if req.StallWindow <= 0 {
		req.StallWindow = 10 * time.Second
	}
	if req.SilenceRMS <= 0 {
		req.SilenceRMS = media.DefaultSilenceRMS
	}

	b.mu.Lock()
	if _, ok := b.active[req.CallID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBridged, req.CallID)
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		ID:        uuid.NewString(),
		CallID:    req.CallID,
		provider:  req.Provider,
		agent:     req.Agent,
		cancel:    cancel,
		startedAt: b.now(),
	}
	h.lastAgentNs.Store(h.startedAt.UnixNano())
	h.lastProvNs.Store(h.startedAt.UnixNano())
	b.active[req.CallID] = h
	b.mu.Unlock()

	log := b.log.With("call_id", req.CallID, "bridge_id", h.ID)

	h.wg.Add(3)
	go b.relay(rctx, h, log, req, leg{name: "to_agent", src: LegProvider, dst: LegAgent, frames: &h.toAgent, last: &h.lastAgentNs, silenceRMS: req.SilenceRMS})
	go b.relay(rctx, h, log, req, leg{name: "to_provider", src: LegAgent, dst: LegProvider, frames: &h.toProvider, last: &h.lastProvNs})
	go b.watch(rctx, h, log, req)

	log.Info("bridge started")
	return h, nil
}

// leg describes one relay direction.
type leg struct {
	name       string
	src, dst   Leg
	frames     *atomic.Uint64
	last       *atomic.Int64
	silenceRMS float64
}

func (h *Handle) stream(l Leg) media.Stream {
	if l == LegProvider {
		return h.provider
	}
	return h.agent
}

func (b *Bridge) relay(ctx context.Context, h *Handle, log *slog.Logger, req StartRequest, l leg) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s relay panic: %v", l.name, r)
			h.setErr(err)
			log.Error("bridge relay panic", "direction", l.name, "panic", r)
			b.legEnded(h, log, req, &LegError{Leg: l.src, Err: err})
		}
	}()

	src, dst := h.stream(l.src), h.stream(l.dst)
	silenceRMS := l.silenceRMS
	var lastSeq uint16
	var seen bool
	for {
		f, err := src.ReadFrame(ctx)
		if err != nil {
			b.relayEnded(ctx, h, log, req, l.name, l.src, err)
			return
		}
		l.frames.Add(1)
		l.last.Store(b.now().UnixNano())

		if seen {
			if gap := f.Seq - lastSeq - 1; gap > 0 && gap < 1000 {
				h.loss.Add(uint64(gap))
			}
		}
		lastSeq, seen = f.Seq, true

		if silenceRMS > 0 {
			if media.IsSilence(f.Payload, silenceRMS) {
				h.silentRun.Add(1)
			} else {
				h.silentRun.Store(0)
			}
		}

		if err := dst.WriteFrame(ctx, f); err != nil {
			b.relayEnded(ctx, h, log, req, l.name, l.dst, err)
			return
		}
	}
}

// relayEnded classifies why a direction stopped. Cancellation and a stream
// closed by Stop are teardown, everything else means the leg is gone.
func (b *Bridge) relayEnded(ctx context.Context, h *Handle, log *slog.Logger, req StartRequest, dir string, side Leg, err error) {
	switch {
	case ctx.Err() != nil, errors.Is(err, media.ErrStreamClosed):
		return
	case errors.Is(err, io.EOF):
		log.Info("bridge leg finished", "direction", dir, "leg", side)
	default:
		h.setErr(err)
		log.Warn("bridge relay error", "direction", dir, "leg", side, "err", err)
	}
	b.legEnded(h, log, req, &LegError{Leg: side, Err: err})
}

func (b *Bridge) legEnded(h *Handle, log *slog.Logger, req StartRequest, err *LegError) {
	if !h.setEnded(err) {
		return
	}
	h.reported.Do(func() {
		if req.OnEnded != nil {
			req.OnEnded(h.CallID, err)
		}
	})
}

// watch fires OnStall once when either direction has not moved a frame for
// the window. It keeps running after the relays exit so a dead leg still reports.
func (b *Bridge) watch(ctx context.Context, h *Handle, log *slog.Logger, req StartRequest) {
	defer h.wg.Done()

	tick := req.StallWindow / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if b.now().Sub(h.quietSince()) < req.StallWindow {
				continue
			}
			h.reported.Do(func() {
				log.Warn("bridge stalled", "window", req.StallWindow.String(), "health", h.Health())
				if req.OnStall != nil {
					req.OnStall(h.CallID, ErrBridgeStalled)
				}
			})
			return
		}
	}
}

// Stop tears the relay down and closes both streams. Safe to call repeatedly.
func (b *Bridge) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	var err error
	h.stopOnce.Do(func() {
		h.cancel()
		err = errors.Join(closeStream(h.provider), closeStream(h.agent))
		h.wg.Wait()

		b.mu.Lock()
		if b.active[h.CallID] == h {
			delete(b.active, h.CallID)
		}
		b.mu.Unlock()

		hl := h.Health()
		b.log.Info("bridge stopped",
			"call_id", h.CallID,
			"bridge_id", h.ID,
			"frames_to_agent", hl.FramesToAgent,
			"frames_to_provider", hl.FramesToProvider,
			"frame_loss", hl.FrameLoss,
		)
	})
	return err
}

func closeStream(s media.Stream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: close panic: %v", r)
		}
	}()
	return s.Close()
}

// Active reports how many relays are running.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}
