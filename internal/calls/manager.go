package calls

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"telephony-gateway/internal/telephony"
)

// ErrUnknownCall is returned for events and requests that reference a call
// id with no live session. Callers log it; it is never a delivery failure.
var ErrUnknownCall = errors.New("calls: unknown call")

const shardCount = 32

// TransitionSink receives every state change. Failures are logged and never
// block the call.
type TransitionSink interface {
	Record(ctx context.Context, s CallSession, t Transition) error
}

type Options struct {
	// SetupTimeout is the longest a call may sit in Pending or Ringing without an event.
	SetupTimeout time.Duration
	// GraceWindow keeps finished sessions around to absorb late webhooks.
	GraceWindow        time.Duration
	GCInterval         time.Duration
	StallWindow        time.Duration
	ProviderRPCTimeout time.Duration
	// SinkQueue bounds transitions waiting for the sink; overflow is dropped.
	SinkQueue int

	Agents  AgentConnector
	Router  AgentRouter
	Bridge  Bridger
	Limiter Limiter
	Sink    TransitionSink
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 60 * time.Second
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = 10 * time.Minute
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 30 * time.Second
	}
	if o.StallWindow <= 0 {
		o.StallWindow = 10 * time.Second
	}
	if o.ProviderRPCTimeout <= 0 {
		o.ProviderRPCTimeout = 10 * time.Second
	}
	if o.SinkQueue <= 0 {
		o.SinkQueue = 1024
	}
	if o.Limiter == nil {
		o.Limiter = NewMemoryLimiter(0)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Manager owns every call session. Each session runs its own actor; the
// registry is split into shards so unrelated calls never share a lock.
type Manager struct {
	providers *telephony.Registry
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shards [shardCount]shard

	sinkMu     sync.RWMutex
	sinkQ      chan recordJob
	sinkClosed bool
	sinkDone   chan struct{}
	closeOnce  sync.Once
}

type recordJob struct {
	snap CallSession
	tr   Transition
}

func NewManager(providers *telephony.Registry, opts Options) (*Manager, error) {
	if providers == nil {
		return nil, errors.New("calls: provider registry required")
	}
	if opts.Agents == nil || opts.Bridge == nil {
		return nil, errors.New("calls: agent connector and bridge required")
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		providers: providers,
		opts:      opts,
		log:       opts.Logger,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*session)
	}
	if opts.Sink != nil {
		m.sinkQ = make(chan recordJob, opts.SinkQueue)
		m.sinkDone = make(chan struct{})
		go m.drainSink()
	}
	return m, nil
}

func (m *Manager) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return &m.shards[h.Sum32()%shardCount]
}

// newSession registers and starts an actor. Caller holds sh.mu.
func (m *Manager) newSession(sh *shard, p telephony.Provider, seed CallSession) *session {
	now := m.now()
	seed.State = StatePending
	seed.Provider = p.Variant()
	seed.CreatedAt = now
	seed.LastEventAt = now

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		m:        m,
		provider: p,
		log:      m.log.With("call_id", seed.CallID, "provider", string(seed.Provider)),
		box:      newMailbox(),
		ctx:      ctx,
		cancel:   cancel,
		snap:     seed,
	}
	sh.sessions[seed.CallID] = s
	m.wg.Add(1)
	go s.run()
	return s
}

// Dispatch routes ev to its call's actor, creating the session when ev opens
// a call. Events are applied in the order Dispatch is called for a call id.
func (m *Manager) Dispatch(ctx context.Context, ev telephony.CallEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := m.shardFor(ev.CallID)
	sh.mu.Lock()
	s, ok := sh.sessions[ev.CallID]
	if !ok {
		if !ev.Kind.Opens() {
			sh.mu.Unlock()
			m.log.Info("event for unknown call dropped", "call_id", ev.CallID, "event", ev.Kind)
			return fmt.Errorf("%w: %s", ErrUnknownCall, ev.CallID)
		}
		p, err := m.providers.Get(ev.Provider)
		if err != nil {
			sh.mu.Unlock()
			return err
		}
		s = m.newSession(sh, p, CallSession{CallID: ev.CallID, Direction: ev.Direction, From: ev.From, To: ev.To})
	}
	sh.mu.Unlock()

	if s.state().Terminal() || !s.post(message{kind: msgEvent, ev: ev}) {
		m.log.Debug("event for finished call dropped", "call_id", ev.CallID, "event", ev.Kind)
		return fmt.Errorf("%w: %s is finished", ErrUnknownCall, ev.CallID)
	}
	return nil
}

type OutboundRequest struct {
	Destination string
	Variant     telephony.Variant
	AgentRef    string
	// From overrides the provider's default caller id.
	From string
}

// PlaceOutboundCall originates a call and registers it in Pending under the
// provider's call id.
func (m *Manager) PlaceOutboundCall(ctx context.Context, req OutboundRequest) (CallSession, error) {
	p, err := m.providers.Get(req.Variant)
	if err != nil {
		return CallSession{}, fmt.Errorf("%w: %w", telephony.ErrProviderRejected, err)
	}
	dest, err := p.ValidateDestination(req.Destination)
	if err != nil {
		return CallSession{}, err
	}

	release, err := m.opts.Limiter.Acquire(ctx, req.Variant)
	if err != nil {
		return CallSession{}, err
	}

	res, err := p.Originate(ctx, telephony.OriginateRequest{
		Destination:    dest,
		From:           req.From,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		release()
		m.log.Warn("originate failed", "provider", string(req.Variant), "err", err)
		return CallSession{}, err
	}
	attempts := res.Attempts
	if attempts == 0 {
		attempts = 1
	}

	sh := m.shardFor(res.CallID)
	sh.mu.Lock()
	s, ok := sh.sessions[res.CallID]
	if !ok {
		s = m.newSession(sh, p, CallSession{
			CallID:            res.CallID,
			Direction:         telephony.DirectionOutbound,
			AgentRef:          req.AgentRef,
			From:              req.From,
			To:                dest,
			OriginateAttempts: attempts,
		})
	}
	sh.mu.Unlock()

	// A webhook may have created the session before Originate returned.
	s.mu.Lock()
	if ok {
		s.snap.Direction = telephony.DirectionOutbound
		s.snap.AgentRef = firstNonEmpty(req.AgentRef, s.snap.AgentRef)
		s.snap.To = firstNonEmpty(s.snap.To, dest)
		s.snap.OriginateAttempts = attempts
	}
	terminal := s.snap.State.Terminal()
	if !terminal {
		s.onTerminal = release
	}
	s.mu.Unlock()
	if terminal {
		release()
	}

	m.log.Info("outbound call placed", "call_id", res.CallID, "provider", string(req.Variant), "attempts", attempts, "adopted", ok)
	return s.snapshot(), nil
}

// Terminate hangs the call up at the provider and moves it toward Ending.
// The state machine moves even when the hangup fails; the error is returned.
func (m *Manager) Terminate(ctx context.Context, callID, reason string) error {
	s := m.lookup(callID)
	if s == nil || s.state().Terminal() {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}

	hangupErr := s.provider.Hangup(ctx, callID)
	if hangupErr != nil {
		m.log.Warn("hangup failed", "call_id", callID, "err", hangupErr)
	}

	if reason == "" {
		reason = "terminated by operator"
	}
	done := make(chan struct{})
	if !s.post(message{kind: msgTerminate, reason: reason, done: done}) {
		return hangupErr
	}
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(hangupErr, ctx.Err())
	}
	return hangupErr
}

func (m *Manager) lookup(callID string) *session {
	sh := m.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sessions[callID]
}

func (m *Manager) Get(callID string) (CallSession, error) {
	s := m.lookup(callID)
	if s == nil {
		return CallSession{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return s.snapshot(), nil
}

// List returns all sessions still registered, newest first.
func (m *Manager) List() []CallSession {
	var out []CallSession
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		ss := make([]*session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			ss = append(ss, s)
		}
		sh.mu.Unlock()
		for _, s := range ss {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep drops sessions that have been terminal for longer than the grace window.
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for id, s := range sh.sessions {
			snap := s.snapshot()
			if snap.TerminalAt == nil || now.Sub(*snap.TerminalAt) < m.opts.GraceWindow {
				continue
			}
			delete(sh.sessions, id)
			removed++
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		m.log.Info("call sessions collected", "count", removed)
	}
	return removed
}

// Run sweeps on GCInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(m.now())
		}
	}
}

// Counts reports live sessions per state.
func (m *Manager) Counts() map[State]int {
	out := make(map[State]int)
	for _, s := range m.List() {
		out[s.State]++
	}
	return out
}

// Close cancels every actor and waits for their teardown.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.sinkQ == nil {
			return
		}
		m.sinkMu.Lock()
		m.sinkClosed = true
		close(m.sinkQ)
		m.sinkMu.Unlock()
		<-m.sinkDone
	})
}

// record queues a transition for the sink without blocking the caller. A
// single writer keeps each call's transitions in order.
func (m *Manager) record(s CallSession, t Transition) {
	if m.sinkQ == nil {
		return
	}
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	if m.sinkClosed {
		return
	}
	select {
	case m.sinkQ <- recordJob{snap: s, tr: t}:
	default:
		m.log.Warn("transition dropped, sink queue full", "call_id", t.CallID, "to", t.To)
	}
}

func (m *Manager) drainSink() {
	defer close(m.sinkDone)
	for job := range m.sinkQ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.opts.Sink.Record(ctx, job.snap, job.tr); err != nil {
			m.log.Warn("transition not recorded", "call_id", job.tr.CallID, "to", job.tr.To, "err", err)
		}
		cancel()
	}
}
