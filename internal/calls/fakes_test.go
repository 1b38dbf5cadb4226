package calls

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telephony-gateway/internal/bridge"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
)

type chanStream struct {
	in     chan media.Frame
	out    chan media.Frame
	closed chan struct{}
	once   sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{in: make(chan media.Frame, 16), out: make(chan media.Frame, 16), closed: make(chan struct{})}
}

func (s *chanStream) ReadFrame(ctx context.Context) (media.Frame, error) {
	select {
	case f, ok := <-s.in:
		if !ok {
			return media.Frame{}, io.EOF
		}
		return f, nil
	case <-s.closed:
		return media.Frame{}, media.ErrStreamClosed
	case <-ctx.Done():
		return media.Frame{}, ctx.Err()
	}
}

func (s *chanStream) WriteFrame(ctx context.Context, f media.Frame) error {
	select {
	case s.out <- f:
	default:
	}
	return nil
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeAgent struct {
	*chanStream
	id string

	mu     sync.Mutex
	digits []string
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) SendDTMF(_ context.Context, d string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.digits = append(a.digits, d)
	return nil
}

func (a *fakeAgent) Digits() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.digits...)
}

type fakeAgents struct {
	mu       sync.Mutex
	sessions map[string]*fakeAgent
	refs     map[string]string
}

func (f *fakeAgents) Connect(_ context.Context, req AgentRequest) (AgentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]*fakeAgent)
		f.refs = make(map[string]string)
	}
	f.refs[req.CallID] = req.AgentRef
	a := &fakeAgent{chanStream: newChanStream(), id: "agent-" + req.CallID}
	f.sessions[req.CallID] = a
	return a, nil
}

func (f *fakeAgents) ref(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[callID]
}

func (f *fakeAgents) get(callID string) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[callID]
}

// fakeProvider is scripted per test. originateFailures transient failures
// happen before Originate succeeds.
type fakeProvider struct {
	variant telephony.Variant

	mu                sync.Mutex
	originateFailures int
	hangupErr         error
	nextID            int
	keys              []string

	originates atomic.Int32
	answers    atomic.Int32
	hangups    atomic.Int32
	lastMedia  atomic.Pointer[chanStream]
}

func (p *fakeProvider) Variant() telephony.Variant { return p.variant }

func (p *fakeProvider) ValidateDestination(dest string) (string, error) {
	return telephony.NormalizeE164(dest)
}

func (p *fakeProvider) Originate(_ context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	p.originates.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, req.IdempotencyKey)
	if p.originateFailures > 0 {
		p.originateFailures--
		return telephony.OriginateResult{}, &telephony.ProviderError{Provider: p.variant, Op: "originate", StatusCode: 503, Err: telephony.ErrProviderUnavailable}
	}
	p.nextID++
	return telephony.OriginateResult{CallID: fmt.Sprintf("out-%d", p.nextID), Status: "queued"}, nil
}

func (p *fakeProvider) Answer(context.Context, string) error {
	p.answers.Add(1)
	return nil
}

func (p *fakeProvider) Hangup(context.Context, string) error {
	p.hangups.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hangupErr
}

func (p *fakeProvider) SendSignal(context.Context, string, telephony.Signal) error { return nil }

func (p *fakeProvider) VerifyWebhook(telephony.RawWebhook) error { return nil }

func (p *fakeProvider) NormalizeWebhook(telephony.RawWebhook) (telephony.CallEvent, error) {
	return telephony.CallEvent{}, telephony.ErrMalformedSignaling
}

func (p *fakeProvider) WebhookAck(context.Context, telephony.CallEvent) (telephony.Ack, error) {
	return telephony.Ack{Status: 200}, nil
}

func (p *fakeProvider) OpenMedia(context.Context, string, media.Info) (media.Stream, error) {
	s := newChanStream()
	p.lastMedia.Store(s)
	return s, nil
}

type routerFunc func(ctx context.Context, s CallSession) (string, error)

func (f routerFunc) RouteAgent(ctx context.Context, s CallSession) (string, error) { return f(ctx, s) }

type countingBridge struct {
	inner  *bridge.Bridge
	starts atomic.Int32
	stops  atomic.Int32
}

func (b *countingBridge) Start(ctx context.Context, req bridge.StartRequest) (*bridge.Handle, error) {
	b.starts.Add(1)
	return b.inner.Start(ctx, req)
}

func (b *countingBridge) Stop(h *bridge.Handle) error {
	b.stops.Add(1)
	return b.inner.Stop(h)
}

type recordingSink struct {
	mu  sync.Mutex
	all []Transition
}

func (r *recordingSink) Record(_ context.Context, _ CallSession, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, t)
	return nil
}

func (r *recordingSink) states(callID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, t := range r.all {
		if t.CallID == callID {
			out = append(out, t.To)
		}
	}
	return out
}

func (r *recordingSink) count(callID string, to State) int {
	n := 0
	for _, s := range r.states(callID) {
		if s == to {
			n++
		}
	}
	return n
}

type harness struct {
	m      *Manager
	prov   *fakeProvider
	agents *fakeAgents
	bridge *countingBridge
	sink   *recordingSink
}

func newHarness(t *testing.T, variant telephony.Variant, mutate func(*Options), wrap func(telephony.Provider) telephony.Provider) *harness {
	t.Helper()
	h := &harness{
		prov:   &fakeProvider{variant: variant},
		agents: &fakeAgents{},
		bridge: &countingBridge{inner: bridge.New(nil)},
		sink:   &recordingSink{},
	}
	var p telephony.Provider = h.prov
	if wrap != nil {
		p = wrap(p)
	}
	opts := Options{
		SetupTimeout: time.Minute,
		GraceWindow:  time.Hour,
		StallWindow:  time.Minute,
		Agents:       h.agents,
		Bridge:       h.bridge,
		Sink:         h.sink,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(telephony.NewRegistry(p), opts)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func (h *harness) event(callID string, kind telephony.EventKind) telephony.CallEvent {
	return telephony.CallEvent{
		CallID:     callID,
		Kind:       kind,
		Provider:   h.prov.variant,
		Direction:  telephony.DirectionInbound,
		ReceivedAt: time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, callID string, want State) CallSession {
	t.Helper()
	var got CallSession
	waitFor(t, fmt.Sprintf("%s to reach %s", callID, want), func() bool {
		s, err := h.m.Get(callID)
		got = s
		return err == nil && s.State == want
	})
	return got
}

// waitRecorded waits until the sink has seen callID reach want.
func (h *harness) waitRecorded(t *testing.T, callID string, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s recorded as %s", callID, want), func() bool {
		return h.sink.count(callID, want) > 0
	})
}
