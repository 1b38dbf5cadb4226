package calls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"telephony-gateway/internal/bridge"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
)

type msgKind int

const (
	msgEvent msgKind = iota
	msgTimeout
	msgStall
	msgBridgeReady
	msgBridgeFailed
	msgBridgeEnded
	msgAnswerDone
	msgTerminate
)

type message struct {
	kind   msgKind
	ev     telephony.CallEvent
	gen    uint64
	handle *bridge.Handle
	agent  AgentSession
	ref    string
	err    error
	reason string
	done   chan struct{}
}

// mailbox is an unbounded FIFO. put never blocks the sender.
type mailbox struct {
	mu     sync.Mutex
	q      []message
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox { return &mailbox{notify: make(chan struct{}, 1)} }

func (b *mailbox) put(m message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.q = append(b.q, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) drain() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.q
	b.q = nil
	return q
}

// close refuses further messages and returns whatever was still queued.
func (b *mailbox) close() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	q := b.q
	b.q = nil
	return q
}

// session is one call's actor. Only run() touches the actor-owned fields;
// mu guards what snapshots read.
type session struct {
	m        *Manager
	provider telephony.Provider
	log      *slog.Logger
	box      *mailbox
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	snap       CallSession
	handle     *bridge.Handle
	onTerminal func()

	// actor-owned
	timer       *time.Timer
	timerGen    uint64
	starting    bool
	startCancel context.CancelFunc
	answering   bool
	agent       AgentSession
	mediaInfo   media.Info
}

func (s *session) snapshot() CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	if s.snap.TerminalAt != nil {
		t := *s.snap.TerminalAt
		out.TerminalAt = &t
	}
	if s.handle != nil {
		h := s.handle.Health()
		out.Bridge = &h
	}
	return out
}

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

func (s *session) post(m message) bool { return s.box.put(m) }

func (s *session) run() {
	defer s.m.wg.Done()
	defer s.shutdown()

	created := s.snapshot()
	s.m.record(created, Transition{ID: uuid.NewString(), CallID: created.CallID, To: StatePending, Trigger: TriggerCreated, At: created.CreatedAt})
	s.resetTimer()
	for {
		select {
		case <-s.box.notify:
		case <-s.ctx.Done():
			return
		}
		for _, msg := range s.box.drain() {
			s.apply(msg)
		}
		if s.finished() {
			// Late messages raced with the last drain.
			for _, msg := range s.box.close() {
				s.apply(msg)
			}
			return
		}
	}
}

func (s *session) finished() bool {
	return s.state().Terminal() && !s.starting && !s.answering
}

// shutdown always runs, including on manager cancellation.
func (s *session) shutdown() {
	s.stopTimer()
	if s.startCancel != nil {
		s.startCancel()
	}
	for _, msg := range s.box.close() {
		switch msg.kind {
		case msgBridgeReady:
			_ = s.m.opts.Bridge.Stop(msg.handle)
		case msgTerminate:
			close(msg.done)
		}
	}
	s.stopBridge()
	s.cancel()
}

func (s *session) apply(msg message) {
	switch msg.kind {
	case msgEvent:
		s.onEvent(msg.ev)
	case msgTimeout:
		if msg.gen == s.timerGen && s.state().settling() {
			s.enter(TriggerTimeout, "setup timeout")
		}
	case msgStall:
		if s.state() == StateActive && s.currentHandle() != nil {
			s.enter(TriggerBridgeStalled, msg.err.Error())
		}
	case msgBridgeReady:
		s.onBridgeReady(msg.handle, msg.agent, msg.ref)
	case msgBridgeEnded:
		if s.state() == StateActive && s.currentHandle() != nil {
			s.onLegEnded(msg.err)
		}
	case msgBridgeFailed:
		s.starting, s.startCancel = false, nil
		switch s.state() {
		case StateActive:
			s.enter(TriggerBridgeFailed, msg.err.Error())
		case StateEnding:
			s.enter(TriggerBridgeStopped, "")
		}
	case msgAnswerDone:
		s.answering = false
		if msg.err != nil {
			s.enter(TriggerAnswerFailed, msg.err.Error())
		}
	case msgTerminate:
		s.mu.Lock()
		s.snap.HangupAttempts++
		s.mu.Unlock()
		s.enter(TriggerTerminate, msg.reason)
		close(msg.done)
	}
}

func (s *session) onEvent(ev telephony.CallEvent) {
	st := s.state()
	if st.Terminal() {
		s.log.Debug("event for finished call ignored", "event", ev.Kind, "state", st)
		return
	}

	s.mu.Lock()
	if !ev.ReceivedAt.IsZero() {
		s.snap.LastEventAt = ev.ReceivedAt
	} else {
		s.snap.LastEventAt = s.m.now()
	}
	if s.snap.Direction == "" {
		s.snap.Direction = ev.Direction
	}
	if s.snap.From == "" {
		s.snap.From = ev.From
	}
	if s.snap.To == "" {
		s.snap.To = ev.To
	}
	s.mu.Unlock()
	if ev.Media != nil {
		s.mediaInfo = *ev.Media
	}

	if st.settling() {
		s.resetTimer()
	}

	if ev.Kind == telephony.EventDTMF {
		if st == StateActive {
			s.forwardDigit(ev.Digit)
		}
		return
	}
	reason := ev.Reason
	if ev.Kind == telephony.EventError && reason == "" {
		reason = "provider error"
	}
	s.enter(eventTrigger(ev.Kind), reason)
}

// enter applies t and runs the side effects of the state it lands in.
func (s *session) enter(t Trigger, reason string) {
	from := s.state()
	to, ok := Next(from, t)
	if !ok {
		s.log.Debug("trigger ignored", "trigger", t, "state", from)
		return
	}
	if to == from {
		return
	}

	now := s.m.now()
	s.mu.Lock()
	s.snap.State = to
	if to.Terminal() {
		s.snap.TerminalAt = &now
	}
	if to == StateFailed {
		s.snap.FailureReason = reason
	}
	snap := s.snap
	s.mu.Unlock()

	if !to.settling() {
		s.stopTimer()
	}

	tr := Transition{ID: uuid.NewString(), CallID: snap.CallID, From: from, To: to, Trigger: t, Reason: reason, At: now}
	s.log.Info("call transition", "from", from, "to", to, "trigger", t, "reason", reason)
	s.m.record(snap, tr)

	switch to {
	case StateRinging:
		if snap.Direction == telephony.DirectionInbound {
			s.answer()
		}
	case StateActive:
		s.startBridge()
	case StateEnding:
		if s.startCancel != nil {
			s.startCancel()
		}
		if !s.starting {
			s.stopBridge()
			s.enter(TriggerBridgeStopped, "")
		}
	case StateFailed:
		if s.startCancel != nil {
			s.startCancel()
		}
		s.stopBridge()
		if t == TriggerTimeout || t == TriggerBridgeStalled || t == TriggerBridgeFailed {
			s.hangupBestEffort()
		}
	}

	if to.Terminal() {
		s.mu.Lock()
		release := s.onTerminal
		s.onTerminal = nil
		s.mu.Unlock()
		if release != nil {
			release()
		}
	}
}

func (s *session) resetTimer() {
	s.stopTimer()
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.m.opts.SetupTimeout, func() {
		s.post(message{kind: msgTimeout, gen: gen})
	})
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) answer() {
	s.answering = true
	callID := s.snap.CallID
	go func() {
		err := s.provider.Answer(s.ctx, callID)
		if err != nil {
			s.log.Warn("answer failed", "err", err)
		}
		s.post(message{kind: msgAnswerDone, err: err})
	}()
}

func (s *session) startBridge() {
	snap := s.snapshot()
	info := s.mediaInfo
	ctx, cancel := context.WithCancel(s.ctx)
	s.starting, s.startCancel = true, cancel

	go func() {
		defer cancel()
		ref := snap.AgentRef
		if ref == "" && snap.Direction == telephony.DirectionInbound && s.m.opts.Router != nil {
			r, err := s.m.opts.Router.RouteAgent(ctx, snap)
			if err != nil {
				s.post(message{kind: msgBridgeFailed, err: fmt.Errorf("route agent: %w", err)})
				return
			}
			ref = r
		}
		agent, err := s.m.opts.Agents.Connect(ctx, AgentRequest{
			CallID:    snap.CallID,
			AgentRef:  ref,
			Direction: snap.Direction,
			Provider:  snap.Provider,
			From:      snap.From,
			To:        snap.To,
		})
		if err != nil {
			s.post(message{kind: msgBridgeFailed, err: err})
			return
		}
		pstream, err := s.provider.OpenMedia(ctx, snap.CallID, info)
		if err != nil {
			_ = agent.Close()
			s.post(message{kind: msgBridgeFailed, err: err})
			return
		}
		h, err := s.m.opts.Bridge.Start(ctx, bridge.StartRequest{
			CallID:      snap.CallID,
			Provider:    pstream,
			Agent:       agent,
			StallWindow: s.m.opts.StallWindow,
			OnStall: func(_ string, err error) {
				s.post(message{kind: msgStall, err: err})
			},
			OnEnded: func(_ string, err error) {
				s.post(message{kind: msgBridgeEnded, err: err})
			},
		})
		if err != nil {
			_ = pstream.Close()
			_ = agent.Close()
			s.post(message{kind: msgBridgeFailed, err: err})
			return
		}
		if !s.post(message{kind: msgBridgeReady, handle: h, agent: agent, ref: ref}) {
			_ = s.m.opts.Bridge.Stop(h)
		}
	}()
}

func (s *session) onBridgeReady(h *bridge.Handle, agent AgentSession, ref string) {
	s.starting, s.startCancel = false, nil
	st := s.state()
	if st == StateActive {
		s.mu.Lock()
		s.handle = h
		s.snap.AgentRef = firstNonEmpty(s.snap.AgentRef, ref, agent.ID())
		s.mu.Unlock()
		s.agent = agent
		// A leg may have ended before the handle reached the actor.
		if err := h.Ended(); err != nil {
			s.onLegEnded(err)
		}
		return
	}
	// The call moved on while media was being set up.
	if err := s.m.opts.Bridge.Stop(h); err != nil {
		s.log.Warn("bridge stop failed", "err", err)
	}
	if st == StateEnding {
		s.enter(TriggerBridgeStopped, "")
	}
}

// onLegEnded fails the call when a bridge leg goes away mid-call. A clean
// end of the provider leg usually precedes the provider's ended webhook, so
// that case gets one stall window for the webhook to arrive first.
func (s *session) onLegEnded(err error) {
	var le *bridge.LegError
	if errors.As(err, &le) && le.Leg == bridge.LegProvider && errors.Is(err, io.EOF) {
		s.log.Info("provider media ended, waiting for hangup event", "wait", s.m.opts.StallWindow.String())
		stall := fmt.Errorf("%w: %w", bridge.ErrBridgeStalled, err)
		time.AfterFunc(s.m.opts.StallWindow, func() {
			s.post(message{kind: msgStall, err: stall})
		})
		return
	}
	s.enter(TriggerBridgeFailed, err.Error())
}

func (s *session) currentHandle() *bridge.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *session) stopBridge() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	s.agent = nil
	if h == nil {
		return
	}
	if err := s.m.opts.Bridge.Stop(h); err != nil {
		s.log.Warn("bridge stop failed", "err", err)
	}
}

func (s *session) forwardDigit(digit string) {
	if s.agent == nil {
		s.log.Debug("dtmf before agent attached dropped", "digit", digit)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	if err := s.agent.SendDTMF(ctx, digit); err != nil {
		s.log.Warn("dtmf forward failed", "digit", digit, "err", err)
	}
}

func (s *session) hangupBestEffort() {
	s.mu.Lock()
	s.snap.HangupAttempts++
	callID := s.snap.CallID
	s.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.m.opts.ProviderRPCTimeout)
		defer cancel()
		if err := s.provider.Hangup(ctx, callID); err != nil {
			s.log.Warn("best-effort hangup failed", "err", err)
		}
	}()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
