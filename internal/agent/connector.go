// Package agent links calls to the AI agent platform over a websocket. Audio
// travels as base64 mu-law inside JSON messages; the platform answers a
// start message with ready before any audio flows.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/media"
)

var ErrNotReady = errors.New("agent: session not ready")

type message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	AgentRef  string `json:"agent_ref,omitempty"`
	Direction string `json:"direction,omitempty"`
	Provider  string `json:"provider,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Rate      int    `json:"sample_rate,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Seq       uint16 `json:"seq,omitempty"`
	Digit     string `json:"digit,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Config struct {
	URL string
	// Token is sent as a bearer on the upgrade request when set.
	Token            string
	HandshakeTimeout time.Duration
	ReadyTimeout     time.Duration
	PingInterval     time.Duration
	Buffer           int
}

// Connector dials one websocket per call.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

var _ calls.AgentConnector = (*Connector)(nil)

func NewConnector(cfg Config, log *slog.Logger) (*Connector, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errors.New("agent: AGENT_WS_URL must be a ws:// or wss:// url")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 50
	}
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log.With("component", "agent"),
	}, nil
}

func (c *Connector) Connect(ctx context.Context, req calls.AgentRequest) (calls.AgentSession, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent: dial: %w", err)
	}

	start := message{
		Type:      "start",
		CallID:    req.CallID,
		AgentRef:  req.AgentRef,
		Direction: string(req.Direction),
		Provider:  string(req.Provider),
		From:      req.From,
		To:        req.To,
		Encoding:  "audio/x-mulaw",
		Rate:      8000,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("agent: start: %w", err)
	}

	deadline := time.Now().Add(c.cfg.ReadyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	var ready message
	for ready.Type != "ready" {
		if err := conn.ReadJSON(&ready); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		if ready.Type == "error" || ready.Type == "stop" {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotReady, ready.Reason)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Session{
		conn:   conn,
		id:     ready.SessionID,
		callID: req.CallID,
		frames: make(chan media.Frame, c.cfg.Buffer),
		done:   make(chan struct{}),
		log:    c.log.With("call_id", req.CallID, "agent_session", ready.SessionID),
	}
	if s.id == "" {
		s.id = req.CallID
	}
	go s.readLoop()
	go s.keepAlive(c.cfg.PingInterval)
	s.log.Info("agent session ready", "agent_ref", req.AgentRef)
	return s, nil
}

// Session is one call's link to the agent platform.
type Session struct {
	conn   *websocket.Conn
	id     string
	callID string
	log    *slog.Logger

	frames  chan media.Frame
	done    chan struct{}
	writeMu sync.Mutex
	seq     uint16

	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

var _ calls.AgentSession = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(io.EOF)
			} else {
				s.setErr(err)
			}
			return
		}
		switch msg.Type {
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil || len(audio) == 0 {
				continue
			}
			select {
			case s.frames <- media.Frame{Payload: audio, Seq: msg.Seq, At: time.Now()}:
			case <-s.done:
				return
			}
		case "stop":
			s.log.Info("agent ended session", "reason", msg.Reason)
			s.setErr(io.EOF)
			return
		}
	}
}

func (s *Session) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.errMu.Unlock()
}

func (s *Session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return media.ErrStreamClosed
	}
	return s.readErr
}

func (s *Session) ReadFrame(ctx context.Context) (media.Frame, error) {
	select {
	case <-s.done:
		return media.Frame{}, media.ErrStreamClosed
	default:
	}
	select {
	case f, ok := <-s.frames:
		if !ok {
			return media.Frame{}, s.err()
		}
		return f, nil
	case <-s.done:
		return media.Frame{}, media.ErrStreamClosed
	case <-ctx.Done():
		return media.Frame{}, ctx.Err()
	}
}

func (s *Session) WriteFrame(ctx context.Context, f media.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	return s.write(ctx, message{Type: "audio", Payload: base64.StdEncoding.EncodeToString(f.Payload), Seq: s.seq})
}

func (s *Session) SendDTMF(ctx context.Context, digit string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(ctx, message{Type: "dtmf", CallID: s.callID, Digit: digit})
}

// write must be called with writeMu held.
func (s *Session) write(ctx context.Context, msg message) error {
	select {
	case <-s.done:
		return media.ErrStreamClosed
	default:
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tells the platform the call is over and closes the socket.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(message{Type: "stop", CallID: s.callID})
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(s.done)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
