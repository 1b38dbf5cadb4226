package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
)

// platform is a fake agent platform: it answers start with ready, echoes
// audio and reports every other message on got.
func platform(t *testing.T, ready bool) (*httptest.Server, chan message) {
	t.Helper()
	got := make(chan message, 16)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer agent-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "start":
				got <- msg
				if !ready {
					_ = conn.WriteJSON(message{Type: "error", Reason: "no such agent"})
					continue
				}
				_ = conn.WriteJSON(message{Type: "ready", SessionID: "s-1"})
			case "audio":
				_ = conn.WriteJSON(message{Type: "audio", Payload: msg.Payload, Seq: msg.Seq})
			default:
				got <- msg
				if msg.Type == "stop" {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func connector(t *testing.T, srv *httptest.Server) *Connector {
	t.Helper()
	c, err := NewConnector(Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:        "agent-token",
		ReadyTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	return c
}

func next(t *testing.T, ch chan message) message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("platform received nothing")
		return message{}
	}
}

func TestConnector_SessionRoundTrip(t *testing.T) {
	srv, got := platform(t, true)
	c := connector(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, err := c.Connect(ctx, calls.AgentRequest{
		CallID:    "c1",
		AgentRef:  "support-bot",
		Direction: telephony.DirectionInbound,
		Provider:  telephony.VariantSipTrunk,
		From:      "+15550001111",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	start := next(t, got)
	if start.CallID != "c1" || start.AgentRef != "support-bot" || start.Encoding != "audio/x-mulaw" || start.Rate != 8000 {
		t.Fatalf("unexpected start %+v", start)
	}
	if sess.ID() != "s-1" {
		t.Fatalf("expected platform session id, got %q", sess.ID())
	}

	payload := []byte{0xFF, 0x7F, 0x00}
	if err := sess.WriteFrame(ctx, media.Frame{Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr, err := sess.ReadFrame(ctx)
	if err != nil || string(fr.Payload) != string(payload) || fr.Seq != 1 {
		t.Fatalf("unexpected echo %+v, %v", fr, err)
	}

	if err := sess.SendDTMF(ctx, "7"); err != nil {
		t.Fatalf("dtmf: %v", err)
	}
	if m := next(t, got); m.Type != "dtmf" || m.Digit != "7" {
		t.Fatalf("unexpected dtmf message %+v", m)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m := next(t, got); m.Type != "stop" {
		t.Fatalf("expected stop, got %+v", m)
	}
	if _, err := sess.ReadFrame(ctx); !errors.Is(err, media.ErrStreamClosed) && !errors.Is(err, io.EOF) {
		t.Fatalf("expected closed stream, got %v", err)
	}
	if err := sess.WriteFrame(ctx, media.Frame{Payload: payload}); !errors.Is(err, media.ErrStreamClosed) {
		t.Fatalf("write after close: %v", err)
	}
	_ = sess.Close()
}

func TestConnector_PlatformRefuses(t *testing.T) {
	srv, _ := platform(t, false)
	c := connector(t, srv)
	_, err := c.Connect(context.Background(), calls.AgentRequest{CallID: "c1", AgentRef: "missing"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestConnector_Unauthorized(t *testing.T) {
	srv, _ := platform(t, true)
	c, err := NewConnector(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	if _, err := c.Connect(context.Background(), calls.AgentRequest{CallID: "c1"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 dial error, got %v", err)
	}
}

func TestNewConnector_RejectsHTTPURL(t *testing.T) {
	if _, err := NewConnector(Config{URL: "https://agents.example.test"}, nil); err == nil {
		t.Fatalf("expected scheme error")
	}
}
