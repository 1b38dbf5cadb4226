package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type nopStream struct{ closed atomic.Bool }

func (s *nopStream) ReadFrame(context.Context) (Frame, error) { return Frame{}, io.EOF }
func (s *nopStream) WriteFrame(context.Context, Frame) error { return nil }
func (s *nopStream) Close() error { s.closed.Store(true); return nil }

func TestHub_DeliverBeforeAwait(t *testing.T) {
	h := NewHub(time.Minute)
	s := &nopStream{}
	h.Deliver("CA1", s)

	got, err := h.Await(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != s {
		t.Fatalf("expected delivered stream")
	}
}

func TestHub_AwaitBeforeDeliver(t *testing.T) {
	h := NewHub(time.Minute)
	s := &nopStream{}

	done := make(chan Stream, 1)
	go func() {
		got, _ := h.Await(context.Background(), "CA2")
		done <- got
	}()
	// Wait until the waiter is registered.
	for i := 0; i < 100; i++ {
		h.mu.Lock()
		_, ok := h.waiters["CA2"]
		h.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Deliver("CA2", s)

	select {
	case got := <-done:
		if got != s {
			t.Fatalf("expected delivered stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not return")
	}
}

func TestHub_AwaitTimesOutAndUnclaimedStreamExpires(t *testing.T) {
	h := NewHub(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx, "CA3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	s := &nopStream{}
	h.Deliver("CA3", s)
	time.Sleep(60 * time.Millisecond)
	h.mu.Lock()
	_, still := h.ready["CA3"]
	h.mu.Unlock()
	if still || !s.closed.Load() {
		t.Fatalf("expected unclaimed stream to be closed and dropped")
	}
}

func TestCarrierStream_RoundTrip(t *testing.T) {
	accepted := make(chan *CarrierStream, 1)
	digits := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := AcceptCarrier(conn, CarrierOptions{OnDTMF: func(_, d string) { digits <- d }})
		if err != nil {
			_ = conn.Close()
			return
		}
		accepted <- s
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	send := func(v any) {
		if err := client.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{"event": "connected"})
	send(map[string]any{"event": "start", "streamSid": "MZ1", "start": map[string]any{"streamSid": "MZ1", "callSid": "CA9"}})

	var s *CarrierStream
	select {
	case s = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not accepted")
	}
	defer s.Close()
	if s.CallID() != "CA9" || s.StreamID() != "MZ1" {
		t.Fatalf("unexpected ids %q %q", s.CallID(), s.StreamID())
	}

	payload := []byte{1, 2, 3, 4}
	send(map[string]any{"event": "media", "media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(payload)}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(f.Payload) != string(payload) {
		t.Fatalf("unexpected payload %v", f.Payload)
	}

	send(map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}})
	select {
	case d := <-digits:
		if d != "5" {
			t.Fatalf("unexpected digit %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dtmf not delivered")
	}

	if err := s.WriteFrame(ctx, Frame{Payload: []byte{9, 9}}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg carrierMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event != "media" || msg.StreamSID != "MZ1" {
		t.Fatalf("unexpected outbound message %s", data)
	}

	send(map[string]any{"event": "stop"})
	if _, err := s.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after stop, got %v", err)
	}
}

func TestRTPStream_SymmetricExchange(t *testing.T) {
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	// left knows right; right learns left from the first packet.
	left := NewRTPStream(a, b.LocalAddr(), PayloadTypePCMU)
	right := NewRTPStream(b, nil, PayloadTypePCMU)
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := left.WriteFrame(ctx, Frame{Payload: []byte{0xFF, 0xFE}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := right.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(f.Payload) != 2 {
		t.Fatalf("unexpected payload %v", f.Payload)
	}

	if err := right.WriteFrame(ctx, Frame{Payload: []byte{0x7F}}); err != nil {
		t.Fatalf("write back: %v", err)
	}
	if _, err := left.ReadFrame(ctx); err != nil {
		t.Fatalf("read back: %v", err)
	}
}

func TestRTPStream_ReadHonorsContext(t *testing.T) {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewRTPStream(c, nil, PayloadTypePCMU)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
