package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
	"telephony-gateway/internal/tunnel"
)

// stubProvider treats the body as "<call_id>:<event>" and accepts any request
// carrying X-Test-Signed. DTMF carries no provider event id.
type stubProvider struct {
	variant telephony.Variant

	mu   sync.Mutex
	seen []telephony.RawWebhook
}

func (p *stubProvider) Variant() telephony.Variant { return p.variant }
func (p *stubProvider) ValidateDestination(d string) (string, error) {
	return telephony.NormalizeE164(d)
}
func (p *stubProvider) Originate(context.Context, telephony.OriginateRequest) (telephony.OriginateResult, error) {
	return telephony.OriginateResult{}, errors.New("not used")
}
func (p *stubProvider) Answer(context.Context, string) error { return nil }
func (p *stubProvider) Hangup(context.Context, string) error { return nil }
func (p *stubProvider) SendSignal(context.Context, string, telephony.Signal) error { return nil }
func (p *stubProvider) OpenMedia(context.Context, string, media.Info) (media.Stream, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) VerifyWebhook(w telephony.RawWebhook) error {
	p.mu.Lock()
	p.seen = append(p.seen, w)
	p.mu.Unlock()
	if w.Header.Get("X-Test-Signed") == "" {
		return telephony.ErrWebhookUnverified
	}
	return nil
}

func (p *stubProvider) NormalizeWebhook(w telephony.RawWebhook) (telephony.CallEvent, error) {
	callID, kind, ok := strings.Cut(string(w.Body), ":")
	if !ok || callID == "" {
		return telephony.CallEvent{}, fmt.Errorf("%w: bad body", telephony.ErrMalformedSignaling)
	}
	ev := telephony.CallEvent{
		CallID:   callID,
		Kind:     telephony.EventKind(kind),
		Provider: p.variant,
	}
	if ev.Kind != telephony.EventDTMF {
		ev.ProviderEventID = callID + ":" + kind + ":" + w.Route
	}
	return ev, nil
}

func (p *stubProvider) WebhookAck(context.Context, telephony.CallEvent) (telephony.Ack, error) {
	return telephony.Ack{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"ok":true}`)}, nil
}

func (p *stubProvider) last() telephony.RawWebhook {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[len(p.seen)-1]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []telephony.CallEvent
	err    error
	block  chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev telephony.CallEvent) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}

func (d *recordingDispatcher) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *recordingDispatcher) all() []telephony.CallEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]telephony.CallEvent(nil), d.events...)
}

type fixture struct {
	srv    *Server
	engine *gin.Engine
	prov   *stubProvider
	calls  *recordingDispatcher
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{prov: &stubProvider{variant: telephony.VariantSipTrunk}, calls: &recordingDispatcher{}}
	opts := Options{
		Providers:  telephony.NewRegistry(f.prov),
		Calls:      f.calls,
		PublicURL:  func() string { return "https://gw.example.test/" },
		AckTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	f.srv = srv
	f.engine = gin.New()
	srv.Register(f.engine)
	return f
}

func (f *fixture) post(path, body string, signed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if signed {
		req.Header.Set("X-Test-Signed", "1")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestWebhook_DispatchesAndAcks(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post("/webhooks/sip_trunk?attempt=1", "c1:ringing", true)
	if w.Code != http.StatusOK || w.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	evs := f.calls.all()
	if len(evs) != 1 || evs[0].CallID != "c1" || evs[0].Kind != telephony.EventRinging {
		t.Fatalf("unexpected dispatch %+v", evs)
	}
	raw := f.prov.last()
	if raw.URL != "https://gw.example.test/webhooks/sip_trunk?attempt=1" {
		t.Fatalf("provider verified against %q", raw.URL)
	}
	if raw.Route != "" {
		t.Fatalf("expected voice route, got %q", raw.Route)
	}
	if st := f.srv.Stats(); st.Dispatched != 1 || st.Received != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestWebhook_StatusRoute(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.post("/webhooks/sip_trunk/status", "c1:ended", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := f.prov.last().Route; got != "status" {
		t.Fatalf("expected status route, got %q", got)
	}
}

func TestWebhook_UnverifiedRejected(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post("/webhooks/sip_trunk", "c1:ringing", false)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if len(f.calls.all()) != 0 {
		t.Fatalf("unverified webhook must not be dispatched")
	}
	if f.srv.Stats().Unverified != 1 {
		t.Fatalf("expected unverified counter")
	}
}

func TestWebhook_MalformedNeverDispatched(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{"", "garbage", ":ringing"} {
		w := f.post("/webhooks/sip_trunk", body, true)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, w.Code)
		}
	}
	if len(f.calls.all()) != 0 {
		t.Fatalf("malformed signaling reached the call manager")
	}
	if got := f.srv.Stats().Malformed; got != 3 {
		t.Fatalf("expected 3 malformed, got %d", got)
	}
}

func TestWebhook_RedeliveryAckedOnce(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		if w := f.post("/webhooks/sip_trunk", "c1:answered", true); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, w.Code)
		}
	}
	if n := len(f.calls.all()); n != 1 {
		t.Fatalf("expected one dispatch, got %d", n)
	}
	if got := f.srv.Stats().Duplicates; got != 2 {
		t.Fatalf("expected 2 duplicates, got %d", got)
	}
}

func TestWebhook_RepeatedDigitsWithoutEventIDAllDispatched(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		if w := f.post("/webhooks/sip_trunk", "c1:dtmf", true); w.Code != http.StatusOK {
			t.Fatalf("press %d: expected 200, got %d", i, w.Code)
		}
	}
	if n := len(f.calls.all()); n != 2 {
		t.Fatalf("expected both presses dispatched, got %d", n)
	}
	if got := f.srv.Stats().Duplicates; got != 0 {
		t.Fatalf("expected no duplicates, got %d", got)
	}
}

func TestWebhook_FailedDispatchRedeliveryHandledAgain(t *testing.T) {
	f := newFixture(t, nil)
	f.calls.fail(errors.New("store unavailable"))
	if w := f.post("/webhooks/sip_trunk", "c1:answered", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	f.calls.fail(nil)
	if w := f.post("/webhooks/sip_trunk", "c1:answered", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if n := len(f.calls.all()); n != 2 {
		t.Fatalf("expected redelivery dispatched again, got %d dispatches", n)
	}
	if st := f.srv.Stats(); st.Duplicates != 0 || st.Dispatched != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	if w := f.post("/webhooks/sip_trunk", "c1:answered", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := f.srv.Stats().Duplicates; got != 1 {
		t.Fatalf("delivered event must stay deduplicated, got %d duplicates", got)
	}
}

func TestWebhook_SlowDispatchStillAcked(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(o *Options) { o.AckTimeout = 20 * time.Millisecond })
	f.calls.block = release

	start := time.Now()
	w := f.post("/webhooks/sip_trunk", "c1:ringing", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected ack, got %d", w.Code)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("ack waited for dispatch")
	}
	if f.srv.Stats().SlowAcks != 1 {
		t.Fatalf("expected slow ack counted")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.calls.all()) == 1 && f.srv.Stats().Dispatched == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("background dispatch never finished")
}

func TestWebhook_UnknownCallStillAcked(t *testing.T) {
	f := newFixture(t, nil)
	f.calls.err = fmt.Errorf("%w: c9", calls.ErrUnknownCall)
	if w := f.post("/webhooks/sip_trunk", "c9:dtmf", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown call, got %d", w.Code)
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/webhooks/nope", "/webhooks/cloud_carrier"} {
		if w := f.post(path, "c1:ringing", true); w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	var down bool
	f := newFixture(t, func(o *Options) {
		o.Health = func() error {
			if down {
				return tunnel.ErrTunnelUnavailable
			}
			return nil
		}
	})

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	down = true
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "unavailable") {
		t.Fatalf("expected 503, got %d %s", w.Code, w.Body.String())
	}
}

func TestWebhook_DispatchedWhileTunnelUnavailable(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Health = func() error { return tunnel.ErrTunnelUnavailable }
	})
	if w := f.post("/webhooks/sip_trunk", "c1:ended", true); w.Code != http.StatusOK {
		t.Fatalf("expected in-flight call webhook handled, got %d", w.Code)
	}
	if n := len(f.calls.all()); n != 1 {
		t.Fatalf("expected dispatch during outage, got %d", n)
	}
}

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	if ok, _ := d.FirstSeen(context.Background(), "k"); !ok {
		t.Fatalf("first delivery must be new")
	}
	if ok, _ := d.FirstSeen(context.Background(), "k"); ok {
		t.Fatalf("redelivery must be seen")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := d.FirstSeen(context.Background(), "k"); !ok {
		t.Fatalf("expired key must be new again")
	}
}

func TestMemoryDedupForget(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	ctx := context.Background()
	_, _ = d.FirstSeen(ctx, "k")
	if err := d.Forget(ctx, "k"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ok, _ := d.FirstSeen(ctx, "k"); !ok {
		t.Fatalf("forgotten key must be new again")
	}
}
