package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/config"
	"telephony-gateway/internal/lifecycle"
	"telephony-gateway/internal/rbac"
	"telephony-gateway/internal/routing"
	"telephony-gateway/internal/telephony"
)

type fakeCalls struct {
	live         map[string]calls.CallSession
	placeErr     error
	terminateErr error
	placed       []calls.OutboundRequest
	terminated   []string
}

func (f *fakeCalls) PlaceOutboundCall(_ context.Context, req calls.OutboundRequest) (calls.CallSession, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return calls.CallSession{}, f.placeErr
	}
	s := calls.CallSession{CallID: "out-1", State: calls.StatePending, Provider: req.Variant, To: req.Destination}
	f.live[s.CallID] = s
	return s, nil
}

func (f *fakeCalls) Get(id string) (calls.CallSession, error) {
	s, ok := f.live[id]
	if !ok {
		return calls.CallSession{}, fmt.Errorf("%w: %s", calls.ErrUnknownCall, id)
	}
	return s, nil
}

func (f *fakeCalls) List() []calls.CallSession {
	var out []calls.CallSession
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

func (f *fakeCalls) Terminate(_ context.Context, id, reason string) error {
	s, ok := f.live[id]
	if !ok {
		return fmt.Errorf("%w: %s", calls.ErrUnknownCall, id)
	}
	f.terminated = append(f.terminated, reason)
	s.State = calls.StateEnding
	f.live[id] = s
	return f.terminateErr
}

type fixture struct {
	engine *gin.Engine
	auth   *auth.Manager
	calls  *fakeCalls
	repo   *lifecycle.MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, MediaTokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	f := &fixture{auth: am, calls: &fakeCalls{live: map[string]calls.CallSession{}}, repo: lifecycle.NewMemoryRepo()}
	h := Handlers{
		Calls:     f.calls,
		History:   lifecycle.NewRecorder(f.repo, nil),
		Overrides: routing.NewOverrideEngine(routing.NewMemoryOverrides(), nil),
	}

	f.engine = gin.New()
	v1 := f.engine.Group("/v1")
	v1.Use(auth.RequireAccessToken(am))
	h.Register(v1)
	return f
}

func (f *fixture) do(t *testing.T, role, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		tok, err := f.auth.IssueAccess(time.Now(), "op-1", role)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestPlaceCall(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/calls", `{"destination":"+15551234567","provider":"sip_trunk","agent_ref":"agent-7"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	var got calls.CallSession
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallID != "out-1" || got.State != calls.StatePending {
		t.Fatalf("unexpected session %+v", got)
	}
	if req := f.calls.placed[0]; req.Variant != telephony.VariantSipTrunk || req.AgentRef != "agent-7" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestPlaceCall_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"destination":"+15551234567"}`, http.StatusBadRequest},
		{`{"destination":"+15551234567","provider":"pots"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/calls", tc.body); w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.want, w.Code)
		}
	}
	if len(f.calls.placed) != 0 {
		t.Fatalf("invalid requests must not reach the manager")
	}
}

func TestPlaceCall_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %q", telephony.ErrInvalidDestination, "12"), http.StatusBadRequest},
		{calls.ErrOutboundCapacity, http.StatusTooManyRequests},
		{&telephony.ProviderError{Provider: telephony.VariantCloudCarrier, Op: "originate", StatusCode: 503, Err: telephony.ErrProviderUnavailable}, http.StatusServiceUnavailable},
		{&telephony.ProviderError{Provider: telephony.VariantCloudCarrier, Op: "originate", StatusCode: 401, Err: telephony.ErrProviderRejected}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.calls.placeErr = tc.err
		w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/calls", `{"destination":"+15551234567","provider":"cloud_carrier"}`)
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestCallRoutes_RBAC(t *testing.T) {
	f := newFixture(t)
	body := `{"destination":"+15551234567","provider":"sip_trunk"}`

	if w := f.do(t, "", http.MethodGet, "/v1/calls", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := f.do(t, rbac.RoleViewer, http.MethodPost, "/v1/calls", body); w.Code != http.StatusForbidden {
		t.Fatalf("viewer must not place calls, got %d", w.Code)
	}
	if w := f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/calls", ""); w.Code != http.StatusOK {
		t.Fatalf("viewer may list calls, got %d", w.Code)
	}
	if w := f.do(t, rbac.RoleAdmin, http.MethodPost, "/v1/calls", body); w.Code != http.StatusCreated {
		t.Fatalf("admin may place calls, got %d", w.Code)
	}
}

func TestListCalls_FilterByState(t *testing.T) {
	f := newFixture(t)
	f.calls.live["a"] = calls.CallSession{CallID: "a", State: calls.StateActive}
	f.calls.live["b"] = calls.CallSession{CallID: "b", State: calls.StateRinging}

	w := f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/calls?state=active", "")
	var body struct {
		Calls []calls.CallSession `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Calls) != 1 || body.Calls[0].CallID != "a" {
		t.Fatalf("unexpected list %+v", body.Calls)
	}
}

func TestGetCall_FallsBackToHistory(t *testing.T) {
	f := newFixture(t)
	done := time.Now().UTC()
	s := calls.CallSession{CallID: "gone", State: calls.StateFailed, FailureReason: "setup timeout", TerminalAt: &done}
	if err := f.repo.Save(context.Background(), s, calls.Transition{ID: "t1", CallID: "gone", From: calls.StateRinging, To: calls.StateFailed, Trigger: calls.TriggerTimeout}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/calls/gone", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"failed"`) {
		t.Fatalf("expected persisted failure, got %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/calls/gone/transitions", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"trigger":"timeout"`) {
		t.Fatalf("expected history, got %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/calls/never", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTerminateCall(t *testing.T) {
	f := newFixture(t)
	f.calls.live["c1"] = calls.CallSession{CallID: "c1", State: calls.StateActive}
	f.calls.terminateErr = &telephony.ProviderError{Provider: telephony.VariantSipTrunk, Op: "hangup", StatusCode: 503, Err: telephony.ErrProviderUnavailable}

	w := f.do(t, rbac.RoleOperator, http.MethodDelete, "/v1/calls/c1", `{"reason":"wrong number"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hangup_error") || !strings.Contains(w.Body.String(), `"state":"ending"`) {
		t.Fatalf("expected ending call with hangup error, got %s", w.Body.String())
	}
	if f.calls.terminated[0] != "wrong number" {
		t.Fatalf("reason not passed through: %v", f.calls.terminated)
	}

	if w := f.do(t, rbac.RoleOperator, http.MethodDelete, "/v1/calls/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := f.do(t, rbac.RoleViewer, http.MethodDelete, "/v1/calls/c1", ""); w.Code != http.StatusForbidden {
		t.Fatalf("viewer must not terminate, got %d", w.Code)
	}
}
