package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"telephony-gateway/internal/media"
)

type SipTrunkConfig struct {
	// GatewayURL is the trunk's HTTP call-control API.
	GatewayURL string
	APIKey     string
	// Domain routes bare E.164 numbers, e.g. sip:+15551234567@Domain.
	Domain string
	// RTPBindAddr is where local RTP sockets are opened.
	RTPBindAddr string

	HTTPClient *http.Client
	PublicURL  func() string

	// VerifyBearer checks the webhook's bearer token against the raw body.
	VerifyBearer func(token string, body []byte) error

	ListenPacket func(network, address string) (net.PacketConn, error)
}

// SipTrunk drives a generic SIP trunk through its HTTP call-control gateway.
// The SIP dialogs live in the gateway; media is plain PCMU RTP to us.
type SipTrunk struct {
	cfg  SipTrunkConfig
	http *http.Client
}

func NewSipTrunk(cfg SipTrunkConfig) (*SipTrunk, error) {
	if cfg.GatewayURL == "" || cfg.Domain == "" {
		return nil, errors.New("telephony: sip trunk gateway url and domain required")
	}
	if cfg.VerifyBearer == nil {
		return nil, errors.New("telephony: sip trunk needs a webhook verifier")
	}
	if cfg.PublicURL == nil {
		return nil, errors.New("telephony: sip trunk needs a public url accessor")
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	if cfg.RTPBindAddr == "" {
		cfg.RTPBindAddr = "0.0.0.0:0"
	}
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = net.ListenPacket
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &SipTrunk{cfg: cfg, http: hc}, nil
}

func (p *SipTrunk) Variant() Variant { return VariantSipTrunk }

func (p *SipTrunk) ValidateDestination(dest string) (string, error) {
	return ParseSIPTarget(dest, p.cfg.Domain)
}

type trunkOriginateRequest struct {
	To             string `json:"to"`
	From           string `json:"from,omitempty"`
	WebhookURL     string `json:"webhook_url"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type trunkCall struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

type trunkAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *SipTrunk) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	body := trunkOriginateRequest{
		To:             req.Destination,
		From:           req.From,
		WebhookURL:     strings.TrimRight(p.cfg.PublicURL(), "/") + "/webhooks/" + string(VariantSipTrunk),
		IdempotencyKey: req.IdempotencyKey,
	}
	var call trunkCall
	if err := p.do(ctx, "originate", http.MethodPost, "/v1/calls", body, req.IdempotencyKey, &call); err != nil {
		return OriginateResult{}, err
	}
	if call.CallID == "" {
		return OriginateResult{}, &ProviderError{Provider: VariantSipTrunk, Op: "originate", Message: "response without call_id", Err: ErrProviderUnavailable}
	}
	return OriginateResult{CallID: call.CallID, Status: call.Status}, nil
}

func (p *SipTrunk) Answer(ctx context.Context, callID string) error {
	return p.do(ctx, "answer", http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/answer", nil, "", nil)
}

func (p *SipTrunk) Hangup(ctx context.Context, callID string) error {
	return p.do(ctx, "hangup", http.MethodDelete, "/v1/calls/"+url.PathEscape(callID), nil, "", nil)
}

var dtmfDigits = regexp.MustCompile(`^[0-9*#A-Dw]+$`)

func (p *SipTrunk) SendSignal(ctx context.Context, callID string, sig Signal) error {
	path := "/v1/calls/" + url.PathEscape(callID)
	switch sig.Kind {
	case SignalDTMF:
		if !dtmfDigits.MatchString(sig.Digits) {
			return &ProviderError{Provider: VariantSipTrunk, Op: "dtmf", Message: "invalid digits", Err: ErrProviderRejected}
		}
		return p.do(ctx, "dtmf", http.MethodPost, path+"/dtmf", map[string]string{"digits": sig.Digits}, "", nil)
	case SignalTransfer:
		target, err := ParseSIPTarget(sig.Target, p.cfg.Domain)
		if err != nil {
			return err
		}
		return p.do(ctx, "transfer", http.MethodPost, path+"/transfer", map[string]string{"target": target}, "", nil)
	default:
		return &ProviderError{Provider: VariantSipTrunk, Op: string(sig.Kind), Err: fmt.Errorf("%w: %w", ErrProviderRejected, ErrSignalUnsupported)}
	}
}

func (p *SipTrunk) do(ctx context.Context, op, method, path string, in any, idempotencyKey string, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Provider: VariantSipTrunk, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderRejected, err)}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.GatewayURL+path, rd)
	if err != nil {
		return &ProviderError{Provider: VariantSipTrunk, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderRejected, err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: VariantSipTrunk, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: VariantSipTrunk, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		var apiErr trunkAPIError
		_ = json.Unmarshal(body, &apiErr)
		pe := &ProviderError{Provider: VariantSipTrunk, Op: op, StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message, Err: sentinel}
		// 484 Address Incomplete / 404 Not Found relayed by the gateway.
		if apiErr.Code == "sip_484" || apiErr.Code == "sip_404" || apiErr.Code == "invalid_destination" {
			pe.Err = ErrInvalidDestination
		}
		return pe
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &ProviderError{Provider: VariantSipTrunk, Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
		}
	}
	return nil
}

type trunkWebhook struct {
	EventID   string      `json:"event_id"`
	CallID    string      `json:"call_id"`
	Event     string      `json:"event"`
	Direction string      `json:"direction"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Digits    string      `json:"digits"`
	Reason    string      `json:"reason"`
	Media     *media.Info `json:"media"`
}

func (p *SipTrunk) VerifyWebhook(w RawWebhook) error {
	raw := strings.TrimSpace(w.Header.Get("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return fmt.Errorf("%w: missing bearer", ErrWebhookUnverified)
	}
	if err := p.cfg.VerifyBearer(strings.TrimPrefix(raw, "Bearer "), w.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookUnverified, err)
	}
	return nil
}

func (p *SipTrunk) NormalizeWebhook(w RawWebhook) (CallEvent, error) {
	return normalizeTrunkWebhook(w)
}

func normalizeTrunkWebhook(w RawWebhook) (CallEvent, error) {
	var hook trunkWebhook
	dec := json.NewDecoder(bytes.NewReader(w.Body))
	if err := dec.Decode(&hook); err != nil {
		return CallEvent{}, fmt.Errorf("%w: %v", ErrMalformedSignaling, err)
	}
	if hook.CallID == "" {
		return CallEvent{}, fmt.Errorf("%w: missing call_id", ErrMalformedSignaling)
	}

	ev := CallEvent{
		CallID:     hook.CallID,
		Provider:   VariantSipTrunk,
		From:       hook.From,
		To:         hook.To,
		Digit:      hook.Digits,
		Reason:     hook.Reason,
		Media:      hook.Media,
		Payload:    w.Body,
		ReceivedAt: w.ReceivedAt,
	}
	switch hook.Direction {
	case "inbound":
		ev.Direction = DirectionInbound
	case "outbound":
		ev.Direction = DirectionOutbound
	}

	switch hook.Event {
	case "initiated":
		ev.Kind = EventInitiated
	case "ringing":
		ev.Kind = EventRinging
	case "answered":
		ev.Kind = EventAnswered
	case "media-started":
		ev.Kind = EventMediaStarted
	case "dtmf":
		if hook.Digits == "" {
			return CallEvent{}, fmt.Errorf("%w: dtmf without digits", ErrMalformedSignaling)
		}
		ev.Kind = EventDTMF
	case "ended", "hangup":
		ev.Kind = EventEnded
	case "failed", "error":
		ev.Kind = EventError
	default:
		return CallEvent{}, fmt.Errorf("%w: unknown event %q", ErrMalformedSignaling, hook.Event)
	}

	ev.ProviderEventID = hook.EventID
	if ev.ProviderEventID == "" && ev.Kind != EventDTMF {
		ev.ProviderEventID = hook.CallID + ":" + hook.Event
	}
	return ev, nil
}

func (p *SipTrunk) WebhookAck(context.Context, CallEvent) (Ack, error) {
	return Ack{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"status":"accepted"}`)}, nil
}

// OpenMedia binds a local RTP socket and tells the gateway where to send audio.
func (p *SipTrunk) OpenMedia(ctx context.Context, callID string, info media.Info) (media.Stream, error) {
	var remote net.Addr
	if info.RemoteRTP != "" {
		addr, err := net.ResolveUDPAddr("udp", info.RemoteRTP)
		if err != nil {
			return nil, &ProviderError{Provider: VariantSipTrunk, Op: "open_media", Message: "bad remote rtp address", Err: ErrProviderRejected}
		}
		remote = addr
	}

	conn, err := p.cfg.ListenPacket("udp", p.cfg.RTPBindAddr)
	if err != nil {
		return nil, &ProviderError{Provider: VariantSipTrunk, Op: "open_media", Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}

	body := map[string]string{"rtp_address": conn.LocalAddr().String()}
	if err := p.do(ctx, "open_media", http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/media", body, "", nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return media.NewRTPStream(conn, remote, info.PayloadType), nil
}
