package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telephony-gateway/internal/media"
)

// MediaTokenIssuer signs the short-lived token embedded in media stream URLs.
type MediaTokenIssuer interface {
	IssueMedia(now time.Time, callID, provider string) (string, error)
}

type CloudCarrierConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string

	HTTPClient *http.Client

	// PublicURL returns the currently advertised public base URL.
	PublicURL   func() string
	MediaTokens MediaTokenIssuer
	Media       *media.Hub
	// MediaWait bounds how long OpenMedia waits for the carrier to connect the stream.
	MediaWait time.Duration

	Now func() time.Time
}

// CloudCarrier talks to a Twilio-style carrier: REST call control, signed form
// webhooks, TwiML instructions and websocket media streams.
type CloudCarrier struct {
	cfg  CloudCarrierConfig
	http *http.Client
}

func NewCloudCarrier(cfg CloudCarrierConfig) (*CloudCarrier, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: cloud carrier credentials required")
	}
	if cfg.PublicURL == nil {
		return nil, errors.New("telephony: cloud carrier needs a public url accessor")
	}
	if cfg.MediaTokens == nil || cfg.Media == nil {
		return nil, errors.New("telephony: cloud carrier needs media token issuer and hub")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MediaWait <= 0 {
		cfg.MediaWait = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudCarrier{cfg: cfg, http: hc}, nil
}

func (p *CloudCarrier) Variant() Variant { return VariantCloudCarrier }

func (p *CloudCarrier) ValidateDestination(dest string) (string, error) {
	return NormalizeE164(dest)
}

func (p *CloudCarrier) webhookURL(route string) string {
	u := strings.TrimRight(p.cfg.PublicURL(), "/") + "/webhooks/" + string(VariantCloudCarrier)
	if route != "" {
		u += "/" + route
	}
	return u
}

type carrierCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type carrierAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Status   int    `json:"status"`
	MoreInfo string `json:"more_info"`
}

func (p *CloudCarrier) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	from := req.From
	if from == "" {
		from = p.cfg.FromNumber
	}
	data := url.Values{}
	data.Set("To", req.Destination)
	data.Set("From", from)
	data.Set("Url", p.webhookURL(""))
	data.Set("Method", http.MethodPost)
	data.Set("StatusCallback", p.webhookURL("status"))
	data.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", ev)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.cfg.BaseURL, p.cfg.AccountSID)
	var call carrierCall
	if err := p.post(ctx, "originate", endpoint, data, req.IdempotencyKey, &call); err != nil {
		return OriginateResult{}, err
	}
	if call.SID == "" {
		return OriginateResult{}, &ProviderError{Provider: VariantCloudCarrier, Op: "originate", Message: "response without call sid", Err: ErrProviderUnavailable}
	}
	return OriginateResult{CallID: call.SID, Status: call.Status}, nil
}

// Answer is a no-op: inbound carrier calls are answered by the connect-stream
// instruction returned from the voice webhook.
func (p *CloudCarrier) Answer(context.Context, string) error { return nil }

func (p *CloudCarrier) Hangup(ctx context.Context, callID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	return p.post(ctx, "hangup", p.callURL(callID), data, "", nil)
}

func (p *CloudCarrier) SendSignal(ctx context.Context, callID string, sig Signal) error {
	switch sig.Kind {
	case SignalTransfer:
		twiml, err := RenderTwiML(CarrierInstruction{Action: ActionDial, DialTo: sig.Target})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		data := url.Values{}
		data.Set("Twiml", twiml)
		return p.post(ctx, "transfer", p.callURL(callID), data, "", nil)
	case SignalDTMF:
		// Updating the call with <Play digits> would tear down the media stream.
		return &ProviderError{Provider: VariantCloudCarrier, Op: "dtmf", Err: fmt.Errorf("%w: %w", ErrProviderRejected, ErrSignalUnsupported)}
	default:
		return &ProviderError{Provider: VariantCloudCarrier, Op: string(sig.Kind), Err: fmt.Errorf("%w: %w", ErrProviderRejected, ErrSignalUnsupported)}
	}
}

func (p *CloudCarrier) callURL(callID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.cfg.BaseURL, p.cfg.AccountSID, url.PathEscape(callID))
}

func (p *CloudCarrier) post(ctx context.Context, op, endpoint string, data url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return &ProviderError{Provider: VariantCloudCarrier, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderRejected, err)}
	}
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(carrierIdempotencyHeader, idempotencyKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: VariantCloudCarrier, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: VariantCloudCarrier, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		var apiErr carrierAPIError
		_ = json.Unmarshal(body, &apiErr)
		pe := &ProviderError{Provider: VariantCloudCarrier, Op: op, StatusCode: resp.StatusCode, Message: apiErr.Message, Err: sentinel}
		if apiErr.Code != 0 {
			pe.Code = fmt.Sprint(apiErr.Code)
		}
		if isCarrierInvalidNumber(apiErr.Code) {
			pe.Err = ErrInvalidDestination
		}
		return pe
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &ProviderError{Provider: VariantCloudCarrier, Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
		}
	}
	return nil
}

func isCarrierInvalidNumber(code int) bool {
	switch code {
	case 21211, 21214, 21217, 13224:
		return true
	default:
		return false
	}
}

func (p *CloudCarrier) VerifyWebhook(w RawWebhook) error {
	_, vals, err := parseCarrierForm(w.Body)
	if err != nil {
		return err
	}
	sig := w.Header.Get(carrierSignatureHeader)
	if sig == "" || !validCarrierSignature(p.cfg.AuthToken, w.URL, vals, sig) {
		return ErrWebhookUnverified
	}
	if sid := vals.Get("AccountSid"); sid != "" && sid != p.cfg.AccountSID {
		return fmt.Errorf("%w: account mismatch", ErrWebhookUnverified)
	}
	return nil
}

func (p *CloudCarrier) NormalizeWebhook(w RawWebhook) (CallEvent, error) {
	return normalizeCarrierWebhook(w)
}

func normalizeCarrierWebhook(w RawWebhook) (CallEvent, error) {
	f, _, err := parseCarrierForm(w.Body)
	if err != nil {
		return CallEvent{}, err
	}
	if f.CallSid == "" {
		return CallEvent{}, fmt.Errorf("%w: missing CallSid", ErrMalformedSignaling)
	}

	ev := CallEvent{
		CallID:     f.CallSid,
		Provider:   VariantCloudCarrier,
		From:       f.From,
		To:         f.To,
		Payload:    w.Body,
		ReceivedAt: w.ReceivedAt,
	}
	switch {
	case f.Direction == "inbound":
		ev.Direction = DirectionInbound
	case strings.HasPrefix(f.Direction, "outbound"):
		ev.Direction = DirectionOutbound
	}

	if f.Digits != "" {
		ev.Kind = EventDTMF
		ev.Digit = f.Digits
	} else {
		kind, reason, ok := carrierKind(f.CallStatus)
		if !ok {
			return CallEvent{}, fmt.Errorf("%w: unknown CallStatus %q", ErrMalformedSignaling, f.CallStatus)
		}
		ev.Kind = kind
		ev.Reason = reason
		if f.ErrorMessage != "" {
			ev.Reason = f.ErrorMessage
		}
	}

	// Digit presses repeat verbatim, so they only get an id the carrier
	// guarantees per callback.
	switch tok := w.Header.Get(carrierIdempotencyHeader); {
	case tok != "":
		ev.ProviderEventID = tok
	case f.SequenceNumber != "":
		ev.ProviderEventID = strings.Join([]string{f.CallSid, w.Route, string(ev.Kind), f.CallStatus, f.SequenceNumber}, ":")
	case ev.Kind != EventDTMF:
		ev.ProviderEventID = strings.Join([]string{f.CallSid, w.Route, string(ev.Kind), f.CallStatus}, ":")
	}
	ev.AwaitsInstructions = w.Route == ""
	return ev, nil
}

// WebhookAck answers the voice webhook with TwiML. Opening events get the
// media stream; terminal ones get a hangup.
func (p *CloudCarrier) WebhookAck(_ context.Context, ev CallEvent) (Ack, error) {
	in := CarrierInstruction{Action: ActionEmpty}
	if ev.AwaitsInstructions {
		switch ev.Kind {
		case EventInitiated, EventRinging, EventAnswered:
			streamURL, err := p.mediaURL(ev.CallID)
			if err != nil {
				return Ack{}, err
			}
			in = CarrierInstruction{
				Action:       ActionConnectStream,
				StreamURL:    streamURL,
				StreamParams: map[string]string{"call_id": ev.CallID},
			}
		case EventEnded, EventError:
			in = CarrierInstruction{Action: ActionHangup}
		}
	}
	body, err := RenderTwiML(in)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Status: http.StatusOK, ContentType: "application/xml", Body: []byte(body)}, nil
}

func (p *CloudCarrier) mediaURL(callID string) (string, error) {
	tok, err := p.cfg.MediaTokens.IssueMedia(p.cfg.Now(), callID, string(VariantCloudCarrier))
	if err != nil {
		return "", fmt.Errorf("telephony: media token: %w", err)
	}
	base := strings.TrimRight(p.cfg.PublicURL(), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media/" + string(VariantCloudCarrier) + "?token=" + url.QueryEscape(tok), nil
}

// OpenMedia waits for the carrier to connect the media websocket for callID.
func (p *CloudCarrier) OpenMedia(ctx context.Context, callID string, _ media.Info) (media.Stream, error) {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.MediaWait)
	defer cancel()
	s, err := p.cfg.Media.Await(wctx, callID)
	if err != nil {
		return nil, &ProviderError{Provider: VariantCloudCarrier, Op: "open_media", Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	return s, nil
}
