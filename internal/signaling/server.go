package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
	"telephony-gateway/pkg/logger"
)

const maxWebhookBody = 1 << 20

// Dispatcher accepts normalized events. *calls.Manager satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev telephony.CallEvent) error
}

// MediaTokenVerifier checks the token carried on media stream URLs.
type MediaTokenVerifier interface {
	Verify(token string, expected auth.TokenType, now time.Time) (auth.Claims, error)
}

type Options struct {
	Providers *telephony.Registry
	Calls     Dispatcher
	Dedup     Dedup

	// PublicURL is the base URL providers sign webhook requests against.
	PublicURL  func() string
	AckTimeout time.Duration

	MediaTokens MediaTokenVerifier
	Media       *media.Hub
	// MediaStartTimeout bounds the wait for the carrier's start message.
	MediaStartTimeout time.Duration

	// Health reports whether the gateway is reachable; nil means always healthy.
	Health func() error
	// Status is rendered into the health response when set.
	Status func() any

	Logger *slog.Logger
	Now    func() time.Time
}

// Stats counts webhook outcomes since start.
type Stats struct {
	Received   int64 `json:"received"`
	Unverified int64 `json:"unverified"`
	Malformed  int64 `json:"malformed"`
	Duplicates int64 `json:"duplicates"`
	Dispatched int64 `json:"dispatched"`
	SlowAcks   int64 `json:"slow_acks"`
}

// Server is the provider-facing HTTP surface: webhooks, media sockets and health.
type Server struct {
	opts Options
	log  *slog.Logger

	received   atomic.Int64
	unverified atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	dispatched atomic.Int64
	slowAcks   atomic.Int64
}

func NewServer(opts Options) (*Server, error) {
	if opts.Providers == nil || opts.Calls == nil {
		return nil, errors.New("signaling: providers and dispatcher are required")
	}
	if opts.PublicURL == nil {
		return nil, errors.New("signaling: public url accessor is required")
	}
	if opts.Dedup == nil {
		opts.Dedup = NewMemoryDedup(0)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.MediaStartTimeout <= 0 {
		opts.MediaStartTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{opts: opts, log: opts.Logger.With("component", "signaling")}, nil
}

// Register mounts the provider-facing routes. None of them take operator auth;
// each provider route verifies its own origin.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", s.Healthz)
	r.POST("/webhooks/:provider", s.Webhook)
	r.POST("/webhooks/:provider/status", s.Webhook)
	r.GET("/media/:provider", s.Media)
}

func (s *Server) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Unverified: s.unverified.Load(),
		Malformed:  s.malformed.Load(),
		Duplicates: s.duplicates.Load(),
		Dispatched: s.dispatched.Load(),
		SlowAcks:   s.slowAcks.Load(),
	}
}

func (s *Server) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "webhooks": s.Stats()}
	if s.opts.Status != nil {
		body["tunnel"] = s.opts.Status()
	}
	if s.opts.Health != nil {
		if err := s.opts.Health(); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) provider(c *gin.Context) (telephony.Provider, bool) {
	v, err := telephony.ParseVariant(c.Param("provider"))
	if err == nil {
		var p telephony.Provider
		if p, err = s.opts.Providers.Get(v); err == nil {
			return p, true
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
	return nil, false
}

// Webhook verifies, normalizes, de-duplicates and dispatches one provider
// delivery, then answers with the provider's ack.
func (s *Server) Webhook(c *gin.Context) {
	log := logger.FromGin(c)
	s.received.Add(1)

	p, ok := s.provider(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	raw := telephony.RawWebhook{
		URL:        strings.TrimRight(s.opts.PublicURL(), "/") + c.Request.URL.RequestURI(),
		Header:     c.Request.Header,
		Body:       body,
		ReceivedAt: s.opts.Now().UTC(),
	}
	if strings.HasSuffix(c.FullPath(), "/status") {
		raw.Route = "status"
	}

	if err := p.VerifyWebhook(raw); err != nil {
		s.unverified.Add(1)
		log.Warn("webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	ev, err := p.NormalizeWebhook(raw)
	if err != nil {
		s.malformed.Add(1)
		log.Warn("malformed signaling", "err", err, "malformed_total", s.malformed.Load())
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	log = log.With("call_id", ev.CallID, "event", ev.Kind)

	// Events without a provider-stable id are never deduplicated.
	first, key := true, ""
	if ev.ProviderEventID != "" {
		key = string(ev.Provider) + ":" + ev.ProviderEventID
		first, err = s.opts.Dedup.FirstSeen(c.Request.Context(), key)
		if err != nil {
			// Fail open: a duplicate transition is absorbed by the state machine.
			log.Warn("webhook dedup unavailable", "err", err)
			first, key = true, ""
		}
	}
	if first {
		s.dispatch(c.Request.Context(), log, ev, key)
	} else {
		s.duplicates.Add(1)
		log.Info("duplicate webhook acknowledged", "provider_event_id", ev.ProviderEventID)
	}

	ack, err := p.WebhookAck(c.Request.Context(), ev)
	if err != nil {
		log.Error("webhook ack failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ack failed"})
		return
	}
	c.Data(ack.Status, ack.ContentType, ack.Body)
}

// dispatch hands ev to the call manager and waits at most AckTimeout. Slow
// dispatches keep running after the provider has been acknowledged. A failed
// dispatch releases dedupKey so a redelivery is handled again.
func (s *Server) dispatch(ctx context.Context, log *slog.Logger, ev telephony.CallEvent, dedupKey string) {
	dctx := logger.With(context.WithoutCancel(ctx), log)
	done := make(chan error, 1)
	go func() { done <- s.opts.Calls.Dispatch(dctx, ev) }()

	t := time.NewTimer(s.opts.AckTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		s.dispatchDone(dctx, log, dedupKey, err)
	case <-t.C:
		s.slowAcks.Add(1)
		log.Warn("dispatch exceeded ack timeout, continuing in background", "timeout", s.opts.AckTimeout)
		go func() { s.dispatchDone(dctx, log, dedupKey, <-done) }()
	}
}

func (s *Server) dispatchDone(ctx context.Context, log *slog.Logger, dedupKey string, err error) {
	switch {
	case err == nil:
		s.dispatched.Add(1)
		return
	case errors.Is(err, calls.ErrUnknownCall):
		log.Info("webhook for unknown call ignored", "err", err)
	default:
		log.Error("dispatch failed", "err", err)
	}
	if dedupKey == "" {
		return
	}
	if ferr := s.opts.Dedup.Forget(ctx, dedupKey); ferr != nil {
		log.Warn("webhook dedup key not released", "err", ferr)
	}
}

// event builds an internal event for facts learned outside webhooks.
func (s *Server) event(callID string, v telephony.Variant, kind telephony.EventKind) telephony.CallEvent {
	now := s.opts.Now().UTC()
	return telephony.CallEvent{
		CallID:          callID,
		Kind:            kind,
		Provider:        v,
		ProviderEventID: fmt.Sprintf("%s:%s:%d", callID, kind, now.UnixNano()),
		ReceivedAt:      now,
	}
}
