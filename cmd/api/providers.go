package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/config"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
	"telephony-gateway/internal/tunnel"
)

// newTunnel picks the tunneler for cfg.Mode. The in-process ngrok tunnel
// serves handler directly; the other modes reach the local listener.
func newTunnel(cfg config.TunnelConfig, handler http.Handler, log *slog.Logger) (*tunnel.Manager, error) {
	var t tunnel.Tunneler
	switch cfg.Mode {
	case "ngrok":
		nt, err := tunnel.NewNgrokTunneler(tunnel.NgrokListen(tunnel.NgrokConfig{Authtoken: cfg.NgrokAuthtoken, Domain: cfg.NgrokDomain}), handler)
		if err != nil {
			return nil, err
		}
		t = nt
	case "ngrok-agent":
		t = tunnel.NewNgrokAgentTunneler(cfg.NgrokAPIURL)
	default:
		st, err := tunnel.NewStaticTunneler(cfg.PublicURL)
		if err != nil {
			return nil, err
		}
		t = st
	}
	return tunnel.NewManager(t, tunnel.Options{StartupTimeout: cfg.StartupTimeout, Logger: log}), nil
}

// newProviders builds every configured provider behind the retry decorator.
func newProviders(cfg config.Config, publicURL func() string, tokens *auth.Manager, hub *media.Hub, log *slog.Logger) (*telephony.Registry, error) {
	policy := telephony.RetryPolicy{
		MaxAttempts:    cfg.Calls.ProviderMaxAttempts,
		BaseDelay:      cfg.Calls.ProviderRetryBase,
		AttemptTimeout: cfg.Calls.ProviderRPCTimeout,
		OnRetry: func(op string, attempt int, err error) {
			log.Warn("provider call retry", "op", op, "attempt", attempt, "err", err)
		},
	}

	var ps []telephony.Provider
	if cfg.Carrier.Enabled() {
		p, err := telephony.NewCloudCarrier(telephony.CloudCarrierConfig{
			AccountSID:  cfg.Carrier.AccountSID,
			AuthToken:   cfg.Carrier.AuthToken,
			FromNumber:  cfg.Carrier.FromNumber,
			BaseURL:     cfg.Carrier.BaseURL,
			PublicURL:   publicURL,
			MediaTokens: tokens,
			Media:       hub,
			MediaWait:   cfg.Calls.StallWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud carrier: %w", err)
		}
		ps = append(ps, telephony.WithRetry(p, policy))
	}
	if cfg.SipTrunk.Enabled() {
		verifier, err := auth.NewWebhookVerifier(cfg.SipTrunk.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("sip trunk: %w", err)
		}
		p, err := telephony.NewSipTrunk(telephony.SipTrunkConfig{
			GatewayURL:  cfg.SipTrunk.GatewayURL,
			APIKey:      cfg.SipTrunk.APIKey,
			Domain:      cfg.SipTrunk.Domain,
			RTPBindAddr: cfg.SipTrunk.RTPBindAddr,
			PublicURL:   publicURL,
			VerifyBearer: func(token string, body []byte) error {
				_, err := verifier.VerifyWebhook(token, body, time.Now())
				return err
			},
		})
		if err != nil {
			return nil, fmt.Errorf("sip trunk: %w", err)
		}
		ps = append(ps, telephony.WithRetry(p, policy))
	}
	return telephony.NewRegistry(ps...), nil
}
