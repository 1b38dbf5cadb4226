package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NgrokAgentTunneler reads the public URL from a separately run ngrok agent's
// inspection API. It only observes the agent: reconnects wait for the agent
// to come back and Close leaves it running. NgrokTunneler owns its tunnel.
type NgrokAgentTunneler struct {
	apiURL    string
	client    *http.Client
	poll      time.Duration
	maxMisses int
	now       func() time.Time
}

type NgrokAgentOption func(*NgrokAgentTunneler)

func WithNgrokAgentHTTPClient(c *http.Client) NgrokAgentOption {
	return func(t *NgrokAgentTunneler) { t.client = c }
}

// WithNgrokAgentPoll sets how often the agent API is polled and how many failed
// polls in a row count as a lost endpoint.
func WithNgrokAgentPoll(every time.Duration, maxMisses int) NgrokAgentOption {
	return func(t *NgrokAgentTunneler) {
		if every > 0 {
			t.poll = every
		}
		if maxMisses > 0 {
			t.maxMisses = maxMisses
		}
	}
}

func NewNgrokAgentTunneler(apiURL string, opts ...NgrokAgentOption) *NgrokAgentTunneler {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = "http://127.0.0.1:4040"
	}
	t := &NgrokAgentTunneler{
		apiURL:    strings.TrimRight(apiURL, "/"),
		client:    &http.Client{Timeout: 5 * time.Second},
		poll:      2 * time.Second,
		maxMisses: 3,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *NgrokAgentTunneler) Name() string { return "ngrok-agent" }

type ngrokTunnels struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

func (t *NgrokAgentTunneler) lookup(ctx context.Context) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"/api/tunnels", nil)
	if err != nil {
		return Endpoint{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return Endpoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("tunnel: ngrok api status %d", resp.StatusCode)
	}
	var body ngrokTunnels
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Endpoint{}, fmt.Errorf("tunnel: ngrok api: %w", err)
	}
	for _, tn := range body.Tunnels {
		if tn.Proto == "https" && tn.PublicURL != "" {
			return Endpoint{PublicURL: strings.TrimRight(tn.PublicURL, "/"), ID: tn.Name, OpenedAt: t.now().UTC()}, nil
		}
	}
	return Endpoint{}, errors.New("tunnel: ngrok has no https tunnel")
}

func (t *NgrokAgentTunneler) Open(ctx context.Context) (Endpoint, error) {
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for {
		ep, err := t.lookup(ctx)
		if err == nil {
			return ep, nil
		}
		select {
		case <-ctx.Done():
			return Endpoint{}, fmt.Errorf("%w: %v", ctx.Err(), err)
		case <-tick.C:
		}
	}
}

func (t *NgrokAgentTunneler) Watch(ctx context.Context, ep Endpoint) error {
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		cur, err := t.lookup(ctx)
		switch {
		case err != nil:
			misses++
			if misses >= t.maxMisses {
				return fmt.Errorf("tunnel: ngrok endpoint lost: %w", err)
			}
		case cur.PublicURL != ep.PublicURL:
			return fmt.Errorf("tunnel: ngrok public url changed to %s", cur.PublicURL)
		default:
			misses = 0
		}
	}
}

func (t *NgrokAgentTunneler) Close(context.Context) error { return nil }
