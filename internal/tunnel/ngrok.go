package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// PublicListener is an accepted-connection source with a public URL, which
// is what an ngrok tunnel is.
type PublicListener interface {
	net.Listener
	URL() string
	ID() string
}

// ListenFunc establishes one public listener.
type ListenFunc func(ctx context.Context) (PublicListener, error)

type NgrokConfig struct {
	// Authtoken falls back to NGROK_AUTHTOKEN when empty.
	Authtoken string
	// Domain is a reserved ngrok domain; empty gets an ephemeral one.
	Domain string
}

// NgrokListen opens an HTTPS endpoint on the ngrok edge from inside the process.
func NgrokListen(cfg NgrokConfig) ListenFunc {
	return func(ctx context.Context) (PublicListener, error) {
		var opts []config.HTTPEndpointOption
		if cfg.Domain != "" {
			opts = append(opts, config.WithDomain(cfg.Domain))
		}
		auth := ngrok.WithAuthtokenFromEnv()
		if cfg.Authtoken != "" {
			auth = ngrok.WithAuthtoken(cfg.Authtoken)
		}
		tun, err := ngrok.Listen(ctx, config.HTTPEndpoint(opts...), auth)
		if err != nil {
			return nil, err
		}
		return tun, nil
	}
}

// NgrokTunneler runs the tunnel in-process and serves handler on it. Open
// establishes the endpoint, Watch returns once it stops accepting and Close
// releases it, so the manager's reconnect loop re-creates a lost tunnel.
type NgrokTunneler struct {
	listen  ListenFunc
	handler http.Handler
	now     func() time.Time

	mu     sync.Mutex
	ln     PublicListener
	srv    *http.Server
	served chan error
}

func NewNgrokTunneler(listen ListenFunc, handler http.Handler) (*NgrokTunneler, error) {
	if listen == nil || handler == nil {
		return nil, errors.New("tunnel: ngrok listener and handler required")
	}
	return &NgrokTunneler{listen: listen, handler: handler, now: time.Now}, nil
}

func (t *NgrokTunneler) Name() string { return "ngrok" }

func (t *NgrokTunneler) Open(ctx context.Context) (Endpoint, error) {
	_ = t.release(ctx)

	ln, err := t.listen(ctx)
	if err != nil {
		return Endpoint{}, fmt.Errorf("tunnel: ngrok listen: %w", err)
	}
	srv := &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.mu.Lock()
	t.ln, t.srv, t.served = ln, srv, served
	t.mu.Unlock()
	return Endpoint{PublicURL: strings.TrimRight(ln.URL(), "/"), ID: ln.ID(), OpenedAt: t.now().UTC()}, nil
}

func (t *NgrokTunneler) Watch(ctx context.Context, ep Endpoint) error {
	t.mu.Lock()
	served := t.served
	t.mu.Unlock()
	if served == nil {
		return errors.New("tunnel: ngrok not open")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-served:
		return fmt.Errorf("tunnel: ngrok endpoint %s lost: %w", ep.PublicURL, err)
	}
}

func (t *NgrokTunneler) Close(ctx context.Context) error {
	return t.release(ctx)
}

func (t *NgrokTunneler) release(ctx context.Context) error {
	t.mu.Lock()
	ln, srv := t.ln, t.srv
	t.ln, t.srv, t.served = nil, nil, nil
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	// Closing the listener tears the ngrok tunnel down.
	err := srv.Shutdown(ctx)
	_ = ln.Close()
	return err
}
