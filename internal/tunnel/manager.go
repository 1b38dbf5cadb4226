package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Options struct {
	// StartupTimeout bounds both the initial open and each outage before the
	// tunnel is reported unavailable.
	StartupTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Status is a point-in-time view of the tunnel for health reporting.
type Status struct {
	State     State     `json:"state"`
	Tunneler  string    `json:"tunneler"`
	Endpoint  *Endpoint `json:"endpoint,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Manager owns the process-wide public endpoint. There is one per process;
// everything else reads it through PublicURL.
type Manager struct {
	t    Tunneler
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	state   State
	ep      Endpoint
	hasEP   bool
	lastErr error
	since   time.Time
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(t Tunneler, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		t:     t,
		opts:  opts,
		log:   opts.Logger.With("component", "tunnel", "tunneler", t.Name()),
		state: StateIdle,
		since: opts.Now().UTC(),
	}
}

// Start blocks until an endpoint is available or StartupTimeout elapses, then
// supervises it in the background until Close.
func (m *Manager) Start(ctx context.Context) (Endpoint, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return Endpoint{}, errors.New("tunnel: already started")
	}
	m.started = true
	m.setLocked(StateConnecting, nil)
	m.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	ep, err := m.open(openCtx)
	cancel()
	if err != nil {
		m.set(StateUnavailable, err)
		m.log.Error("tunnel startup failed", "timeout", m.opts.StartupTimeout, "err", err)
		return Endpoint{}, fmt.Errorf("%w: %v", ErrTunnelUnavailable, err)
	}
	m.connected(ep)
	m.log.Info("tunnel connected", "public_url", ep.PublicURL, "tunnel_id", ep.ID)

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = runCancel
	m.done = done
	m.mu.Unlock()
	go m.supervise(runCtx, ep, done)
	return ep, nil
}

// open retries Tunneler.Open with backoff until it succeeds or ctx ends.
func (m *Manager) open(ctx context.Context) (Endpoint, error) {
	delay := m.opts.BackoffBase
	var last error
	for {
		ep, err := m.t.Open(ctx)
		if err == nil {
			return ep, nil
		}
		last = err
		m.log.Warn("tunnel open failed", "err", err, "retry_in", delay)
		if err := sleep(ctx, delay); err != nil {
			return Endpoint{}, last
		}
		delay = min(delay*2, m.opts.BackoffMax)
	}
}

func (m *Manager) supervise(ctx context.Context, ep Endpoint, done chan struct{}) {
	defer close(done)
	for {
		err := m.t.Watch(ctx, ep)
		if ctx.Err() != nil {
			return
		}
		lostAt := m.opts.Now()
		m.set(StateReconnecting, err)
		m.log.Warn("tunnel lost, reconnecting", "err", err)

		delay := m.opts.BackoffBase
		for {
			openCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
			next, oerr := m.t.Open(openCtx)
			cancel()
			if oerr == nil {
				if next.PublicURL != ep.PublicURL {
					m.log.Warn("tunnel public url changed", "old", ep.PublicURL, "new", next.PublicURL)
				}
				ep = next
				m.connected(ep)
				m.log.Info("tunnel reconnected", "public_url", ep.PublicURL, "outage", m.opts.Now().Sub(lostAt))
				break
			}
			if ctx.Err() != nil {
				return
			}
			if m.opts.Now().Sub(lostAt) >= m.opts.StartupTimeout && m.State() != StateUnavailable {
				m.set(StateUnavailable, oerr)
				m.log.Error("tunnel unavailable", "outage", m.opts.Now().Sub(lostAt), "err", oerr)
			} else {
				m.mu.Lock()
				m.lastErr = oerr
				m.mu.Unlock()
			}
			if sleep(ctx, delay) != nil {
				return
			}
			delay = min(delay*2, m.opts.BackoffMax)
		}
	}
}

func (m *Manager) connected(ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ep = ep
	m.hasEP = true
	m.setLocked(StateConnected, nil)
}

func (m *Manager) set(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(s, err)
}

func (m *Manager) setLocked(s State, err error) {
	if m.state == StateClosed {
		return
	}
	if m.state != s {
		m.since = m.opts.Now().UTC()
	}
	m.state = s
	m.lastErr = err
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PublicURL returns the advertised base URL. While reconnecting the last
// known URL is still served; once the outage exceeds the startup window it
// returns ErrTunnelUnavailable.
func (m *Manager) PublicURL() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case !m.hasEP:
		return "", ErrTunnelUnavailable
	case m.state == StateConnected || m.state == StateReconnecting:
		return m.ep.PublicURL, nil
	default:
		return "", ErrTunnelUnavailable
	}
}

// LastURL returns the most recent public URL even when the tunnel is down.
// Providers use it to build callback URLs for calls already in flight.
func (m *Manager) LastURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ep.PublicURL
}

// Err reports ErrTunnelUnavailable when the tunnel cannot be used.
func (m *Manager) Err() error {
	_, err := m.PublicURL()
	return err
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state, Tunneler: m.t.Name(), Since: m.since}
	if m.hasEP {
		ep := m.ep
		st.Endpoint = &ep
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close stops supervision and tears the tunnel down. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.state = StateClosed
	m.since = m.opts.Now().UTC()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := m.t.Close(ctx)
	m.log.Info("tunnel closed")
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
