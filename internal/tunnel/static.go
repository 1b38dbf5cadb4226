package tunnel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// StaticTunneler serves a base URL that is already reachable, e.g. behind a
// load balancer. It never loses its endpoint.
type StaticTunneler struct {
	base string
	now  func() time.Time
}

func NewStaticTunneler(publicURL string) (*StaticTunneler, error) {
	u, err := url.Parse(strings.TrimSpace(publicURL))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, errors.New("tunnel: static mode needs an absolute http(s) PUBLIC_BASE_URL")
	}
	return &StaticTunneler{base: strings.TrimRight(u.String(), "/"), now: time.Now}, nil
}

func (s *StaticTunneler) Name() string { return "static" }

func (s *StaticTunneler) Open(ctx context.Context) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{PublicURL: s.base, ID: "static", OpenedAt: s.now().UTC()}, nil
}

func (s *StaticTunneler) Watch(ctx context.Context, _ Endpoint) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *StaticTunneler) Close(context.Context) error { return nil }
