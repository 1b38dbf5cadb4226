package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"telephony-gateway/internal/telephony"
)

var ErrInvalidOverride = errors.New("routing: invalid override")

// MaxOverrideTTL bounds how long an operator can pin a number to one agent.
const MaxOverrideTTL = 24 * time.Hour

// Override pins a dialed number to a single agent until ExpiresAt. Applied
// overrides are silent: the decision carries no special reason.
type Override struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	AgentRef  string    `json:"agent_ref"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OverrideStore holds operator overrides. Active must ignore expired entries.
type OverrideStore interface {
	Put(ctx context.Context, o Override) error
	Active(ctx context.Context, number string, now time.Time) (Override, bool, error)
	List(ctx context.Context, now time.Time) ([]Override, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// OverrideEngine applies expiring overrides ahead of the normal rules.
type OverrideEngine struct {
	Store OverrideStore
	Log   *slog.Logger
	Now   func() time.Time
}

func NewOverrideEngine(store OverrideStore, log *slog.Logger) *OverrideEngine {
	if log == nil {
		log = slog.Default()
	}
	return &OverrideEngine{Store: store, Log: log, Now: time.Now}
}

// Decide returns (decision, true, nil) when an active override applies to
// the dialed number.
func (e *OverrideEngine) Decide(ctx context.Context, in RouteInput) (Decision, bool, error) {
	if e == nil || e.Store == nil {
		return Decision{}, false, nil
	}
	now := e.Now()
	o, ok, err := e.Store.Active(ctx, in.To, now)
	if err != nil {
		return Decision{}, false, err
	}
	if !ok || !o.ExpiresAt.After(now) {
		return Decision{}, false, nil
	}
	if o.AgentRef == "" {
		return Decision{}, false, errors.New("routing: override agent_ref empty")
	}
	e.Log.Info("routing override applied",
		"override_id", o.ID,
		"call_id", in.CallID,
		"from", in.From,
		"to", in.To,
		"agent_ref", o.AgentRef,
		"expires_at", o.ExpiresAt,
	)
	return Decision{Action: ActionConnect, AgentRef: o.AgentRef}, true, nil
}

// Create validates and stores a new override. The TTL must be positive and
// no longer than MaxOverrideTTL.
func (e *OverrideEngine) Create(ctx context.Context, number, agentRef, createdBy string, ttl time.Duration) (Override, error) {
	if e == nil || e.Store == nil {
		return Override{}, errors.New("routing: overrides not configured")
	}
	n, err := telephony.NormalizeE164(number)
	if err != nil {
		return Override{}, fmt.Errorf("%w: number: %v", ErrInvalidOverride, err)
	}
	agentRef = strings.TrimSpace(agentRef)
	if agentRef == "" {
		return Override{}, fmt.Errorf("%w: agent_ref required", ErrInvalidOverride)
	}
	if ttl <= 0 || ttl > MaxOverrideTTL {
		return Override{}, fmt.Errorf("%w: ttl must be within (0, %s]", ErrInvalidOverride, MaxOverrideTTL)
	}
	now := e.Now()
	o := Override{
		ID:        uuid.NewString(),
		Number:    n,
		AgentRef:  agentRef,
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := e.Store.Put(ctx, o); err != nil {
		return Override{}, err
	}
	e.Log.Info("routing override created", "override_id", o.ID, "to", n, "agent_ref", agentRef, "created_by", createdBy, "expires_at", o.ExpiresAt)
	return o, nil
}

func (e *OverrideEngine) List(ctx context.Context) ([]Override, error) {
	if e == nil || e.Store == nil {
		return nil, nil
	}
	return e.Store.List(ctx, e.Now())
}

func (e *OverrideEngine) Remove(ctx context.Context, id string) (bool, error) {
	if e == nil || e.Store == nil {
		return false, nil
	}
	ok, err := e.Store.Delete(ctx, id)
	if err == nil && ok {
		e.Log.Info("routing override removed", "override_id", id)
	}
	return ok, err
}

// MemoryOverrides keeps overrides in process. The newest active override for
// a number wins.
type MemoryOverrides struct {
	mu   sync.Mutex
	byID map[string]Override
}

func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{byID: make(map[string]Override)}
}

func (m *MemoryOverrides) Put(_ context.Context, o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[o.ID] = o
	return nil
}

func (m *MemoryOverrides) Active(_ context.Context, number string, now time.Time) (Override, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Override
		found bool
	)
	for id, o := range m.byID {
		if !o.ExpiresAt.After(now) {
			delete(m.byID, id)
			continue
		}
		if o.Number != number {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best, found = o, true
		}
	}
	return best, found, nil
}

func (m *MemoryOverrides) List(_ context.Context, now time.Time) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Override, 0, len(m.byID))
	for _, o := range m.byID {
		if o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryOverrides) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	delete(m.byID, id)
	return ok, nil
}
