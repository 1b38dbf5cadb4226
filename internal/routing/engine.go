package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"telephony-gateway/internal/calls"
)

// ErrNoRoute is returned to the call core when no agent can take a call.
var ErrNoRoute = errors.New("routing: no agent for dialed number")

type RouteInput struct {
	CallID   string
	From     string
	To       string
	Provider string
}

// Engine picks an agent for inbound calls that arrive without one.
//
// Order of evaluation:
//  1. an active operator override for the dialed number
//  2. the rule for the dialed number
//  3. the "*" rule
//
// Anything else is rejected, unless the engine has no rules at all: then
// calls without an override go to the platform's default agent.
type Engine struct {
	Overrides *OverrideEngine
	Log       *slog.Logger

	rules       map[string][]WeightedAgent
	fallback    []WeightedAgent
	passthrough bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine validates rules up front. rng may be nil.
func NewEngine(rules []Rule, overrides *OverrideEngine, rng *rand.Rand, log *slog.Logger) (*Engine, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{Overrides: overrides, Log: log, rules: make(map[string][]WeightedAgent), rng: rng}
	for _, r := range rules {
		r, err := normalizeRule(r)
		if err != nil {
			return nil, err
		}
		if r.Number == Wildcard {
			if e.fallback != nil {
				return nil, errors.New("routing: duplicate fallback rule")
			}
			e.fallback = r.Agents
			continue
		}
		if _, dup := e.rules[r.Number]; dup {
			return nil, fmt.Errorf("routing: duplicate rule for %s", r.Number)
		}
		e.rules[r.Number] = r.Agents
	}
	e.passthrough = len(rules) == 0
	return e, nil
}

func (e *Engine) Route(ctx context.Context, in RouteInput) (Decision, error) {
	if d, ok, err := e.Overrides.Decide(ctx, in); err != nil {
		return Decision{}, err
	} else if ok {
		return d, nil
	}
	if e.passthrough {
		return Decision{Action: ActionConnect, Reason: "platform_default"}, nil
	}
	if agents, ok := e.rules[in.To]; ok {
		if ref, ok := e.pickAgent(agents); ok {
			return Decision{Action: ActionConnect, AgentRef: ref, Reason: "number_rule"}, nil
		}
	}
	if ref, ok := e.pickAgent(e.fallback); ok {
		return Decision{Action: ActionConnect, AgentRef: ref, Reason: "fallback"}, nil
	}
	return Decision{Action: ActionReject, Reason: "no_route"}, nil
}

// RouteAgent adapts Route to the call core. A reject becomes ErrNoRoute.
func (e *Engine) RouteAgent(ctx context.Context, s calls.CallSession) (string, error) {
	d, err := e.Route(ctx, RouteInput{CallID: s.CallID, From: s.From, To: s.To, Provider: string(s.Provider)})
	if err != nil {
		return "", err
	}
	if d.Action != ActionConnect {
		e.Log.Info("inbound call not routed", "call_id", s.CallID, "to", s.To, "reason", d.Reason)
		return "", fmt.Errorf("%w: %s", ErrNoRoute, s.To)
	}
	e.Log.Debug("inbound call routed", "call_id", s.CallID, "to", s.To, "agent_ref", d.AgentRef, "reason", d.Reason)
	return d.AgentRef, nil
}

var _ calls.AgentRouter = (*Engine)(nil)

func (e *Engine) pickAgent(agents []WeightedAgent) (string, bool) {
	var total int
	for _, a := range agents {
		if a.Weight > 0 {
			total += a.Weight
		}
	}
	if total <= 0 {
		return "", false
	}

	e.mu.Lock()
	r := e.rng.Intn(total)
	e.mu.Unlock()

	var acc int
	for _, a := range agents {
		if a.Weight <= 0 {
			continue
		}
		acc += a.Weight
		if r < acc {
			return a.AgentRef, true
		}
	}
	return "", false
}
