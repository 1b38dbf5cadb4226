package lifecycle

import (
	"context"
	"sync"

	"telephony-gateway/internal/calls"
)

// MemoryRepo keeps lifecycle state in process. Used by tests and local runs
// without a database.
type MemoryRepo struct {
	mu          sync.Mutex
	sessions    map[string]calls.CallSession
	transitions map[string][]calls.Transition
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions:    make(map[string]calls.CallSession),
		transitions: make(map[string][]calls.Transition),
	}
}

func (r *MemoryRepo) Save(_ context.Context, s calls.CallSession, t calls.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Bridge = nil
	r.sessions[s.CallID] = s
	r.transitions[t.CallID] = append(r.transitions[t.CallID], t)
	return nil
}

func (r *MemoryRepo) Session(_ context.Context, callID string) (calls.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return calls.CallSession{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) Transitions(_ context.Context, callID string) ([]calls.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.transitions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]calls.Transition, len(ts))
	copy(out, ts)
	return out, nil
}
