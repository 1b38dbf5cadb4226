package lifecycle

import (
	"context"
	"errors"

	"telephony-gateway/internal/calls"
)

// Records in call_transitions are append-only. call_sessions holds the latest
// snapshot per call id and is overwritten on every transition.
//
// Storage (Postgres):
// - call_sessions keyed by call_id.
// - call_transitions keyed by id, indexed by (call_id, at).

var ErrNotFound = errors.New("lifecycle: not found")

// Repository is the persistence contract for call lifecycle state.
// Save must write the snapshot and the transition atomically.
type Repository interface {
	Save(ctx context.Context, s calls.CallSession, t calls.Transition) error
	Session(ctx context.Context, callID string) (calls.CallSession, error)
	Transitions(ctx context.Context, callID string) ([]calls.Transition, error)
}

// Schema creates the lifecycle tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	call_id            TEXT PRIMARY KEY,
	direction          TEXT NOT NULL,
	provider           TEXT NOT NULL,
	state              TEXT NOT NULL,
	agent_ref          TEXT NOT NULL DEFAULT '',
	from_number        TEXT NOT NULL DEFAULT '',
	to_number          TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	last_event_at      TIMESTAMPTZ NOT NULL,
	terminal_at        TIMESTAMPTZ NULL,
	originate_attempts INT NOT NULL DEFAULT 0,
	hangup_attempts    INT NOT NULL DEFAULT 0,
	failure_reason     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS call_transitions (
	id         TEXT PRIMARY KEY,
	call_id    TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	trigger    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS call_transitions_call_at ON call_transitions (call_id, at);
`
