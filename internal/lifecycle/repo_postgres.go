package lifecycle

import (
	"context"
	"database/sql"
	"errors"

	"telephony-gateway/internal/calls"
	"telephony-gateway/pkg/utils"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema applies Schema. Safe to call on every start.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *PostgresRepo) Save(ctx context.Context, s calls.CallSession, t calls.Transition) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const upsert = `
INSERT INTO call_sessions (
	call_id, direction, provider, state, agent_ref, from_number, to_number,
	created_at, last_event_at, terminal_at, originate_attempts, hangup_attempts, failure_reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (call_id) DO UPDATE SET
	direction = EXCLUDED.direction,
	state = EXCLUDED.state,
	agent_ref = EXCLUDED.agent_ref,
	from_number = EXCLUDED.from_number,
	to_number = EXCLUDED.to_number,
	last_event_at = EXCLUDED.last_event_at,
	terminal_at = EXCLUDED.terminal_at,
	originate_attempts = EXCLUDED.originate_attempts,
	hangup_attempts = EXCLUDED.hangup_attempts,
	failure_reason = EXCLUDED.failure_reason
`
		if _, err := tx.ExecContext(ctx, upsert,
			s.CallID,
			string(s.Direction),
			string(s.Provider),
			string(s.State),
			s.AgentRef,
			s.From,
			s.To,
			s.CreatedAt,
			s.LastEventAt,
			s.TerminalAt,
			s.OriginateAttempts,
			s.HangupAttempts,
			s.FailureReason,
		); err != nil {
			return err
		}

		const insert = `
INSERT INTO call_transitions (id, call_id, from_state, to_state, trigger, reason, at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING
`
		_, err := tx.ExecContext(ctx, insert,
			t.ID,
			t.CallID,
			string(t.From),
			string(t.To),
			string(t.Trigger),
			t.Reason,
			t.At,
		)
		return err
	})
}

func (r *PostgresRepo) Session(ctx context.Context, callID string) (calls.CallSession, error) {
	const q = `
SELECT call_id, direction, provider, state, agent_ref, from_number, to_number,
	created_at, last_event_at, terminal_at, originate_attempts, hangup_attempts, failure_reason
FROM call_sessions
WHERE call_id = $1
`
	var (
		s          calls.CallSession
		terminalAt sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, callID).Scan(
		&s.CallID,
		&s.Direction,
		&s.Provider,
		&s.State,
		&s.AgentRef,
		&s.From,
		&s.To,
		&s.CreatedAt,
		&s.LastEventAt,
		&terminalAt,
		&s.OriginateAttempts,
		&s.HangupAttempts,
		&s.FailureReason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.CallSession{}, ErrNotFound
		}
		return calls.CallSession{}, err
	}
	if terminalAt.Valid {
		at := terminalAt.Time
		s.TerminalAt = &at
	}
	return s, nil
}

func (r *PostgresRepo) Transitions(ctx context.Context, callID string) ([]calls.Transition, error) {
	const q = `
SELECT id, call_id, from_state, to_state, trigger, reason, at
FROM call_transitions
WHERE call_id = $1
ORDER BY at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Transition
	for rows.Next() {
		var t calls.Transition
		if err := rows.Scan(&t.ID, &t.CallID, &t.From, &t.To, &t.Trigger, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
