package calls

import (
	"time"

	"telephony-gateway/internal/bridge"
	"telephony-gateway/internal/telephony"
)

// CallSession is a read-only snapshot of one phone call.
//
// Invariants:
// - At most one non-terminal session exists per call id.
// - Only the Manager mutates sessions; everyone else sees copies.
// - Bridge is set only while the call is Active and media is flowing.
type CallSession struct {
	CallID    string              `json:"call_id" db:"call_id"`
	Direction telephony.Direction `json:"direction" db:"direction"`
	Provider  telephony.Variant   `json:"provider" db:"provider"`
	State     State               `json:"state" db:"state"`

	// AgentRef identifies the agent session the call is bridged to.
	AgentRef string `json:"agent_ref,omitempty" db:"agent_ref"`

	From string `json:"from,omitempty" db:"from_number"`
	To   string `json:"to,omitempty" db:"to_number"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastEventAt time.Time  `json:"last_event_at" db:"last_event_at"`
	TerminalAt  *time.Time `json:"terminal_at,omitempty" db:"terminal_at"`

	OriginateAttempts int `json:"originate_attempts" db:"originate_attempts"`
	HangupAttempts    int `json:"hangup_attempts" db:"hangup_attempts"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	Bridge *bridge.Health `json:"bridge,omitempty" db:"-"`
}

type State string

const (
	StatePending    State = "pending"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool { return s == StateTerminated || s == StateFailed }

// settling reports whether the setup inactivity timeout applies.
func (s State) settling() bool { return s == StatePending || s == StateRinging }

// Transition is one externally observable state change.
type Transition struct {
	ID      string    `json:"id" db:"id"`
	CallID  string    `json:"call_id" db:"call_id"`
	From    State     `json:"from" db:"from_state"`
	To      State     `json:"to" db:"to_state"`
	Trigger Trigger   `json:"trigger" db:"trigger"`
	Reason  string    `json:"reason,omitempty" db:"reason"`
	At      time.Time `json:"at" db:"at"`
}
