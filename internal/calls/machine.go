package calls

import "telephony-gateway/internal/telephony"

// Trigger is anything that can move a call: a normalized provider event or
// an internal signal from timers, the bridge or an operator.
type Trigger string

const (
	TriggerCreated       Trigger = "created"
	TriggerTimeout       Trigger = "timeout"
	TriggerBridgeStalled Trigger = "bridge_stalled"
	TriggerBridgeFailed  Trigger = "bridge_failed"
	TriggerBridgeStopped Trigger = "bridge_stopped"
	TriggerTerminate     Trigger = "terminate"
	TriggerAnswerFailed  Trigger = "answer_failed"
)

func eventTrigger(k telephony.EventKind) Trigger { return Trigger(k) }

var (
	trigRinging      = eventTrigger(telephony.EventRinging)
	trigAnswered     = eventTrigger(telephony.EventAnswered)
	trigMediaStarted = eventTrigger(telephony.EventMediaStarted)
	trigDTMF         = eventTrigger(telephony.EventDTMF)
	trigEnded        = eventTrigger(telephony.EventEnded)
	trigError        = eventTrigger(telephony.EventError)
)

// transitions is the whole lifecycle. Terminal states have no row and absorb
// everything. A missing (state, trigger) pair is ignored, not an error.
var transitions = map[State]map[Trigger]State{
	StatePending: {
		trigRinging:         StateRinging,
		trigAnswered:        StateActive,
		trigEnded:           StateEnding,
		TriggerTerminate:    StateEnding,
		trigError:           StateFailed,
		TriggerTimeout:      StateFailed,
		TriggerAnswerFailed: StateFailed,
	},
	StateRinging: {
		trigAnswered:        StateActive,
		trigMediaStarted:    StateActive,
		trigEnded:           StateEnding,
		TriggerTerminate:    StateEnding,
		trigError:           StateFailed,
		TriggerTimeout:      StateFailed,
		TriggerAnswerFailed: StateFailed,
	},
	StateActive: {
		trigDTMF:             StateActive,
		trigEnded:            StateEnding,
		TriggerTerminate:     StateEnding,
		trigError:            StateFailed,
		TriggerBridgeStalled: StateFailed,
		TriggerBridgeFailed:  StateFailed,
	},
	StateEnding: {
		TriggerBridgeStopped: StateTerminated,
		trigError:            StateFailed,
	},
}

// Next returns the state a call in from moves to on t. ok is false when the
// trigger does not apply and must be dropped.
func Next(from State, t Trigger) (to State, ok bool) {
	row, found := transitions[from]
	if !found {
		return from, false
	}
	to, ok = row[t]
	if !ok {
		return from, false
	}
	return to, true
}
