package calls

import "testing"

func TestNext(t *testing.T) {
	cases := []struct {
		from State
		trig Trigger
		to   State
		ok   bool
	}{
		{StatePending, trigRinging, StateRinging, true},
		{StatePending, trigAnswered, StateActive, true},
		{StatePending, trigEnded, StateEnding, true},
		{StatePending, TriggerTimeout, StateFailed, true},
		{StatePending, trigDTMF, StatePending, false},
		{StatePending, trigMediaStarted, StatePending, false},
		{StateRinging, trigAnswered, StateActive, true},
		{StateRinging, trigMediaStarted, StateActive, true},
		{StateRinging, trigEnded, StateEnding, true},
		{StateRinging, trigError, StateFailed, true},
		{StateRinging, TriggerTimeout, StateFailed, true},
		{StateRinging, trigRinging, StateRinging, false},
		{StateActive, trigDTMF, StateActive, true},
		{StateActive, trigEnded, StateEnding, true},
		{StateActive, TriggerTerminate, StateEnding, true},
		{StateActive, TriggerBridgeStalled, StateFailed, true},
		{StateActive, TriggerTimeout, StateActive, false},
		{StateActive, trigAnswered, StateActive, false},
		{StateEnding, TriggerBridgeStopped, StateTerminated, true},
		{StateEnding, trigEnded, StateEnding, false},
		{StateEnding, trigError, StateFailed, true},
	}
	for _, tc := range cases {
		to, ok := Next(tc.from, tc.trig)
		if to != tc.to || ok != tc.ok {
			t.Fatalf("Next(%s, %s) = %s,%v; want %s,%v", tc.from, tc.trig, to, ok, tc.to, tc.ok)
		}
	}
}

func TestNext_TerminalStatesAbsorbEverything(t *testing.T) {
	triggers := []Trigger{
		trigRinging, trigAnswered, trigMediaStarted, trigDTMF, trigEnded, trigError,
		TriggerTimeout, TriggerBridgeStalled, TriggerBridgeFailed, TriggerBridgeStopped, TriggerTerminate,
	}
	for _, st := range []State{StateTerminated, StateFailed} {
		for _, tr := range triggers {
			if to, ok := Next(st, tr); ok || to != st {
				t.Fatalf("terminal %s moved on %s", st, tr)
			}
		}
	}
}

func TestEveryNonTerminalStateCanFail(t *testing.T) {
	for _, st := range []State{StatePending, StateRinging, StateActive, StateEnding} {
		if to, ok := Next(st, trigError); !ok || to != StateFailed {
			t.Fatalf("%s cannot fail on provider error", st)
		}
	}
}
