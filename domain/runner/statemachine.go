package runner

import "github.com/runnerforge/engine/internal/engineerr"

// Event is an external driver event that may cause a state transition (§4.1).
type Event string

const (
	EventAllocateUnclaimed Event = "allocate_unclaimed"
	EventAllocateClaimed   Event = "allocate_claimed"
	EventAppStartingEv     Event = "app_starting"
	EventInstanceRunningEv Event = "instance_running"
	EventIPAssignedEv      Event = "ip_assigned"
	EventSSHAliveEv        Event = "ssh_alive"
	EventBootstrapOKEv     Event = "bootstrap_ok"
	EventClaim             Event = "claim"
	EventClaimScriptOKEv   Event = "claim_script_ok"
	EventClientConnect     Event = "client_connect"
	EventClientDisconnect  Event = "client_disconnect"
	EventTerminate         Event = "terminate"
	EventStopDoneEv        Event = "stop_done"
	EventTerminateDoneEv   Event = "terminate_done"
	EventReapIdleEv        Event = "reap_idle"
	EventFatalErrorEv      Event = "fatal_error"
)

// transitionRule describes one allow-listed move. From == "" means "any state
// satisfying Guard" (used for the alive-set terminate rule).
type transitionRule struct {
	From  State
	Event Event
	To    State
	Guard func(s State) bool
}

// transitionTable is the exact allow-list of §4.1. A transition not present
// here is rejected.
var transitionTable = []transitionRule{
	{From: "", Event: EventAllocateUnclaimed, To: StateRunnerStarting},
	{From: "", Event: EventAllocateClaimed, To: StateRunnerStartingClaimed},

	// instance_running / ip_assigned / ssh_alive leave state unchanged; they
	// are recorded as history/events only, so no row here changes state.

	{From: StateRunnerStartingClaimed, Event: EventBootstrapOKEv, To: StateReadyClaimed},
	{From: StateRunnerStarting, Event: EventBootstrapOKEv, To: StateReady},

	{From: StateReady, Event: EventClaim, To: StateReadyClaimed},
	{From: StateReadyClaimed, Event: EventClaimScriptOKEv, To: StateAwaitingClient},
	{From: StateAwaitingClient, Event: EventClientConnect, To: StateActive},
	{From: StateActive, Event: EventClientDisconnect, To: StateDisconnecting},

	{From: "", Event: EventTerminate, To: StateTerminating, Guard: func(s State) bool { return s.IsAlive() }},
	{From: StateTerminating, Event: EventStopDoneEv, To: StateClosed},
	{From: StateClosed, Event: EventTerminateDoneEv, To: StateTerminated},

	{From: StateReady, Event: EventReapIdleEv, To: StateClosedPool},

	{From: "", Event: EventFatalErrorEv, To: StateError, Guard: func(State) bool { return true }},
}

// NoOpEvents are external reports that never change state but must still be
// accepted, recorded, and forwarded to the Event Bus (§4.1, §6).
var NoOpEvents = map[Event]bool{
	EventAppStartingEv:     true,
	EventInstanceRunningEv: true,
	EventIPAssignedEv:      true,
	EventSSHAliveEv:        true,
}

// Transition validates and computes the next state for (from, event). It does
// not mutate any store; callers apply the result via a conditional update.
func Transition(from State, event Event) (State, error) {
	if NoOpEvents[event] {
		return from, nil
	}

	for _, rule := range transitionTable {
		if rule.Event != event {
			continue
		}
		if rule.From != "" && rule.From != from {
			continue
		}
		if rule.Guard != nil && !rule.Guard(from) {
			continue
		}
		if rule.From == "" && rule.Guard == nil && from != "" {
			// allocate rules: only valid with no prior state.
			continue
		}
		return rule.To, nil
	}

	return "", engineerr.New(engineerr.InvalidRequest, "illegal transition "+string(from)+" --"+string(event)+"-->")
}

// Allocate computes the initial state for a new runner.
func Allocate(claimed bool) State {
	if claimed {
		return StateRunnerStartingClaimed
	}
	return StateRunnerStarting
}

// reportStateWhitelist is the exact case-sensitive whitelist external VM
// bootstrap processes may report (§6).
var reportStateWhitelist = map[string]bool{
	"runner_starting":         true,
	"app_starting":            true,
	"ready":                   true,
	"runner_starting_claimed": true,
	"ready_claimed":           true,
	"awaiting_client":         true,
	"active":                  true,
	"disconnecting":           true,
}

// ValidateReportState reports whether raw is an acceptable external state
// report value; other values must be rejected with 400 (§6).
func ValidateReportState(raw string) bool {
	return reportStateWhitelist[raw]
}

// reportEvent maps a reportable state string to the event that would produce
// it. runner_starting and runner_starting_claimed have no entry: they are
// the states a runner is allocated into, not ones a later report transitions
// into, so a report of either is only ever a confirmation of the current
// state, never a transition.
var reportEvent = map[string]Event{
	"app_starting":    EventAppStartingEv,
	"ready":           EventBootstrapOKEv,
	"ready_claimed":   EventBootstrapOKEv,
	"awaiting_client": EventClaimScriptOKEv,
	"active":          EventClientConnect,
	"disconnecting":   EventClientDisconnect,
}

// ReportTransition validates an external VM bootstrap report against the
// runner's current state and computes the resulting state (§6, §4.1). A
// report that merely restates the current state is accepted as an
// idempotent confirmation (the VM may retry its own reports) rather than
// run through the transition table. Any state outside the report
// whitelist, or any report that does not correspond to a legal transition
// out of current, is rejected with engineerr.InvalidRequest.
func ReportTransition(current State, raw string) (State, error) {
	if !ValidateReportState(raw) {
		return "", engineerr.New(engineerr.InvalidRequest, "unknown runner state: "+raw)
	}
	if string(current) == raw {
		return current, nil
	}

	event, ok := reportEvent[raw]
	if !ok {
		return "", engineerr.New(engineerr.InvalidRequest, "illegal report "+raw+" from state "+string(current))
	}
	if NoOpEvents[event] {
		return current, nil
	}

	to, err := Transition(current, event)
	if err != nil {
		return "", err
	}
	if string(to) != raw {
		return "", engineerr.New(engineerr.InvalidRequest, "illegal report "+raw+" from state "+string(current))
	}
	return to, nil
}
