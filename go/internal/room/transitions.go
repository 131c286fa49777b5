package room

// guard names a predicate over machine fields evaluated when a trigger is resolved.
type guard int

const (
	always guard = iota
	gameIsActive
)

// sources is the set of states a transition may start from.
type sources uint32

func from(states ...State) sources {
	var s sources
	for _, st := range states {
		s |= 1 << st
	}
	return s
}

func (s sources) has(st State) bool {
	return s&(1<<st) != 0
}

var (
	// running covers every state after start that is not terminal.
	running = live &^ from(StateInit)
	// live covers every state that is not terminal.
	live = from(
		StateInit, StateIdle, StateFindServer, StateConnectingToServer, StateGetConfig,
		StateTagScanned, StateDoorOpen, StateActive, StateEnded, StateEndedFeedback,
	)
)

type transition struct {
	trigger Trigger
	from    sources
	to      State
	guard   guard
}

// transitions is evaluated in order; for a trigger with several candidates the first
// whose guard holds wins, so unguarded fallbacks come last.
var transitions = []transition{
	{TriggerStartLogic, from(StateInit), StateFindServer, always},
	{TriggerServerFound, from(StateFindServer), StateConnectingToServer, always},
	{TriggerServerNotFound, from(StateFindServer), StateFindServer, always},
	{TriggerServerIsConnected, from(StateFindServer), StateGetConfig, always},
	{TriggerServerConnFailed, from(StateConnectingToServer), StateFindServer, always},
	{TriggerServerConnected, from(StateConnectingToServer), StateGetConfig, always},
	{TriggerServerLost, running, StateFindServer, always},
	{TriggerConfigReceived, from(StateGetConfig), StateActive, gameIsActive},
	{TriggerConfigReceived, from(StateGetConfig), StateIdle, always},
	{TriggerConfigFailed, running, StateGetConfig, always},
	{TriggerAccessGranted, from(StateIdle), StateTagScanned, always},
	{TriggerGameStarting, from(StateTagScanned), StateDoorOpen, always},
	{TriggerGameReset, from(StateTagScanned, StateDoorOpen, StateActive, StateEnded, StateEndedFeedback), StateIdle, always},
	{TriggerDoorFailed, from(StateDoorOpen, StateActive), StateEnded, always},
	{TriggerGameEnded, from(StateDoorOpen, StateActive), StateEnded, always},
	{TriggerGameEnded, from(StateEnded), StateIdle, always},
	{TriggerGameActive, from(StateDoorOpen), StateActive, always},
	{TriggerGameLost, from(StateActive, StateEndedFeedback), StateEnded, always},
	{TriggerGameWon, from(StateActive, StateEndedFeedback), StateEnded, always},
	{TriggerGetFeedback, from(StateEnded), StateEndedFeedback, always},
	{TriggerShutdown, live, StateShuttingDown, always},
	{TriggerReboot, live, StateRebooting, always},
}

// resolve returns the destination for trigger fired in state, or false when no
// transition matches. holds evaluates guards.
func resolve(trigger Trigger, state State, holds func(guard) bool) (State, bool) {
	for _, t := range transitions {
		if t.trigger != trigger || !t.from.has(state) {
			continue
		}
		if t.guard != always && !holds(t.guard) {
			continue
		}
		return t.to, true
	}
	return state, false
}

// timeoutTriggers lists the timed states and the trigger fired when one of them is not
// left before its timeout.
var timeoutTriggers = map[State]Trigger{
	StateFindServer:         TriggerServerNotFound,
	StateConnectingToServer: TriggerServerConnFailed,
	StateGetConfig:          TriggerConfigFailed,
}
