package room

// State is a room lifecycle state.
type State int

const (
	StateInit State = iota
	StateIdle
	StateFindServer
	StateConnectingToServer
	StateGetConfig
	StateTagScanned
	StateDoorOpen
	StateActive
	StateEnded
	StateEndedFeedback
	StateShuttingDown
	StateRebooting

	numStates
)

var stateNames = [...]string{
	StateInit:               "init",
	StateIdle:               "idle",
	StateFindServer:         "find_server",
	StateConnectingToServer: "connecting_to_server",
	StateGetConfig:          "get_config",
	StateTagScanned:         "tag_scanned",
	StateDoorOpen:           "door_open",
	StateActive:             "active",
	StateEnded:              "ended",
	StateEndedFeedback:      "ended_feedback",
	StateShuttingDown:       "shutting_down",
	StateRebooting:          "rebooting",
}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the state is final: nothing leaves it.
func (s State) Terminal() bool {
	return s == StateShuttingDown || s == StateRebooting
}

// Trigger names an event that may move the machine.
type Trigger string

const (
	TriggerStartLogic        Trigger = "start_logic"
	TriggerServerFound       Trigger = "server_found"
	TriggerServerNotFound    Trigger = "server_not_found"
	TriggerServerIsConnected Trigger = "server_is_connected"
	TriggerServerConnFailed  Trigger = "server_conn_failed"
	TriggerServerConnected   Trigger = "server_connected"
	TriggerServerLost        Trigger = "server_lost"
	TriggerConfigReceived    Trigger = "config_received"
	TriggerConfigFailed      Trigger = "config_failed"
	TriggerAccessGranted     Trigger = "access_granted"
	TriggerGameStarting      Trigger = "game_starting"
	TriggerGameReset         Trigger = "game_reset"
	TriggerDoorFailed        Trigger = "door_failed"
	TriggerGameEnded         Trigger = "game_ended"
	TriggerGameActive        Trigger = "game_active"
	TriggerGameLost          Trigger = "game_lost"
	TriggerGameWon           Trigger = "game_won"
	TriggerGetFeedback       Trigger = "get_feedback"
	TriggerShutdown          Trigger = "shutdown"
	TriggerReboot            Trigger = "reboot"
)
