package peer

type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Lost reports whether the link lost connectivity. Lost links are rebuilt,
// never resumed.
func (s State) Lost() bool {
	return s == StateFailed || s == StateDisconnected
}

// canTransition encodes the forward-only link lifecycle.
func canTransition(from, to State) bool {
	if from == StateClosed || from == to {
		return false
	}
	switch to {
	case StateClosed:
		return true
	case StateConnecting:
		return from == StateNew
	case StateConnected:
		return from == StateConnecting
	case StateFailed, StateDisconnected:
		return from == StateConnecting || from == StateConnected
	}
	return false
}

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)
