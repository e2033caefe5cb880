package connection

// State is a step of the session lifecycle.
//
//	Idle -> Connecting -> Authenticating -> Live -> Closing -> Idle
//
// Fatal is terminal and reachable from every state.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateLive           State = "live"
	StateClosing        State = "closing"
	StateFatal          State = "fatal"
)

func (s State) String() string {
	return string(s)
}
