package meshdev

// ConnState tracks where a connection attempt is in its lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateConfiguring
	StateReady
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// effects tells the connection loop what to do after a transition.
type effects struct {
	// scheduleConfigRetry asks for the one deferred config re-request.
	scheduleConfigRetry bool
	// ready fires when the handshake completed.
	ready bool
	// disconnected fires when the device reported it went away.
	disconnected bool
	// failed carries a fatal link error.
	failed error
}

// step is the pure transition function of the connection lifecycle.
// It never blocks and never touches the transport.
func step(s ConnState, ev Event) (ConnState, effects) {
	switch ev := ev.(type) {
	case FaultEvent:
		return StateFailed, effects{failed: ev.Err}
	case StatusEvent:
		switch ev.Status {
		case StatusConnecting, StatusReconnecting:
			if s == StateIdle {
				return StateConnecting, effects{}
			}
			return s, effects{}
		case StatusConnected:
			// Seeing Connected after we already asked for config means the
			// request may have raced the link setup. Re-issue it once.
			switch s {
			case StateIdle, StateConnecting:
				return StateConnected, effects{scheduleConfigRetry: true}
			default:
				return s, effects{}
			}
		case StatusConfiguring:
			if s == StateReady {
				return s, effects{}
			}
			return StateConfiguring, effects{}
		case StatusConfigured:
			if s == StateReady {
				return s, effects{}
			}
			return StateReady, effects{ready: true}
		case StatusDisconnected:
			return StateDisconnected, effects{disconnected: true}
		default:
			return s, effects{}
		}
	default:
		return s, effects{}
	}
}
