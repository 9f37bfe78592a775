package sync

// State is the engine's connectivity/progress state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateSyncing      State = "syncing"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is the last observed sync state, with a message for error states.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// OnStatus registers a callback invoked on every state change. A single
// observer; registering replaces the previous one.
func (e *Engine) OnStatus(fn func(Status)) {
	e.mu.Lock()
	e.onStatus = fn
	e.mu.Unlock()
}

// Status returns the last observed status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// MarkDegraded flips the status to error for a failure detected outside a
// push or pull cycle, such as a stalled startup sync. Any in-flight sync
// keeps running and overwrites the status when it finishes.
func (e *Engine) MarkDegraded(message string) {
	e.setStatus(StateError, message)
}

func (e *Engine) setStatus(state State, message string) {
	e.mu.Lock()
	changed := e.status.State != state || e.status.Message != message
	st := Status{State: state, Message: message}
	e.status = st
	fn := e.onStatus
	e.mu.Unlock()

	if changed && fn != nil {
		fn(st)
	}
}
