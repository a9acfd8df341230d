package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tcpdev/logger"
)

// ErrInvalidTransition indicates a state change that the connection lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// State represents the lifecycle stage of a device connection.
type State uint32

// Device connection states.
const (
	// Disconnected is the initial state, and the terminal state after an explicit Close.
	Disconnected State = iota
	// Connecting indicates that a socket was allocated and the TCP handshake is outstanding.
	Connecting
	// Connected indicates that the handshake on the current socket completed.
	Connected
	// Reconnecting indicates that the connection was lost and a reconnect attempt is scheduled.
	Reconnecting
)

// IsDisconnected returns if the state is Disconnected.
func (s State) IsDisconnected() bool { return s == Disconnected }

// IsConnected returns if the state is Connected.
func (s State) IsConnected() bool { return s == Connected }

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// allowed lists the states each state may transition to.
var allowed = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// StateChangeHandler is invoked after the state of a device changed.
//
// Note: the handler is invoked while the state manager is locked, it must not block
// and must not call back into the StateManager.
type StateChangeHandler func(prevState State, newState State)

// StateManager tracks the connection state of a device.
//
// It validates transitions, notifies handlers and lets callers wait for a state.
// All methods are safe for concurrent use.
type StateManager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateManager creates a StateManager in the Disconnected state.
func NewStateManager(l logger.Logger, handlers ...StateChangeHandler) *StateManager {
	if l == nil {
		l = logger.GetLogger()
	}

	sm := &StateManager{
		logger:   l,
		handlers: make([]StateChangeHandler, 0, len(handlers)),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(Disconnected))
	sm.AddHandler(handlers...)

	return sm
}

// State returns the current state.
func (sm *StateManager) State() State {
	return State(sm.state.Load())
}

// AddHandler adds one or more StateChangeHandler functions to be invoked on state changes.
func (sm *StateManager) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// WaitState waits for the state to reach the specified state or until the context is done.
// It returns nil if the desired state is reached, or the context error otherwise.
func (sm *StateManager) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		sm.cond.Broadcast()
		sm.mu.Unlock()
	})
	defer stopFunc()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			sm.logger.Debug("wait state receive ctx done", "cur_state", sm.State(), "desired_state", state)
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// ToConnecting transitions to Connecting.
func (sm *StateManager) ToConnecting() error { return sm.transition(Connecting) }

// ToConnected transitions to Connected. It is only allowed from Connecting.
func (sm *StateManager) ToConnected() error { return sm.transition(Connected) }

// ToReconnecting transitions to Reconnecting after the connection was lost or an attempt failed.
func (sm *StateManager) ToReconnecting() error { return sm.transition(Reconnecting) }

// ToDisconnected transitions to Disconnected. This transition is allowed from any state.
func (sm *StateManager) ToDisconnected() {
	_ = sm.transition(Disconnected)
}

// transition changes the state to newState. Changing to the current state is a no-op.
func (sm *StateManager) transition(newState State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	curState := sm.State()
	if curState == newState {
		return nil
	}

	if newState != Disconnected && !isAllowed(curState, newState) {
		sm.logger.Debug("invalid state transition", "cur_state", curState, "desired_state", newState)
		return ErrInvalidTransition
	}

	sm.state.Store(uint32(newState))
	sm.cond.Broadcast()

	for _, h := range sm.handlers {
		h(curState, newState)
	}

	return nil
}

func isAllowed(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}

	return false
}
