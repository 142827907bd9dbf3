package listener

import (
	"context"

	"github.com/looplab/fsm"
)

// Connection states. Reconnecting is a timed sub-state of Disconnected,
// entered only while auto-reconnect is armed.
const (
	StateDisconnected = "Disconnected"
	StateConnecting   = "Connecting"
	StateConnected    = "Connected"
	StateRegistering  = "Registering"
	StateRegistered   = "Registered"
	StateReconnecting = "Reconnecting"
)

const (
	eventDial           = "dial"
	eventEstablished    = "established"
	eventRegisterStart  = "register_start"
	eventRegistered     = "registered"
	eventRegisterFailed = "register_failed"
	eventClosed         = "closed"
	eventRetryWait      = "retry_wait"
)

func newConnectionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected, StateReconnecting}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventRegisterStart, Src: []string{StateConnected, StateRegistered}, Dst: StateRegistering},
			{Name: eventRegistered, Src: []string{StateRegistering}, Dst: StateRegistered},
			{Name: eventRegisterFailed, Src: []string{StateRegistering}, Dst: StateConnected},
			{Name: eventClosed, Src: []string{
				StateConnecting, StateConnected, StateRegistering, StateRegistered, StateReconnecting,
			}, Dst: StateDisconnected},
			{Name: eventRetryWait, Src: []string{StateDisconnected}, Dst: StateReconnecting},
		},
		fsm.Callbacks{},
	)
}

// transition fires an FSM event; callers hold l.mu. An impossible
// transition indicates a bookkeeping bug and is logged, never fatal.
func (l *Listener) transition(event string) {
	if err := l.fsm.Event(context.Background(), event); err != nil {
		l.log.Debug("state transition rejected",
			"event", event, "state", l.fsm.Current(), "err", err)
	}
}

// State returns the current connection state.
func (l *Listener) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fsm.Current()
}
