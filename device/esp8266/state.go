package esp8266

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
)

// ConnState is the connection lifecycle state of a Session.
type ConnState string

const (
	StateUninitialized ConnState = "uninitialized"
	StateQueuesReady   ConnState = "queues_ready"
	StateDemuxRunning  ConnState = "demux_running"
	StateModemReady    ConnState = "modem_ready"
	StateConnected     ConnState = "connected"
	StateError         ConnState = "error"
)

func (s ConnState) String() string {
	return string(s)
}

// Lifecycle events.
const (
	evAllocate   = "allocate"
	evStartDemux = "start_demux"
	evHandshake  = "handshake"
	evOpen       = "open"
	evClose      = "close"
	evFail       = "fail"
	evReset      = "reset"
	evShutdown   = "shutdown"
)

var allStates = []string{
	string(StateUninitialized),
	string(StateQueuesReady),
	string(StateDemuxRunning),
	string(StateModemReady),
	string(StateConnected),
	string(StateError),
}

// transitionFunc observes every state change.
type transitionFunc func(event string, from, to ConnState)

// machine wraps the lifecycle FSM. Transitions that would leave the state
// unchanged are not errors.
type machine struct {
	fsm *fsm.FSM
	log *slog.Logger
}

func newMachine(log *slog.Logger, onEnter transitionFunc) *machine {
	m := &machine{log: log}
	m.fsm = fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: evAllocate, Src: []string{string(StateUninitialized), string(StateError)}, Dst: string(StateQueuesReady)},
			{Name: evStartDemux, Src: []string{string(StateQueuesReady)}, Dst: string(StateDemuxRunning)},
			{Name: evHandshake, Src: []string{string(StateDemuxRunning), string(StateModemReady)}, Dst: string(StateModemReady)},
			{Name: evOpen, Src: []string{string(StateModemReady)}, Dst: string(StateConnected)},
			{Name: evClose, Src: []string{string(StateConnected), string(StateModemReady)}, Dst: string(StateModemReady)},
			{Name: evFail, Src: allStates, Dst: string(StateError)},
			{Name: evReset, Src: []string{string(StateError)}, Dst: string(StateDemuxRunning)},
			{Name: evShutdown, Src: allStates, Dst: string(StateUninitialized)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				from, to := ConnState(e.Src), ConnState(e.Dst)
				m.log.Info("connection state changed", "event", e.Event, "from", from, "to", to)
				if onEnter != nil {
					onEnter(e.Event, from, to)
				}
			},
		},
	)
	return m
}

// Current returns the current state.
func (m *machine) Current() ConnState {
	return ConnState(m.fsm.Current())
}

// Is reports whether the machine is in any of the given states.
func (m *machine) Is(states ...ConnState) bool {
	cur := m.Current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// fire applies event. It returns an error only if the event is not
// permitted from the current state.
func (m *machine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return err
}
