// Package link holds the link-state machine between the authoring tool and
// its remote peer, together with the peer configuration it owns.
//
// The machine has three states. Exporting is a sub-state of connected: a
// peer is linked in both, and exporting only adds "an export is running".
//
//	disconnected --link--> connected <--> exporting
//	      ^                    |              |
//	      +------ reset -------+--------------+
//
// Machine performs no I/O. Callers invoke collaborators before or after a
// transition.
package link

import "fmt"

// State is a link state.
type State int

const (
	Disconnected State = iota
	Connected
	Exporting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Exporting:
		return "exporting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Linked reports whether a peer is linked in this state.
func (s State) Linked() bool {
	return s == Connected || s == Exporting
}

// Machine is the link-state machine. It is not safe for concurrent use; all
// access happens on the sync loop.
type Machine struct {
	state  State
	config *Config
	linked bool

	onLinkedChanged func(linked bool)
}

// NewMachine returns a machine in the disconnected state.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// OnLinkedChanged registers fn to be called whenever IsLinked changes value.
func (m *Machine) OnLinkedChanged(fn func(linked bool)) {
	m.onLinkedChanged = fn
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// IsLinked is true iff the state is connected or exporting.
func (m *Machine) IsLinked() bool {
	return m.linked
}

// Config returns the current peer configuration, or nil when disconnected
// and no link attempt is in progress.
func (m *Machine) Config() *Config {
	return m.config
}

// Link replaces the peer configuration wholesale. The state is unchanged;
// the link is only established by a later transition to Connected.
func (m *Machine) Link(cfg *Config) {
	m.config = cfg
}

// TransitionTo moves the machine to state s and recomputes IsLinked.
func (m *Machine) TransitionTo(s State) {
	m.state = s
	if s == Disconnected {
		m.config = nil
	}
	m.recompute()
}

// Reset drops the configuration and returns to Disconnected.
func (m *Machine) Reset() {
	m.TransitionTo(Disconnected)
}

func (m *Machine) recompute() {
	linked := m.state.Linked()
	if linked == m.linked {
		return
	}
	m.linked = linked
	if m.onLinkedChanged != nil {
		m.onLinkedChanged(linked)
	}
}
