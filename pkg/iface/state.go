// Package iface implements the interface registry and the per-interface
// state machine that sequences protocol setup/teardown, device
// claim/release, and IP configuration enable/disable.
package iface

import "encoding/json"

// State is the interface state machine position.
type State int

const (
	// StateDown: idle.
	StateDown State = iota
	// StateSetup: protocol starting.
	StateSetup
	// StateUp: protocol reports link up.
	StateUp
	// StateTeardown: protocol stopping.
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateSetup:
		return "setup"
	case StateUp:
		return "up"
	case StateTeardown:
		return "teardown"
	}
	return "unknown"
}

// ConfigState tracks a pending configuration action observed at the
// DOWN transition.
type ConfigState int

const (
	ConfigNormal ConfigState = iota
	ConfigReload
	ConfigRemove
)

// Event is the user-visible up/down edge.
type Event int

const (
	EvUp Event = iota
	EvDown
)

func (e Event) String() string {
	if e == EvUp {
		return "ifup"
	}
	return "ifdown"
}

// ProtoCmd asks a protocol handler to bring the link up or down.
type ProtoCmd int

const (
	CmdSetup ProtoCmd = iota
	CmdTeardown
)

// ProtoEvent is reported back by a protocol handler.
type ProtoEvent int

const (
	ProtoUp ProtoEvent = iota
	ProtoDown
	ProtoLinkLost
)

// ProtoFlags adjust how the interface drives its handler.
type ProtoFlags uint32

const (
	// ProtoFlagNoDev: the protocol brings its own device; the interface
	// does not claim one from the configured ifname.
	ProtoFlagNoDev ProtoFlags = 1 << 0
	// ProtoFlagInitAvailable: the interface is available immediately,
	// without waiting for device presence.
	ProtoFlagInitAvailable ProtoFlags = 1 << 1
)

// ProtoState is an attached protocol handler instance.
type ProtoState interface {
	// Handler asynchronously processes SETUP or TEARDOWN; progress is
	// reported through Interface.ProtoEvent.
	Handler(cmd ProtoCmd, force bool) error
	// Free releases the handler state.
	Free()
}

// ProtoNotifier is implemented by handlers that accept external
// notifications (the RPC notify_proto verb).
type ProtoNotifier interface {
	Notify(raw json.RawMessage) error
}

// Error is one entry in the per-interface error log.
type Error struct {
	Subsystem string   `json:"subsystem"`
	Code      string   `json:"code"`
	Data      []string `json:"data,omitempty"`
}

// User is a subscriber to interface up/down transitions.
type User struct {
	Iface *Interface
	CB    func(dep *User, ev Event)
}
