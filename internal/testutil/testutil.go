// Package testutil carries shared fixtures for package tests: an
// assembled core (fake backend, device and interface registries, a
// controllable protocol) without the RPC or state-mirror layers.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/system"
)

// Rig is a minimal assembled core for tests.
type Rig struct {
	Sys     *system.Fake
	Devices *device.Registry
	Ifaces  *iface.Registry
	Protos  *ScriptedProtos
}

// NewRig builds a core with the fake backend and a scripted protocol
// attacher.
func NewRig(t *testing.T) *Rig {
	t.Helper()
	return NewRigWithResolv(t, "")
}

// NewRigWithResolv builds a core that renders DNS state to resolvPath.
func NewRigWithResolv(t *testing.T, resolvPath string) *Rig {
	t.Helper()
	sys := system.NewFake()
	devices := device.NewRegistry(sys)
	protos := &ScriptedProtos{}
	ifaces := iface.NewRegistry(iface.Params{
		Devices:    devices,
		System:     sys,
		Protos:     protos,
		ResolvPath: resolvPath,
	})
	return &Rig{Sys: sys, Devices: devices, Ifaces: ifaces, Protos: protos}
}

// ScriptedProtos attaches ScriptedProto instances so tests can drive
// protocol events by hand. It implements iface.ProtoAttacher.
type ScriptedProtos struct {
	// Attached collects every attached state, most recent last.
	Attached []*ScriptedProto

	// Flags applied to the next attach.
	Flags iface.ProtoFlags

	// Immediate completes setup/teardown as soon as they are requested.
	Immediate bool
}

// Attach implements iface.ProtoAttacher.
func (p *ScriptedProtos) Attach(ifc *iface.Interface, name string, cfg *iface.Config) (iface.ProtoState, iface.ProtoFlags, error) {
	ps := &ScriptedProto{Iface: ifc, owner: p}
	p.Attached = append(p.Attached, ps)
	return ps, p.Flags, nil
}

// Last returns the most recently attached protocol state.
func (p *ScriptedProtos) Last() *ScriptedProto {
	if len(p.Attached) == 0 {
		return nil
	}
	return p.Attached[len(p.Attached)-1]
}

// ScriptedProto records handler commands and lets the test fire proto
// events.
type ScriptedProto struct {
	Iface *iface.Interface
	owner *ScriptedProtos

	Cmds   []iface.ProtoCmd
	Forces []bool
	Freed  bool
}

func (p *ScriptedProto) Handler(cmd iface.ProtoCmd, force bool) error {
	p.Cmds = append(p.Cmds, cmd)
	p.Forces = append(p.Forces, force)
	if p.owner != nil && p.owner.Immediate {
		switch cmd {
		case iface.CmdSetup:
			p.Iface.ProtoEvent(iface.ProtoUp)
		case iface.CmdTeardown:
			p.Iface.ProtoEvent(iface.ProtoDown)
		}
	}
	return nil
}

func (p *ScriptedProto) Free() {
	p.Freed = true
}

// Up fires the protocol UP event.
func (p *ScriptedProto) Up() { p.Iface.ProtoEvent(iface.ProtoUp) }

// Down fires the protocol DOWN event.
func (p *ScriptedProto) Down() { p.Iface.ProtoEvent(iface.ProtoDown) }

// LinkLost fires the protocol LINK_LOST event.
func (p *ScriptedProto) LinkLost() { p.Iface.ProtoEvent(iface.ProtoLinkLost) }

// WriteFile writes a fixture file under dir, creating parents.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
