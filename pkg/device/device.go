// Package device implements the network device registry: reference
// counted activation, presence tracking, and lifecycle event broadcast
// to dependents. Devices are owned by the Registry and reclaimed when
// the last dependent lets go.
package device

import (
	"fmt"

	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// IFNameSize is the maximum OS interface name length (IFNAMSIZ - 1).
const IFNameSize = 15

// Event is a device lifecycle event delivered to dependents.
type Event int

const (
	// EventAdd: the device became present in the OS.
	EventAdd Event = iota
	// EventRemove: the device is no longer present.
	EventRemove
	// EventSetup: first claim, about to be brought up.
	EventSetup
	// EventUp: backend reported the device up.
	EventUp
	// EventTeardown: last release, about to be brought down.
	EventTeardown
	// EventDown: the device is down.
	EventDown
	// EventUpdateIfname: the underlying ifname changed (alias rebind).
	EventUpdateIfname
)

func (e Event) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventSetup:
		return "setup"
	case EventUp:
		return "up"
	case EventTeardown:
		return "teardown"
	case EventDown:
		return "down"
	case EventUpdateIfname:
		return "update_ifname"
	}
	return "unknown"
}

// User is an edge from a consumer (interface, alias, protocol state)
// to a device. The callback receives lifecycle events; Claimed tracks
// whether this edge holds a reference on the device's activation.
type User struct {
	Dev     *Device
	CB      func(dep *User, ev Event)
	Claimed bool
	Alias   bool
}

// HotplugOps lets composite device types (bridges) accept member
// devices at runtime.
type HotplugOps interface {
	Add(main *Device, member *Device) error
	Del(main *Device, member *Device) error
	Prepare(main *Device) error
}

// ChangeType is the outcome of applying configuration to an existing
// device.
type ChangeType int

const (
	// NoChange: semantically equal configuration.
	NoChange ChangeType = iota
	// Applied: same type, parameters updated in place.
	Applied
	// Recreate: the device must be torn down and recreated.
	Recreate
)

// Type describes a polymorphic device type through a dispatch table.
type Type struct {
	Name string

	Create     func(r *Registry, name string, cfg *Config) (*Device, error)
	Free       func(dev *Device)
	ConfigInit func(dev *Device)
	Reload     func(dev *Device, cfg *Config) ChangeType
	DumpInfo   func(dev *Device) map[string]interface{}
	DumpStats  func(dev *Device) (map[string]uint64, error)
	CheckState func(dev *Device) error
}

// Device is an OS-visible network device or a virtual abstraction that
// behaves like one.
type Device struct {
	reg *Registry
	typ *Type

	// Name is the registry key; ifname is the current OS name.
	// They differ only for aliases, which track an underlying device.
	Name   string
	ifname string

	settings system.LinkSettings

	active  int
	present bool
	hidden  bool

	users []*User

	// currentConfig marks devices named by the active configuration;
	// defaultConfig marks devices synthesized on demand.
	currentConfig bool
	defaultConfig bool
	configPending bool

	cfg *Config

	setState func(dev *Device, state bool) error
	hotplug  HotplugOps

	// priv holds the type-specific wrapper (alias, vlan, bridge state).
	priv interface{}
}

// Type returns the device's type descriptor.
func (d *Device) Type() *Type { return d.typ }

// Ifname returns the current OS interface name.
func (d *Device) Ifname() string { return d.ifname }

// Present reports OS presence.
func (d *Device) Present() bool { return d.present }

// Active reports whether at least one dependent holds a claim.
func (d *Device) Active() bool { return d.active > 0 }

// RefCount returns the number of claimed dependents.
func (d *Device) RefCount() int { return d.active }

// Hidden reports whether the device is excluded from status dumps
// (unbound aliases).
func (d *Device) Hidden() bool { return d.hidden }

// Config returns the applied configuration, nil for default devices.
func (d *Device) Config() *Config { return d.cfg }

// HotplugOps returns the device's hotplug operations, nil if the type
// has none.
func (d *Device) HotplugOps() HotplugOps { return d.hotplug }

// Settings returns the link settings applied on claim.
func (d *Device) Settings() system.LinkSettings { return d.settings }

func (d *Device) init(reg *Registry, typ *Type, ifname string) {
	d.reg = reg
	d.typ = typ
	if ifname != "" {
		d.Name = ifname
		d.ifname = ifname
	}
	util.WithDevice(d.ifname).Debug("initialize device")
}

// applySettings folds the user-configured attributes into the link
// settings applied at claim time.
func (d *Device) applySettings(cfg *Config) {
	d.settings = system.LinkSettings{}
	if cfg == nil {
		return
	}
	if cfg.MTU != nil {
		d.settings.SetMTU = true
		d.settings.MTU = *cfg.MTU
	}
	if cfg.TxQueueLen != nil {
		d.settings.SetTxQueueLen = true
		d.settings.TxQueueLen = *cfg.TxQueueLen
	}
	if cfg.MACAddr != "" {
		if hw, err := parseMAC(cfg.MACAddr); err == nil {
			d.settings.SetMACAddr = true
			d.settings.MACAddr = hw
		}
	}
}

// broadcast delivers ev to every dependent in list order. Callbacks may
// mutate the dependent list; iteration runs on a snapshot and re-checks
// membership before each delivery.
func (d *Device) broadcast(ev Event) {
	snapshot := make([]*User, len(d.users))
	copy(snapshot, d.users)
	for _, dep := range snapshot {
		if dep.CB == nil || !d.hasUser(dep) {
			continue
		}
		dep.CB(dep, ev)
	}
}

func (d *Device) hasUser(dep *User) bool {
	for _, u := range d.users {
		if u == dep {
			return true
		}
	}
	return false
}

// Claim takes an active reference on the device through dep. The first
// successful claim broadcasts SETUP, brings the link up through the
// backend, and broadcasts UP. On backend failure the claim and
// refcount are rolled back and the error surfaced.
func (d *Device) Claim(dep *User) error {
	if dep.Claimed {
		return nil
	}

	dep.Claimed = true
	d.active++
	util.WithDevice(d.ifname).Debugf("claim %s, new refcount: %d", d.typ.Name, d.active)
	if d.active != 1 {
		return nil
	}

	d.broadcast(EventSetup)
	err := d.setState(d, true)
	if err == nil {
		d.broadcast(EventUp)
		return nil
	}

	util.WithDevice(d.ifname).WithError(err).Debug("claim failed")
	d.active = 0
	dep.Claimed = false
	return err
}

// Release drops dep's active reference. The last release broadcasts
// TEARDOWN, brings the link down, then broadcasts DOWN.
func (d *Device) Release(dep *User) {
	if !dep.Claimed {
		return
	}

	dep.Claimed = false
	d.active--
	util.WithDevice(d.ifname).Debugf("release %s, new refcount: %d", d.typ.Name, d.active)

	if d.active > 0 {
		return
	}

	d.broadcast(EventTeardown)
	if err := d.setState(d, false); err != nil {
		util.WithDevice(d.ifname).WithError(err).Warn("failed to bring device down")
	}
	d.broadcast(EventDown)
}

// SetPresent records OS presence. Idempotent on no-change; transitions
// broadcast ADD or REMOVE.
func (d *Device) SetPresent(state bool) {
	if d.present == state {
		return
	}

	if state {
		util.WithDevice(d.ifname).Debugf("%s is now present", d.typ.Name)
	} else {
		util.WithDevice(d.ifname).Debugf("%s is no longer present", d.typ.Name)
	}
	d.present = state
	if state {
		d.broadcast(EventAdd)
	} else {
		d.broadcast(EventRemove)
	}
}

// AddUser binds dep to the device. If the device is already present the
// dependent immediately receives ADD, and UP if active.
func (d *Device) AddUser(dep *User) {
	dep.Dev = d
	d.users = append(d.users, dep)
	if dep.CB != nil && d.present {
		dep.CB(dep, EventAdd)
		if d.active > 0 {
			dep.CB(dep, EventUp)
		}
	}
}

// RemoveUser unbinds dep, releasing its claim first if held, and
// reclaims the device if nothing needs it anymore.
func (d *Device) RemoveUser(dep *User) {
	if dep.Dev != d {
		return
	}
	if dep.Claimed {
		d.Release(dep)
	}
	for i, u := range d.users {
		if u == dep {
			d.users = append(d.users[:i], d.users[i+1:]...)
			break
		}
	}
	dep.Dev = nil
	d.reg.freeUnusedDevice(d)
}

// CheckState asks the type to re-probe external state.
func (d *Device) CheckState() error {
	if d.typ.CheckState == nil {
		return nil
	}
	return d.typ.CheckState(d)
}

// cleanup detaches every dependent, delivering REMOVE and releasing
// claims, then drops the device from the registry.
func (d *Device) cleanup() {
	util.WithDevice(d.ifname).Debug("clean up device")
	snapshot := make([]*User, len(d.users))
	copy(snapshot, d.users)
	for _, dep := range snapshot {
		if !d.hasUser(dep) {
			continue
		}
		if dep.CB != nil {
			dep.CB(dep, EventRemove)
		}
		d.Release(dep)
	}
	d.reg.delete(d)
}

func (d *Device) free() {
	if d.typ.Free != nil {
		d.typ.Free(d)
		return
	}
	d.cleanup()
}

// DumpStatus returns the status document for a present device.
func (d *Device) DumpStatus() map[string]interface{} {
	if !d.present {
		return nil
	}
	out := map[string]interface{}{
		"type": d.typ.Name,
		"up":   d.active > 0,
	}
	if d.typ.DumpInfo != nil {
		for k, v := range d.typ.DumpInfo(d) {
			out[k] = v
		}
	}
	var stats map[string]uint64
	var err error
	if d.typ.DumpStats != nil {
		stats, err = d.typ.DumpStats(d)
	} else {
		stats, err = d.reg.sys.IfStats(d.ifname)
	}
	if err != nil {
		stats = map[string]uint64{}
	}
	out["statistics"] = stats
	return out
}

func validIfname(name string) error {
	if name == "" || len(name) > IFNameSize {
		return fmt.Errorf("%w: interface name %q", util.ErrInvalidArgument, name)
	}
	return nil
}
