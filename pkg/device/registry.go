package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// Registry holds all known devices keyed by name and mediates their
// creation, configuration, and reclamation.
type Registry struct {
	sys system.Backend

	devices map[string]*Device
	aliases map[string]*aliasDevice
	types   map[string]*Type

	aliasTyp *Type
	vlanTyp  *Type

	resolveAlias ResolveAlias

	// ConfigInit marks the initial-configuration phase; reclamation is
	// suppressed while it runs.
	ConfigInit bool

	// lockDepth gates FreeUnused re-entry: while a lookup region holds
	// the device lock, sweeps are deferred to the unlock.
	lockDepth    int
	sweepPending bool
}

// NewRegistry creates a registry bound to the system backend.
func NewRegistry(sys system.Backend) *Registry {
	r := &Registry{
		sys:     sys,
		devices: make(map[string]*Device),
		aliases: make(map[string]*aliasDevice),
		types:   make(map[string]*Type),
	}
	r.RegisterType(r.simpleType())
	r.RegisterType(r.bridgeType())
	r.aliasTyp = r.newAliasType()
	r.vlanTyp = r.newVLANType()
	return r
}

// Backend returns the system backend.
func (r *Registry) Backend() system.Backend { return r.sys }

// RegisterType adds a device type to the dispatch table.
func (r *Registry) RegisterType(t *Type) {
	r.types[t.Name] = t
}

// TypeByName looks up a registered device type.
func (r *Registry) TypeByName(name string) *Type {
	return r.types[name]
}

// Lock enters a region during which device reclamation is deferred.
// A device returned by Get stays valid until the matching Unlock.
func (r *Registry) Lock() {
	r.lockDepth++
}

// Unlock leaves the deferral region, running any pending sweep.
func (r *Registry) Unlock() {
	r.lockDepth--
	if r.lockDepth == 0 && r.sweepPending {
		r.sweepPending = false
		r.FreeUnused(nil)
	}
}

// Get resolves a device name. Names starting with '@' resolve through
// the alias table; names containing '.' synthesize a VLAN chain.
// With create false, unknown plain names return nil.
func (r *Registry) Get(name string, create bool) *Device {
	if strings.Contains(name, ".") {
		return r.vlanChain(name, create)
	}

	if strings.HasPrefix(name, "@") {
		return r.aliasGet(name[1:])
	}

	if dev, ok := r.devices[name]; ok {
		return dev
	}

	if !create {
		return nil
	}

	return r.createDefault(name)
}

func (r *Registry) createDefault(name string) *Device {
	if err := validIfname(name); err != nil {
		return nil
	}
	util.WithDevice(name).Debug("create simple device")
	dev := &Device{}
	if err := r.initDevice(dev, r.types["simple"], name); err != nil {
		return nil
	}
	dev.defaultConfig = true
	return dev
}

// initDevice registers dev under its ifname and probes initial state.
func (r *Registry) initDevice(dev *Device, typ *Type, ifname string) error {
	dev.init(r, typ, ifname)
	if dev.setState == nil {
		dev.setState = r.defaultSetState
	}
	if _, exists := r.devices[dev.Name]; exists {
		return fmt.Errorf("%w: device %s", util.ErrAlreadyExists, dev.Name)
	}
	r.devices[dev.Name] = dev

	if err := r.sys.IfClearState(dev.ifname); err != nil {
		util.WithDevice(dev.ifname).WithError(err).Debug("clear state failed")
	}
	return dev.CheckState()
}

// initVirtual initializes a device that is not directly backed by an OS
// link and does not join the name table.
func (r *Registry) initVirtual(dev *Device, typ *Type, name string) {
	dev.init(r, typ, name)
}

func (r *Registry) defaultSetState(dev *Device, state bool) error {
	if state {
		return r.sys.IfUp(dev.ifname, dev.settings)
	}
	return r.sys.IfDown(dev.ifname)
}

func (r *Registry) delete(dev *Device) {
	if cur, ok := r.devices[dev.Name]; !ok || cur != dev {
		return
	}
	util.WithDevice(dev.ifname).Debug("delete device from list")
	delete(r.devices, dev.Name)
}

// freeUnusedDevice reclaims dev if nothing references it: no
// dependents, not named by current configuration, and the initial
// configuration phase has ended.
func (r *Registry) freeUnusedDevice(dev *Device) {
	if len(dev.users) > 0 || dev.currentConfig || r.ConfigInit {
		return
	}
	if r.lockDepth > 0 {
		r.sweepPending = true
		return
	}
	dev.free()
}

// FreeUnused sweeps one device, or with nil the whole registry,
// reclaiming devices that are no longer referenced.
func (r *Registry) FreeUnused(dev *Device) {
	if dev != nil {
		r.freeUnusedDevice(dev)
		return
	}
	if r.lockDepth > 0 {
		r.sweepPending = true
		return
	}
	for _, name := range r.deviceNames() {
		if d, ok := r.devices[name]; ok {
			r.freeUnusedDevice(d)
		}
	}
}

// ResetConfig clears the current-config mark on every device ahead of
// a configuration reload.
func (r *Registry) ResetConfig() {
	for _, dev := range r.devices {
		dev.currentConfig = false
	}
}

// ResetOld demotes configured simple devices that the new configuration
// no longer names back to default devices, transferring dependents.
func (r *Registry) ResetOld() {
	for _, name := range r.deviceNames() {
		dev, ok := r.devices[name]
		if !ok || dev.currentConfig || dev.defaultConfig {
			continue
		}
		if dev.typ != r.types["simple"] {
			continue
		}
		r.delete(dev)
		ndev := r.createDefault(dev.ifname)
		if ndev != nil {
			r.replace(ndev, dev)
		}
	}
}

// Create applies configuration to a named device, creating it if
// needed. Applying to an existing device is a three-way decision:
// NoChange, Applied in place, or Recreate with atomic dependent
// transfer.
func (r *Registry) Create(name, typeName string, cfg *Config) (*Device, error) {
	typ := r.types[typeName]
	if typ == nil {
		return nil, fmt.Errorf("%w: device type %q", util.ErrInvalidConfig, typeName)
	}
	if err := validIfname(name); err != nil {
		return nil, err
	}

	odev := r.Get(name, false)
	if odev != nil {
		odev.currentConfig = true
		switch r.setConfig(odev, typ, cfg) {
		case Applied:
			util.WithDevice(name).Debug("config applied")
			odev.cfg = cfg
			if odev.present {
				// re-publish ADD so dependents pick up the new params
				odev.SetPresent(false)
				odev.SetPresent(true)
			}
			return odev, nil
		case NoChange:
			util.WithDevice(name).Debug("no configuration change")
			return odev, nil
		case Recreate:
			util.WithDevice(name).Debug("recreate device")
			r.delete(odev)
		}
	} else {
		util.WithDevice(name).Debugf("create new device (%s)", typ.Name)
	}

	dev, err := typ.Create(r, name, cfg)
	if err != nil {
		return nil, err
	}

	dev.currentConfig = true
	dev.cfg = cfg
	if odev != nil {
		r.replace(dev, odev)
	}

	if !r.ConfigInit && dev.configPending && dev.typ.ConfigInit != nil {
		dev.typ.ConfigInit(dev)
		dev.configPending = false
	}

	return dev, nil
}

func (r *Registry) setConfig(dev *Device, typ *Type, cfg *Config) ChangeType {
	if typ != dev.typ {
		return Recreate
	}
	if dev.typ.Reload != nil {
		return dev.typ.Reload(dev, cfg)
	}
	if dev.cfg.Equal(cfg) {
		return NoChange
	}
	dev.applySettings(cfg)
	return Applied
}

// replace transfers every dependent from odev to dev atomically:
// release, move, and re-claim through the presence re-publish.
func (r *Registry) replace(dev *Device, odev *Device) {
	present := odev.present
	if present {
		odev.SetPresent(false)
	}

	snapshot := make([]*User, len(odev.users))
	copy(snapshot, odev.users)
	for _, dep := range snapshot {
		if !odev.hasUser(dep) {
			continue
		}
		odev.Release(dep)
		for i, u := range odev.users {
			if u == dep {
				odev.users = append(odev.users[:i], odev.users[i+1:]...)
				break
			}
		}
		dep.Dev = dev
		dev.users = append(dev.users, dep)
	}
	odev.free()

	if present {
		dev.SetPresent(true)
	}
}

// InitPending runs deferred type config-init hooks after the initial
// configuration phase.
func (r *Registry) InitPending() {
	for _, name := range r.deviceNames() {
		dev, ok := r.devices[name]
		if !ok || !dev.configPending {
			continue
		}
		if dev.typ.ConfigInit != nil {
			dev.typ.ConfigInit(dev)
		}
		dev.configPending = false
	}
}

// CheckAll re-probes OS presence for every device. Aliases re-resolve
// only at creation and through AliasNotify.
func (r *Registry) CheckAll() {
	for _, name := range r.deviceNames() {
		if dev, ok := r.devices[name]; ok {
			if err := dev.CheckState(); err != nil {
				util.WithDevice(name).WithError(err).Debug("check state failed")
			}
		}
	}
}

// DumpStatus returns status for one device, or for every present
// device keyed by ifname when name is empty.
func (r *Registry) DumpStatus(name string) (map[string]interface{}, error) {
	if name != "" {
		dev := r.Get(name, false)
		if dev == nil {
			return nil, fmt.Errorf("%w: device %s", util.ErrNotFound, name)
		}
		st := dev.DumpStatus()
		if st == nil {
			st = map[string]interface{}{}
		}
		return st, nil
	}

	out := make(map[string]interface{})
	for _, n := range r.deviceNames() {
		dev, ok := r.devices[n]
		if !ok || !dev.present || dev.hidden {
			continue
		}
		out[dev.ifname] = dev.DumpStatus()
	}
	return out, nil
}

func (r *Registry) deviceNames() []string {
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// simpleType is a plain OS-backed network device.
func (r *Registry) simpleType() *Type {
	return &Type{
		Name: "simple",
		Create: func(reg *Registry, name string, cfg *Config) (*Device, error) {
			dev := reg.Get(name, true)
			if dev == nil {
				return nil, fmt.Errorf("%w: device %s", util.ErrInvalidArgument, name)
			}
			dev.applySettings(cfg)
			return dev, nil
		},
		Reload: func(dev *Device, cfg *Config) ChangeType {
			if dev.cfg.Equal(cfg) {
				return NoChange
			}
			dev.applySettings(cfg)
			return Applied
		},
		CheckState: func(dev *Device) error {
			st, err := dev.reg.sys.IfCheck(dev.ifname)
			if err != nil {
				return err
			}
			dev.SetPresent(st.Present)
			return nil
		},
	}
}
