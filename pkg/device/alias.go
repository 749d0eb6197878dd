package device

import (
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// aliasDevice is a virtual device whose ifname and presence mirror an
// underlying device chosen at runtime through AliasNotify.
type aliasDevice struct {
	name    string
	dev     Device
	dep     User
	cleanup bool
}

// ResolveAlias lets the interface layer recover the L3 device of an UP
// interface named by an alias; wired by the daemon, may be nil.
type ResolveAlias func(name string) *Device

// SetAliasResolver installs the hook used by alias check_state.
func (r *Registry) SetAliasResolver(fn ResolveAlias) {
	r.resolveAlias = fn
}

func (r *Registry) aliasGet(name string) *Device {
	if alias, ok := r.aliases[name]; ok {
		return &alias.dev
	}
	return r.aliasCreate(name)
}

func (r *Registry) aliasCreate(name string) *Device {
	alias := &aliasDevice{name: name}
	alias.dev.setState = func(dev *Device, state bool) error {
		return r.aliasSetState(alias, state)
	}
	alias.dev.hidden = true
	r.initVirtual(&alias.dev, r.aliasTyp, "")
	alias.dev.Name = "@" + name
	alias.dev.priv = alias
	alias.dep.Alias = true
	alias.dep.CB = func(dep *User, ev Event) {
		r.aliasEvent(alias, ev)
	}
	r.aliases[name] = alias
	if err := alias.dev.CheckState(); err != nil {
		util.WithDevice(name).WithError(err).Debug("alias check failed")
	}
	return &alias.dev
}

func (r *Registry) aliasSetState(alias *aliasDevice, state bool) error {
	if alias.dep.Dev == nil {
		return util.ErrNoDevice
	}
	if state {
		return alias.dep.Dev.Claim(&alias.dep)
	}
	alias.dep.Dev.Release(&alias.dep)
	if alias.cleanup {
		alias.dep.Dev.RemoveUser(&alias.dep)
	}
	return nil
}

// aliasEvent translates underlying-device events: ADD/REMOVE become
// presence changes on the alias itself; anything else is forwarded
// verbatim to the alias's own dependents.
func (r *Registry) aliasEvent(alias *aliasDevice, ev Event) {
	switch ev {
	case EventAdd:
		alias.dev.SetPresent(true)
	case EventRemove:
		alias.dev.SetPresent(false)
	default:
		alias.dev.broadcast(ev)
	}
}

func (r *Registry) aliasNotify(alias *aliasDevice, dev *Device) {
	alias.cleanup = dev == nil
	if dev != nil && dev != alias.dep.Dev {
		if alias.dep.Dev != nil {
			alias.dep.Dev.RemoveUser(&alias.dep)
		}
		alias.dev.ifname = dev.ifname
		dev.AddUser(&alias.dep)
		alias.dev.hidden = false
		alias.dev.broadcast(EventUpdateIfname)
	}

	alias.dev.SetPresent(dev != nil)

	if dev == nil && alias.dep.Dev != nil && alias.dep.Dev.active == 0 {
		alias.dep.Dev.RemoveUser(&alias.dep)
		alias.dev.hidden = true
		alias.dev.ifname = ""
		alias.dev.broadcast(EventUpdateIfname)
	}
}

// AliasNotify binds or unbinds the alias called name to dev. Binding a
// new device rewrites the alias ifname and emits UPDATE_IFNAME to its
// dependents; unbinding hides the alias. With dev nil and the
// underlying device still active, the unbind is deferred to release.
func (r *Registry) AliasNotify(name string, dev *Device) {
	r.Lock()
	defer r.Unlock()

	alias, ok := r.aliases[name]
	if !ok {
		return
	}
	r.aliasNotify(alias, dev)
}

func (r *Registry) newAliasType() *Type {
	return &Type{
		Name: "alias",
		Free: func(dev *Device) {
			alias, ok := dev.priv.(*aliasDevice)
			if !ok {
				return
			}
			if alias.dep.Dev != nil {
				alias.dep.Dev.RemoveUser(&alias.dep)
			}
			dev.cleanup()
			delete(r.aliases, alias.name)
		},
		CheckState: func(dev *Device) error {
			alias, ok := dev.priv.(*aliasDevice)
			if !ok {
				return nil
			}
			var ndev *Device
			if r.resolveAlias != nil {
				ndev = r.resolveAlias(alias.name)
			}
			r.aliasNotify(alias, ndev)
			return nil
		},
	}
}
