package device

import (
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// bridgeDevice aggregates member links under one L2 device. Members
// join when they become present and the bridge is active; the bridge
// itself is present as soon as it is configured, so interfaces on top
// of an empty bridge can come up.
type bridgeDevice struct {
	dev     Device
	members []*bridgeMember
	active  bool
}

type bridgeMember struct {
	br   *bridgeDevice
	dep  User
	name string
}

func (r *Registry) bridgeType() *Type {
	return &Type{
		Name: "bridge",
		Create: func(reg *Registry, name string, cfg *Config) (*Device, error) {
			br := &bridgeDevice{}
			br.dev.setState = func(dev *Device, state bool) error {
				return reg.bridgeSetState(br, state)
			}
			reg.initVirtual(&br.dev, reg.types["bridge"], name)
			br.dev.priv = br
			br.dev.hotplug = &bridgeHotplug{reg: reg}
			br.dev.configPending = true
			if _, exists := reg.devices[name]; exists {
				return nil, util.ErrAlreadyExists
			}
			reg.devices[name] = &br.dev
			return &br.dev, nil
		},
		ConfigInit: func(dev *Device) {
			br, ok := dev.priv.(*bridgeDevice)
			if !ok {
				return
			}
			r.bridgeConfigInit(br)
		},
		Reload: func(dev *Device, cfg *Config) ChangeType {
			if dev.cfg.Equal(cfg) {
				return NoChange
			}
			br, ok := dev.priv.(*bridgeDevice)
			if !ok {
				return Recreate
			}
			dev.applySettings(cfg)
			dev.cfg = cfg
			r.bridgeSetMembers(br, cfg.Ports)
			return Applied
		},
		Free: func(dev *Device) {
			br, ok := dev.priv.(*bridgeDevice)
			if !ok {
				return
			}
			r.bridgeSetMembers(br, nil)
			dev.cleanup()
		},
		DumpInfo: func(dev *Device) map[string]interface{} {
			br, ok := dev.priv.(*bridgeDevice)
			if !ok {
				return nil
			}
			members := make([]string, 0, len(br.members))
			for _, m := range br.members {
				members = append(members, m.name)
			}
			return map[string]interface{}{"bridge-members": members}
		},
	}
}

func (r *Registry) bridgeConfigInit(br *bridgeDevice) {
	cfg := br.dev.cfg
	if cfg != nil {
		r.bridgeSetMembers(br, cfg.Ports)
	}
	br.dev.SetPresent(true)
}

// bridgeSetMembers reconciles the member edge list against ports.
func (r *Registry) bridgeSetMembers(br *bridgeDevice, ports []string) {
	want := make(map[string]bool, len(ports))
	for _, p := range ports {
		want[p] = true
	}

	kept := br.members[:0]
	for _, m := range br.members {
		if want[m.name] {
			kept = append(kept, m)
			delete(want, m.name)
			continue
		}
		if br.active && m.dep.Claimed {
			r.bridgeLeave(br, m)
		}
		if m.dep.Dev != nil {
			m.dep.Dev.RemoveUser(&m.dep)
		}
	}
	br.members = kept

	for name := range want {
		dev := r.Get(name, true)
		if dev == nil {
			util.WithDevice(br.dev.ifname).Warnf("bridge member %s not available", name)
			continue
		}
		m := &bridgeMember{br: br, name: name}
		m.dep.CB = func(dep *User, ev Event) {
			r.bridgeMemberEvent(br, m, ev)
		}
		br.members = append(br.members, m)
		dev.AddUser(&m.dep)
	}
}

func (r *Registry) bridgeMemberEvent(br *bridgeDevice, m *bridgeMember, ev Event) {
	switch ev {
	case EventAdd:
		if br.active {
			r.bridgeJoin(br, m)
		}
	case EventRemove:
		if m.dep.Claimed {
			m.dep.Dev.Release(&m.dep)
		}
	}
}

func (r *Registry) bridgeJoin(br *bridgeDevice, m *bridgeMember) {
	if m.dep.Dev == nil || !m.dep.Dev.present || m.dep.Claimed {
		return
	}
	if err := m.dep.Dev.Claim(&m.dep); err != nil {
		util.WithDevice(br.dev.ifname).WithError(err).Warnf("failed to claim member %s", m.name)
		return
	}
	if err := r.sys.BridgeAddIf(br.dev.ifname, m.dep.Dev.ifname); err != nil {
		util.WithDevice(br.dev.ifname).WithError(err).Warnf("failed to attach member %s", m.name)
	}
}

func (r *Registry) bridgeLeave(br *bridgeDevice, m *bridgeMember) {
	if m.dep.Dev == nil || !m.dep.Claimed {
		return
	}
	if err := r.sys.BridgeDelIf(br.dev.ifname, m.dep.Dev.ifname); err != nil {
		util.WithDevice(br.dev.ifname).WithError(err).Warnf("failed to detach member %s", m.name)
	}
	m.dep.Dev.Release(&m.dep)
}

func (r *Registry) bridgeSetState(br *bridgeDevice, state bool) error {
	if state {
		if err := r.sys.BridgeAdd(br.dev.ifname, bridgeConfig(br.dev.cfg)); err != nil {
			return err
		}
		br.active = true
		for _, m := range br.members {
			r.bridgeJoin(br, m)
		}
		return r.sys.IfUp(br.dev.ifname, br.dev.settings)
	}

	for _, m := range br.members {
		r.bridgeLeave(br, m)
	}
	br.active = false
	if err := r.sys.IfDown(br.dev.ifname); err != nil {
		util.WithDevice(br.dev.ifname).WithError(err).Warn("bridge down failed")
	}
	return r.sys.BridgeDel(br.dev.ifname)
}

func bridgeConfig(cfg *Config) system.BridgeConfig {
	out := system.BridgeConfig{ForwardDelay: 2}
	if cfg == nil {
		return out
	}
	out.STP = cfg.STP
	if cfg.ForwardDelay > 0 {
		out.ForwardDelay = cfg.ForwardDelay
	}
	if cfg.AgeingTime != nil {
		out.SetAgeingTime = true
		out.AgeingTime = *cfg.AgeingTime
	}
	if cfg.HelloTime != nil {
		out.SetHelloTime = true
		out.HelloTime = *cfg.HelloTime
	}
	if cfg.MaxAge != nil {
		out.SetMaxAge = true
		out.MaxAge = *cfg.MaxAge
	}
	return out
}

// bridgeHotplug implements dynamic member add/remove for the RPC
// add_device/remove_device verbs.
type bridgeHotplug struct {
	reg *Registry
}

func (h *bridgeHotplug) Add(main *Device, member *Device) error {
	br, ok := main.priv.(*bridgeDevice)
	if !ok {
		return util.ErrNotSupported
	}
	for _, m := range br.members {
		if m.name == member.ifname {
			return nil
		}
	}
	m := &bridgeMember{br: br, name: member.ifname}
	m.dep.CB = func(dep *User, ev Event) {
		h.reg.bridgeMemberEvent(br, m, ev)
	}
	br.members = append(br.members, m)
	member.AddUser(&m.dep)
	if br.active {
		h.reg.bridgeJoin(br, m)
	}
	return nil
}

func (h *bridgeHotplug) Del(main *Device, member *Device) error {
	br, ok := main.priv.(*bridgeDevice)
	if !ok {
		return util.ErrNotSupported
	}
	for i, m := range br.members {
		if m.name != member.ifname {
			continue
		}
		if br.active {
			h.reg.bridgeLeave(br, m)
		}
		if m.dep.Dev != nil {
			m.dep.Dev.RemoveUser(&m.dep)
		}
		br.members = append(br.members[:i], br.members[i+1:]...)
		return nil
	}
	return util.ErrNotFound
}

func (h *bridgeHotplug) Prepare(main *Device) error {
	br, ok := main.priv.(*bridgeDevice)
	if !ok {
		return util.ErrNotSupported
	}
	if !br.active {
		return h.reg.sys.BridgeAdd(br.dev.ifname, bridgeConfig(br.dev.cfg))
	}
	return nil
}
