package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/newtron-network/ifmgrd/pkg/util"
)

// vlanDevice is a VLAN link synthesized on demand from a dotted device
// name. Stacked VLANs chain: "eth0.10.20" is a VLAN on "eth0.10".
type vlanDevice struct {
	dev    Device
	parent User
	id     int
}

// vlanChain resolves a dotted name into its device chain, creating
// intermediate VLAN devices as needed.
func (r *Registry) vlanChain(name string, create bool) *Device {
	base, rest, _ := strings.Cut(name, ".")

	dev := r.Get(base, create)
	if dev == nil {
		return nil
	}

	for _, part := range strings.Split(rest, ".") {
		id, err := strconv.Atoi(part)
		if err != nil || util.ValidateVLANID(id) != nil {
			return nil
		}
		dev = r.vlanGet(dev, id, create)
		if dev == nil {
			return nil
		}
	}
	return dev
}

func (r *Registry) vlanGet(parent *Device, id int, create bool) *Device {
	name := fmt.Sprintf("%s.%d", parent.ifname, id)
	if dev, ok := r.devices[name]; ok {
		return dev
	}
	if !create {
		return nil
	}
	if err := validIfname(name); err != nil {
		return nil
	}

	util.WithDevice(name).Debug("create vlan device")
	vlan := &vlanDevice{id: id}
	vlan.dev.setState = func(dev *Device, state bool) error {
		return r.vlanSetState(vlan, state)
	}
	r.initVirtual(&vlan.dev, r.vlanTyp, name)
	vlan.dev.priv = vlan
	vlan.dev.defaultConfig = true
	r.devices[name] = &vlan.dev

	vlan.parent.CB = func(dep *User, ev Event) {
		switch ev {
		case EventAdd:
			vlan.dev.SetPresent(true)
		case EventRemove:
			vlan.dev.SetPresent(false)
		}
	}
	parent.AddUser(&vlan.parent)

	return &vlan.dev
}

func (r *Registry) vlanSetState(vlan *vlanDevice, state bool) error {
	parent := vlan.parent.Dev
	if parent == nil {
		return util.ErrNoDevice
	}

	if state {
		if err := parent.Claim(&vlan.parent); err != nil {
			return err
		}
		if err := r.sys.VLANAdd(parent.ifname, vlan.dev.ifname, vlan.id); err != nil {
			parent.Release(&vlan.parent)
			return err
		}
		return r.sys.IfUp(vlan.dev.ifname, vlan.dev.settings)
	}

	if err := r.sys.VLANDel(vlan.dev.ifname); err != nil {
		util.WithDevice(vlan.dev.ifname).WithError(err).Warn("vlan delete failed")
	}
	parent.Release(&vlan.parent)
	return nil
}

func (r *Registry) newVLANType() *Type {
	return &Type{
		Name: "vlan",
		Free: func(dev *Device) {
			vlan, ok := dev.priv.(*vlanDevice)
			if !ok {
				return
			}
			if vlan.parent.Dev != nil {
				vlan.parent.Dev.RemoveUser(&vlan.parent)
			}
			dev.cleanup()
		},
		DumpInfo: func(dev *Device) map[string]interface{} {
			vlan, ok := dev.priv.(*vlanDevice)
			if !ok {
				return nil
			}
			info := map[string]interface{}{"vlan_id": vlan.id}
			if vlan.parent.Dev != nil {
				info["parent"] = vlan.parent.Dev.ifname
			}
			return info
		},
	}
}
