package iface

import (
	"net"
	"sort"
	"time"

	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/ipcfg"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
	"github.com/newtron-network/ifmgrd/pkg/vlist"
)

// ProtoAttacher creates protocol handler state for an interface.
// The protocol registry implements it.
type ProtoAttacher interface {
	Attach(iface *Interface, name string, cfg *Config) (ProtoState, ProtoFlags, error)
}

// removeGraceDelay defers RPC-requested interface removal briefly so
// in-flight notifications drain first.
const removeGraceDelay = 500 * time.Millisecond

// Params wires a Registry's collaborators.
type Params struct {
	Devices *device.Registry
	System  system.Backend
	Protos  ProtoAttacher

	// ResolvPath is where the DNS state is rendered; empty disables.
	ResolvPath string

	// Hotplug runs the user script on up/down edges; nil disables.
	Hotplug *HotplugQueue

	// Locked re-enters the core lock for deferred work (timers).
	// Defaults to running inline.
	Locked func(fn func())
}

// Registry holds the named interfaces and runs the versioned
// configuration reconciliation pipeline.
type Registry struct {
	devices *device.Registry
	sys     system.Backend
	protos  ProtoAttacher
	hotplug *HotplugQueue
	pm      *ipcfg.PrefixManager

	resolvPath string
	locked     func(fn func())

	tree *vlist.Tree[Interface, string]

	// ConfigInit suppresses autostart during the initial configuration
	// load.
	ConfigInit bool

	sinks    []func(iface *Interface, ev Event)
	onAdd    []func(iface *Interface)
	onRemove []func(iface *Interface)

	ulaPrefix *ipcfg.Prefix
}

// NewRegistry creates the interface registry and wires the alias
// resolver and prefix manager into the device and IP layers.
func NewRegistry(p Params) *Registry {
	r := &Registry{
		devices:    p.Devices,
		sys:        p.System,
		protos:     p.Protos,
		hotplug:    p.Hotplug,
		resolvPath: p.ResolvPath,
		locked:     p.Locked,
	}
	if r.locked == nil {
		r.locked = func(fn func()) { fn() }
	}
	if r.hotplug == nil {
		r.hotplug = NewHotplugQueue("", nil)
	}

	r.tree = vlist.New[Interface, string](
		func(i *Interface) string { return i.name },
		r.update,
	)
	r.tree.KeepOld = true
	r.tree.NoDelete = true

	r.pm = ipcfg.NewPrefixManager(p.System)
	r.pm.Lookup = func(name string) ipcfg.PrefixTarget {
		if iface := r.Get(name); iface != nil {
			return iface
		}
		return nil
	}
	r.pm.EachInterface = func(fn func(name string, assignmentLength int)) {
		r.ForEach(func(iface *Interface) {
			fn(iface.name, iface.ProtoIP.AssignmentLength)
		})
	}

	r.devices.SetAliasResolver(func(name string) *device.Device {
		iface := r.Get(name)
		if iface != nil && iface.state == StateUp {
			return iface.L3Device()
		}
		return nil
	})

	return r
}

// Devices returns the device registry.
func (r *Registry) Devices() *device.Registry { return r.devices }

// Backend returns the system backend.
func (r *Registry) Backend() system.Backend { return r.sys }

// Hotplug returns the hotplug queue.
func (r *Registry) Hotplug() *HotplugQueue { return r.hotplug }

// PrefixManager returns the delegated-prefix manager.
func (r *Registry) PrefixManager() *ipcfg.PrefixManager { return r.pm }

// OnEvent subscribes to interface up/down edges.
func (r *Registry) OnEvent(fn func(iface *Interface, ev Event)) {
	r.sinks = append(r.sinks, fn)
}

// OnAdd subscribes to interface creation.
func (r *Registry) OnAdd(fn func(iface *Interface)) {
	r.onAdd = append(r.onAdd, fn)
}

// OnRemove subscribes to interface deletion.
func (r *Registry) OnRemove(fn func(iface *Interface)) {
	r.onRemove = append(r.onRemove, fn)
}

func (r *Registry) notifySinks(iface *Interface, ev Event) {
	for _, fn := range r.sinks {
		fn(iface, ev)
	}
}

// Get returns the named interface or nil.
func (r *Registry) Get(name string) *Interface {
	return r.tree.Find(name)
}

// ForEach visits every interface in name order.
func (r *Registry) ForEach(fn func(iface *Interface)) {
	var names []string
	r.tree.ForEach(func(i *Interface) { names = append(names, i.name) })
	sort.Strings(names)
	for _, n := range names {
		if iface := r.tree.Find(n); iface != nil {
			fn(iface)
		}
	}
}

// ConfigStart begins a configuration reconciliation generation.
func (r *Registry) ConfigStart() {
	r.tree.UpdateStart()
}

// ConfigAdd feeds one interface definition into the current
// generation.
func (r *Registry) ConfigAdd(name string, cfg *Config) {
	r.tree.Add(newInterface(r, name, cfg))
}

// ConfigComplete ends the generation; interfaces absent from it are
// scheduled for removal.
func (r *Registry) ConfigComplete() {
	r.tree.Flush()
}

// update is the reconciliation callback: create, change, or remove.
func (r *Registry) update(ifNew, ifOld *Interface) {
	switch {
	case ifNew != nil && ifOld != nil:
		util.WithInterface(ifNew.name).Debug("update interface")
		r.changeConfig(ifOld, ifNew)
	case ifOld != nil:
		util.WithInterface(ifOld.name).Debug("remove interface")
		r.setConfigState(ifOld, ConfigRemove)
	case ifNew != nil:
		util.WithInterface(ifNew.name).Debug("create interface")
		r.attachProto(ifNew)
		ifNew.claimDevice()
		for _, fn := range r.onAdd {
			fn(ifNew)
		}
	}
}

// changeConfig merges a new configuration into a live interface,
// deciding between an in-place parameter update and a full reload.
func (r *Registry) changeConfig(ifOld, ifNew *Interface) {
	oldCfg := ifOld.config
	newCfg := ifNew.config

	ifOld.ClearErrors()
	ifOld.config = newCfg
	if !ifOld.configAutostart && newCfg.Autostart() {
		ifOld.autostart = true
	}
	ifOld.configAutostart = newCfg.Autostart()
	ifOld.ifname = newCfg.Ifname

	if oldCfg.Ifname != newCfg.Ifname || oldCfg.Proto != newCfg.Proto {
		util.WithInterface(ifOld.name).Debug("reload interface because of ifname/proto change")
		r.setConfigState(ifOld, ConfigReload)
		return
	}

	if !oldCfg.OptionsEqual(newCfg) {
		util.WithInterface(ifOld.name).Debug("reload interface because of config changes")
		r.setConfigState(ifOld, ConfigReload)
		return
	}

	if ifOld.ProtoIP.NoDefaultRoute != newCfg.NoDefaultRoute() {
		ifOld.ProtoIP.NoDefaultRoute = newCfg.NoDefaultRoute()
		ifOld.ProtoIP.SetEnabled(ifOld.ProtoIP.Enabled)
	}
	ifOld.ProtoIP.NoDNS = newCfg.NoDNS()
}

// setConfigState records the pending action; interfaces not DOWN run
// their teardown first and observe it at the DOWN edge.
func (r *Registry) setConfigState(iface *Interface, s ConfigState) {
	iface.configState = s
	if iface.state == StateDown {
		iface.handleConfigChange()
	} else {
		iface.setDown(false)
	}
}

// attachProto binds the configured protocol handler to iface, falling
// back to an inert handler on failure so the interface object stays
// driveable.
func (r *Registry) attachProto(iface *Interface) {
	name := iface.config.Proto
	if name == "" {
		name = "none"
	}

	if r.protos != nil {
		ps, flags, err := r.protos.Attach(iface, name, iface.config)
		if err == nil {
			iface.setProtoState(ps, name, flags)
			return
		}
		util.WithInterface(iface.name).WithError(err).Errorf("failed to attach protocol %q", name)
		iface.AddError("proto", "NO_PROTO", name)
	}

	iface.setProtoState(&inertProto{iface: iface}, name, 0)
}

// inertProto completes commands immediately without touching the
// system; it stands in when no handler could attach.
type inertProto struct {
	iface *Interface
}

func (p *inertProto) Handler(cmd ProtoCmd, force bool) error {
	switch cmd {
	case CmdSetup:
		p.iface.ProtoEvent(ProtoUp)
	case CmdTeardown:
		p.iface.ProtoEvent(ProtoDown)
	}
	return nil
}

func (p *inertProto) Free() {}

// free tears an interface fully down and removes it from the registry.
func (r *Registry) free(iface *Interface) {
	iface.cleanup()
	for _, fn := range r.onRemove {
		fn(iface)
	}
	r.hotplug.Dequeue(iface)
	r.tree.Remove(iface.name)
}

// ScheduleRemove arms the grace timer for an RPC-requested removal.
func (r *Registry) ScheduleRemove(iface *Interface) {
	name := iface.name
	time.AfterFunc(removeGraceDelay, func() {
		r.locked(func() {
			if target := r.Get(name); target != nil {
				r.setConfigState(target, ConfigRemove)
			}
		})
	})
}

// StartPending brings up every available autostart interface.
func (r *Registry) StartPending() {
	r.ForEach(func(iface *Interface) {
		if iface.available && iface.autostart {
			if err := iface.SetUp(); err != nil {
				util.WithInterface(iface.name).WithError(err).Debug("start failed")
			}
		}
	})
}

// SetDownAll requests a graceful teardown of every interface without
// touching autostart; used on shutdown.
func (r *Registry) SetDownAll() {
	r.ForEach(func(iface *Interface) {
		iface.setDown(false)
	})
}

// WriteResolvConf renders DNS state for every UP interface.
func (r *Registry) WriteResolvConf() {
	if r.resolvPath == "" {
		return
	}

	var entries []ipcfg.ResolvEntry
	r.ForEach(func(iface *Interface) {
		if iface.state != StateUp {
			return
		}
		if !iface.ConfigIP.HasDNS() && !iface.ProtoIP.HasDNS() {
			return
		}
		entry := ipcfg.ResolvEntry{Iface: iface.name}
		iface.ConfigIP.ResolvEntries(&entry.Lines)
		if !iface.ProtoIP.NoDNS {
			iface.ProtoIP.ResolvEntries(&entry.Lines)
		}
		entries = append(entries, entry)
	})

	if err := ipcfg.WriteResolvConf(r.resolvPath, entries); err != nil {
		util.Logger.WithError(err).Warn("failed to write resolv.conf")
	}
}

// SetULAPrefix installs or replaces the daemon-level ULA prefix.
func (r *Registry) SetULAPrefix(cidr string) {
	ip, length, err := util.ParseIPWithMask(cidr)
	if err != nil || ip.To4() != nil || length < 1 || length > 64 {
		return
	}

	p := &ipcfg.Prefix{
		Addr:   system.IPAddrFrom(ip),
		Length: length,
	}

	if r.ulaPrefix != nil {
		if r.ulaPrefix.Addr == p.Addr && r.ulaPrefix.Length == p.Length {
			return
		}
		r.pm.Update(nil, r.ulaPrefix)
		r.ulaPrefix = nil
	}

	r.pm.Update(p, nil)
	r.ulaPrefix = p
}

// AddTargetRoute finds the interface that can reach addr and records a
// host route for it there. Targets covered by a local address get a
// host route without a nexthop; otherwise the best (longest-mask) route
// match donates its nexthop. Returns the owning interface, nil if unreachable.
func (r *Registry) AddTargetRoute(ip net.IP, v6 bool) *Interface {
	flags := system.FlagInet4
	bits := 32
	if v6 {
		flags = system.FlagInet6
		bits = 128
	}

	route := &system.Route{
		Flags: flags,
		Mask:  bits,
		IP:    system.IPAddrFrom(ip),
	}

	var zero system.IPAddr
	defaultTarget := route.IP == zero

	var found *Interface
	var best *system.Route
	r.ForEach(func(iface *Interface) {
		if found != nil {
			return
		}
		if iface.ProtoIP.FindAddrTarget(route.IP, v6) || iface.ConfigIP.FindAddrTarget(route.IP, v6) {
			found = iface
			return
		}
		iface.ProtoIP.FindRouteTarget(route.IP, v6, &best)
		iface.ConfigIP.FindRouteTarget(route.IP, v6, &best)
	})

	if found == nil {
		if best == nil {
			return nil
		}
		found = r.Get(best.Iface)
		if found == nil {
			return nil
		}
		route.Nexthop = best.Nexthop
		route.MTU = best.MTU
		route.Metric = best.Metric
		route.Flags |= best.Flags & (system.FlagRouteMTU | system.FlagRouteMetric)
	}

	if !defaultTarget {
		found.AddHostRoute(route)
	}
	return found
}
