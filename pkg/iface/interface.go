package iface

import (
	"time"

	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/ipcfg"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
	"github.com/newtron-network/ifmgrd/pkg/vlist"
)

// Interface is a named logical network endpoint driven by a protocol
// handler.
type Interface struct {
	name string
	reg  *Registry

	config *Config

	// ifname is the configured main-device hint; may be empty.
	ifname string

	mainDev device.User

	// l3Dev points at the device layer-3 traffic goes through: the main
	// device unless the protocol supplied its own.
	l3Dev *device.User
	l3Own device.User

	proto      ProtoState
	protoName  string
	protoFlags ProtoFlags

	state       State
	configState ConfigState

	available       bool
	autostart       bool
	configAutostart bool

	ConfigIP *ipcfg.Settings
	ProtoIP  *ipcfg.Settings

	hostRoutes *vlist.Tree[system.Route, ipcfg.RouteKey]

	metric    int
	startTime time.Time

	errors []Error
	users  []*User

	// hotplug queue linkage
	hotplugEv Event
	queued    bool
}

func newInterface(reg *Registry, name string, cfg *Config) *Interface {
	iface := &Interface{
		name:      name,
		reg:       reg,
		config:    cfg,
		state:     StateDown,
		hotplugEv: EvDown,
	}
	iface.l3Dev = &iface.mainDev
	iface.mainDev.CB = iface.mainDevEvent

	iface.ConfigIP = ipcfg.New(iface, reg.sys, false)
	iface.ProtoIP = ipcfg.New(iface, reg.sys, true)
	iface.ConfigIP.Enabled = false
	iface.ConfigIP.AttachPrefixManager(reg.pm)
	iface.ProtoIP.AttachPrefixManager(reg.pm)

	iface.hostRoutes = vlist.New[system.Route, ipcfg.RouteKey](
		func(r *system.Route) ipcfg.RouteKey {
			return ipcfg.RouteKey{Flags: r.Flags, Mask: r.Mask, IP: r.IP}
		},
		iface.updateHostRoute,
	)

	iface.applyConfig(cfg)
	return iface
}

// applyConfig folds the non-structural config fields into runtime
// state.
func (i *Interface) applyConfig(cfg *Config) {
	i.config = cfg
	i.ifname = cfg.Ifname
	i.autostart = cfg.Autostart()
	i.configAutostart = i.autostart
	i.metric = cfg.Metric
	i.ProtoIP.NoDefaultRoute = cfg.NoDefaultRoute()
	i.ProtoIP.NoDNS = cfg.NoDNS()
	i.ProtoIP.AssignmentLength = cfg.IP6Assign

	i.ConfigIP.DNSServers.FlushAll()
	i.ConfigIP.DNSSearch.FlushAll()
	for _, s := range cfg.DNS {
		i.ConfigIP.AddDNSServer(s)
	}
	for _, s := range cfg.DNSSearch {
		i.ConfigIP.AddDNSSearch(s)
	}
}

// Name returns the logical interface name.
func (i *Interface) Name() string { return i.name }

// State returns the current state machine position.
func (i *Interface) State() State { return i.state }

// Config returns the applied configuration.
func (i *Interface) Config() *Config { return i.config }

// Available reports whether the main device is present.
func (i *Interface) Available() bool { return i.available }

// Autostart reports whether the interface starts when available.
func (i *Interface) Autostart() bool { return i.autostart }

// Metric returns the interface route metric.
func (i *Interface) Metric() int { return i.metric }

// Errors returns a copy of the error log.
func (i *Interface) Errors() []Error {
	out := make([]Error, len(i.errors))
	copy(out, i.errors)
	return out
}

// Uptime returns how long the interface has been up, zero otherwise.
func (i *Interface) Uptime() time.Duration {
	if i.state != StateUp || i.startTime.IsZero() {
		return 0
	}
	return time.Since(i.startTime)
}

// MainDevice returns the claimed main device, nil when unbound.
func (i *Interface) MainDevice() *device.Device { return i.mainDev.Dev }

// L3Device returns the layer-3 device, nil when unbound.
func (i *Interface) L3Device() *device.Device { return i.l3Dev.Dev }

// L3Ifname returns the OS name of the layer-3 device.
func (i *Interface) L3Ifname() string {
	if i.l3Dev.Dev == nil {
		return ""
	}
	return i.l3Dev.Dev.Ifname()
}

// ProtoStateRef returns the attached protocol handler instance.
func (i *Interface) ProtoStateRef() ProtoState { return i.proto }

// ProtoName returns the attached handler name.
func (i *Interface) ProtoName() string { return i.protoName }

// AddError appends an entry to the per-interface error log.
func (i *Interface) AddError(subsystem, code string, data ...string) {
	i.errors = append(i.errors, Error{Subsystem: subsystem, Code: code, Data: data})
}

// ClearErrors drops the error log; runs on every set-up and on config
// reload.
func (i *Interface) ClearErrors() {
	i.errors = nil
}

// AddUser subscribes dep to up/down transitions. A subscriber added
// while the interface is UP is notified immediately.
func (i *Interface) AddUser(dep *User) {
	dep.Iface = i
	i.users = append(i.users, dep)
	if i.state == StateUp && dep.CB != nil {
		dep.CB(dep, EvUp)
	}
}

// RemoveUser unsubscribes dep.
func (i *Interface) RemoveUser(dep *User) {
	for idx, u := range i.users {
		if u == dep {
			i.users = append(i.users[:idx], i.users[idx+1:]...)
			break
		}
	}
	dep.Iface = nil
}

// event publishes a user-visible up/down edge: subscribers, the
// hotplug queue, and registry sinks (RPC bus, state mirror).
func (i *Interface) event(ev Event) {
	snapshot := make([]*User, len(i.users))
	copy(snapshot, i.users)
	for _, dep := range snapshot {
		if dep.Iface == i && dep.CB != nil {
			dep.CB(dep, ev)
		}
	}
	i.reg.hotplug.QueueEvent(i, ev)
	i.reg.notifySinks(i, ev)
}

// mainDevEvent follows the main device: presence drives availability.
func (i *Interface) mainDevEvent(dep *device.User, ev device.Event) {
	switch ev {
	case device.EventAdd:
		i.SetAvailable(true)
	case device.EventRemove:
		i.SetAvailable(false)
	}
}

// SetAvailable tracks main-device presence. Loss of the device forces
// the interface down.
func (i *Interface) SetAvailable(state bool) {
	if i.available == state {
		return
	}

	util.WithInterface(i.name).Debugf("available=%v", state)
	i.available = state

	if state {
		if i.autostart && !i.reg.ConfigInit {
			if err := i.SetUp(); err != nil {
				util.WithInterface(i.name).WithError(err).Debug("autostart failed")
			}
		}
	} else {
		i.setDown(true)
	}
}

// SetUp requests the interface up. A second SetUp while not DOWN is a
// no-op.
func (i *Interface) SetUp() error {
	i.autostart = true

	if i.state != StateDown {
		return nil
	}

	i.ClearErrors()
	if !i.available {
		i.AddError("interface", "NO_DEVICE")
		return util.ErrNoDevice
	}

	if i.mainDev.Dev != nil {
		if err := i.mainDev.Dev.Claim(&i.mainDev); err != nil {
			i.AddError("interface", "DEVICE_CLAIM_FAILED", err.Error())
			return err
		}
	}

	i.state = StateSetup
	if err := i.proto.Handler(CmdSetup, false); err != nil {
		i.AddError("interface", "SETUP_FAILED", err.Error())
		i.markDown()
		return err
	}

	return nil
}

// SetDown requests the interface down and clears autostart.
func (i *Interface) SetDown() {
	i.autostart = false
	i.setDown(false)
}

// setDown runs the teardown edge. Force skips the protocol's graceful
// phase and reclaims devices immediately.
func (i *Interface) setDown(force bool) {
	i.ClearErrors()

	if i.state == StateDown || i.state == StateTeardown {
		return
	}

	if i.state == StateUp {
		i.event(EvDown)
	}
	i.state = StateTeardown
	i.ConfigIP.SetEnabled(false)
	if err := i.proto.Handler(CmdTeardown, force); err != nil {
		util.WithInterface(i.name).WithError(err).Warn("teardown failed")
	}
	if force {
		i.flushState()
	}
}

// ProtoEvent receives progress reports from the protocol handler.
func (i *Interface) ProtoEvent(ev ProtoEvent) {
	switch ev {
	case ProtoUp:
		if i.state != StateSetup {
			return
		}

		i.ConfigIP.SetEnabled(true)
		if err := i.reg.sys.FlushRoutes(); err != nil {
			util.WithInterface(i.name).WithError(err).Debug("route flush failed")
		}
		i.state = StateUp
		i.startTime = time.Now()
		i.event(EvUp)
		i.reg.WriteResolvConf()
		util.WithInterface(i.name).Info("interface is now up")

	case ProtoDown:
		if i.state == StateDown {
			return
		}

		util.WithInterface(i.name).Info("interface is now down")
		i.ConfigIP.SetEnabled(false)
		if err := i.reg.sys.FlushRoutes(); err != nil {
			util.WithInterface(i.name).WithError(err).Debug("route flush failed")
		}
		i.markDown()
		i.handleConfigChange()

	case ProtoLinkLost:
		if i.state != StateUp {
			return
		}

		util.WithInterface(i.name).Info("interface has lost the connection")
		i.event(EvDown)
		i.state = StateSetup
	}
}

// markDown publishes the DOWN edge if needed and flushes runtime state.
func (i *Interface) markDown() {
	if i.state == StateUp {
		i.event(EvDown)
	}
	i.flushState()
	i.state = StateDown
}

// flushState drops protocol-supplied IP state and releases device
// claims.
func (i *Interface) flushState() {
	i.FlushIP(i.ProtoIP)
	if i.mainDev.Dev != nil {
		i.mainDev.Dev.Release(&i.mainDev)
	}
	if i.l3Dev != &i.mainDev && i.l3Dev.Dev != nil {
		i.l3Dev.Dev.Release(i.l3Dev)
	}
}

// FlushIP flushes one of the interface's settings bundles; flushing
// the proto bundle also drops accumulated host routes.
func (i *Interface) FlushIP(s *ipcfg.Settings) {
	if s == i.ProtoIP {
		i.hostRoutes.FlushAll()
	}
	s.Flush()
}

// handleConfigChange observes a pending reload or remove at the DOWN
// edge, then restarts if wanted.
func (i *Interface) handleConfigChange() {
	switch i.configState {
	case ConfigNormal:
	case ConfigReload:
		i.configState = ConfigNormal
		i.doReload()
	case ConfigRemove:
		i.reg.free(i)
		return
	}
	if i.autostart && i.available {
		if err := i.SetUp(); err != nil {
			util.WithInterface(i.name).WithError(err).Debug("restart failed")
		}
	}
}

// doReload re-attaches the protocol and re-claims devices from the
// current configuration.
func (i *Interface) doReload() {
	i.cleanup()
	// an explicit set-up survives the reload
	autostart := i.autostart
	i.applyConfig(i.config)
	i.autostart = autostart
	i.reg.attachProto(i)
	i.claimDevice()
}

// cleanup detaches everything: subscribers, IP state, device users,
// protocol state.
func (i *Interface) cleanup() {
	snapshot := make([]*User, len(i.users))
	copy(snapshot, i.users)
	for _, dep := range snapshot {
		i.RemoveUser(dep)
	}

	i.FlushIP(i.ConfigIP)
	i.flushState()
	i.ClearErrors()
	if i.mainDev.Dev != nil {
		i.mainDev.Dev.RemoveUser(&i.mainDev)
	}
	i.detachL3()
	i.setProtoState(nil, "", 0)
}

// claimDevice binds the main device named by the configuration.
func (i *Interface) claimDevice() {
	if i.ifname != "" && i.protoFlags&ProtoFlagNoDev == 0 {
		dev := i.reg.devices.Get(i.ifname, true)
		if dev != nil {
			dev.AddUser(&i.mainDev)
		}
	}
	if i.protoFlags&ProtoFlagInitAvailable != 0 {
		i.SetAvailable(true)
	}
}

// setProtoState swaps the attached protocol handler; the interface
// returns to DOWN.
func (i *Interface) setProtoState(ps ProtoState, name string, flags ProtoFlags) {
	if i.proto != nil {
		i.proto.Free()
		i.proto = nil
	}
	i.state = StateDown
	i.proto = ps
	i.protoName = name
	i.protoFlags = flags
}

// SetL3Device switches layer-3 traffic to the named device; the
// protocol calls this when it brings its own link.
func (i *Interface) SetL3Device(ifname string) error {
	dev := i.reg.devices.Get(ifname, true)
	if dev == nil {
		return util.ErrNoDevice
	}
	if i.l3Dev.Dev == dev {
		return nil
	}

	i.detachL3()
	if dev != i.mainDev.Dev {
		i.l3Own = device.User{}
		dev.AddUser(&i.l3Own)
		if err := dev.Claim(&i.l3Own); err != nil {
			dev.RemoveUser(&i.l3Own)
			return err
		}
		i.l3Dev = &i.l3Own
	}
	return nil
}

// detachL3 restores the main device as the layer-3 device.
func (i *Interface) detachL3() {
	if i.l3Dev == &i.l3Own && i.l3Own.Dev != nil {
		i.l3Own.Dev.RemoveUser(&i.l3Own)
	}
	i.l3Dev = &i.mainDev
}

// UpdateStart begins a protocol-supplied IP update cycle.
func (i *Interface) UpdateStart() {
	i.ProtoIP.UpdateStart()
}

// UpdateComplete finishes the cycle: the proto bundle flushes, then
// user-authored routes re-install on the (possibly new) L3 device.
func (i *Interface) UpdateComplete() {
	i.ProtoIP.UpdateComplete()
	if i.L3Ifname() != "" {
		i.ConfigIP.Routes.ForEach(func(r *system.Route) {
			if err := i.reg.sys.RouteAdd(i.L3Ifname(), r); err != nil {
				util.WithInterface(i.name).WithError(err).Warnf("failed to install route %s", r)
			}
			r.Enabled = true
		})
	}
	i.reg.WriteResolvConf()
}

// updateHostRoute mirrors the host-route collection into the kernel.
func (i *Interface) updateHostRoute(rNew, rOld *system.Route) {
	dev := i.L3Ifname()
	if rOld != nil && dev != "" {
		if err := i.reg.sys.RouteDel(dev, rOld); err != nil {
			util.WithInterface(i.name).WithError(err).Debugf("failed to remove host route %s", rOld)
		}
	}
	if rNew != nil && dev != "" {
		if err := i.reg.sys.RouteAdd(dev, rNew); err != nil {
			util.WithInterface(i.name).WithError(err).Warnf("failed to install host route %s", rNew)
		}
	}
}

// AddHostRoute records a host route for an off-interface target.
func (i *Interface) AddHostRoute(r *system.Route) {
	r.Iface = i.name
	i.hostRoutes.Add(r)
}

// Active reports whether the interface is in UP or SETUP; prefix
// assignments plumb addresses only on active interfaces.
func (i *Interface) Active() bool {
	return i.state == StateUp || i.state == StateSetup
}

// AddDevice attaches a member device through the main device's hotplug
// operations, or rebinds the main device for plain types.
func (i *Interface) AddDevice(dev *device.Device) error {
	mdev := i.mainDev.Dev
	if mdev != nil && mdev.HotplugOps() != nil {
		return mdev.HotplugOps().Add(mdev, dev)
	}

	if i.mainDev.Dev != nil {
		i.RemoveDevice(nil)
	}
	dev.AddUser(&i.mainDev)
	return nil
}

// RemoveDevice detaches a member device, or unbinds the main device.
func (i *Interface) RemoveDevice(dev *device.Device) error {
	mdev := i.mainDev.Dev
	if mdev != nil && mdev.HotplugOps() != nil && dev != nil {
		return mdev.HotplugOps().Del(mdev, dev)
	}
	if i.mainDev.Dev != nil {
		i.mainDev.Dev.RemoveUser(&i.mainDev)
	}
	return nil
}

// Prepare invokes the main device's hotplug prepare operation.
func (i *Interface) Prepare() error {
	mdev := i.mainDev.Dev
	if mdev == nil || mdev.HotplugOps() == nil {
		return util.ErrNotSupported
	}
	return mdev.HotplugOps().Prepare(mdev)
}
