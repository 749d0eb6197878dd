// Package daemon wires the core subsystems together: system backend,
// device and interface registries, protocol handlers, configuration
// loader, management API, and the optional state mirror.
//
// The core runs single-threaded in spirit: every entry point — RPC
// verb, child-process completion, timer — re-enters through the one
// core lock, and core primitives run to completion under it.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/newtron-network/ifmgrd/pkg/audit"
	"github.com/newtron-network/ifmgrd/pkg/config"
	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/proto"
	"github.com/newtron-network/ifmgrd/pkg/rpc"
	"github.com/newtron-network/ifmgrd/pkg/statedb"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// restartDelay matches the short timer the restart verb arms before
// re-exec.
const restartDelay = time.Second

// Options configures a daemon instance.
type Options struct {
	ConfigPath string
	SocketPath string
	ResolvPath string

	// HotplugCmd is the user script run on interface up/down.
	HotplugCmd string

	// ProtoDir holds the protocol shell scripts.
	ProtoDir string

	AuditLogPath string

	// RedisAddr enables the state mirror when set.
	RedisAddr string
	RedisDB   int
}

// Daemon owns the assembled core.
type Daemon struct {
	mu   sync.Mutex
	opts Options

	sys     system.Backend
	devices *device.Registry
	ifaces  *iface.Registry
	protos  *proto.Registry
	loader  *config.Loader
	server  *rpc.Server
	state   *statedb.Publisher
	auditLg audit.Logger

	stopCh chan struct{}
}

// New assembles a daemon around the given system backend.
func New(opts Options, sys system.Backend) (*Daemon, error) {
	d := &Daemon{
		opts:   opts,
		sys:    sys,
		stopCh: make(chan struct{}),
	}

	d.devices = device.NewRegistry(sys)
	d.protos = proto.NewRegistry()

	hotplug := iface.NewHotplugQueue(opts.HotplugCmd, nil)
	hotplug.SetLocked(d.Locked)

	d.ifaces = iface.NewRegistry(iface.Params{
		Devices:    d.devices,
		System:     sys,
		Protos:     d.protos,
		ResolvPath: opts.ResolvPath,
		Hotplug:    hotplug,
		Locked:     d.Locked,
	})

	if opts.ProtoDir != "" {
		if err := proto.RegisterShellHandlers(d.protos, opts.ProtoDir, d.Locked); err != nil {
			util.Logger.WithError(err).Warn("failed to scan protocol scripts")
		}
	}

	d.loader = &config.Loader{
		Path:       opts.ConfigPath,
		Devices:    d.devices,
		Interfaces: d.ifaces,
	}

	d.auditLg = audit.NopLogger{}
	if opts.AuditLogPath != "" {
		lg, err := audit.NewFileLogger(opts.AuditLogPath, audit.RotationConfig{
			MaxSize:    10 << 20,
			MaxBackups: 10,
		})
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		d.auditLg = lg
	}

	d.state = statedb.New(opts.RedisAddr, opts.RedisDB)
	if d.state != nil {
		if err := d.state.Ping(); err != nil {
			util.Logger.WithError(err).Warn("state db unreachable, mirroring disabled")
			d.state.Close()
			d.state = nil
		}
	}
	d.wireStateMirror()

	d.server = rpc.NewServer(d, d.auditLg, opts.SocketPath)
	return d, nil
}

// Locked runs fn under the core lock.
func (d *Daemon) Locked(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Interfaces returns the interface registry.
func (d *Daemon) Interfaces() *iface.Registry { return d.ifaces }

// Devices returns the device registry.
func (d *Daemon) Devices() *device.Registry { return d.devices }

// Protos returns the protocol handler registry.
func (d *Daemon) Protos() *proto.Registry { return d.protos }

// Reload re-reads the configuration. Caller holds the core lock.
func (d *Daemon) Reload() error {
	util.Logger.Info("reloading configuration")
	return d.loader.Reload()
}

// Restart re-execs the daemon after a short delay.
func (d *Daemon) Restart() {
	util.Logger.Info("restart requested")
	exe, err := os.Executable()
	if err != nil {
		util.Logger.WithError(err).Error("cannot resolve executable for restart")
		return
	}
	time.AfterFunc(restartDelay, func() {
		if err := unix.Exec(exe, os.Args, os.Environ()); err != nil {
			util.Logger.WithError(err).Error("re-exec failed")
		}
	})
}

// wireStateMirror mirrors interface transitions into the state db.
func (d *Daemon) wireStateMirror() {
	d.ifaces.OnEvent(func(ifc *iface.Interface, ev iface.Event) {
		d.state.PublishEvent(ev.String(), ifc.Name())
		d.publishInterface(ifc)
	})
	d.ifaces.OnAdd(func(ifc *iface.Interface) {
		d.publishInterface(ifc)
	})
	d.ifaces.OnRemove(func(ifc *iface.Interface) {
		d.state.DeleteInterface(ifc.Name())
	})
}

func (d *Daemon) publishInterface(ifc *iface.Interface) {
	if d.state == nil {
		return
	}
	entry := &statedb.InterfaceStateEntry{
		State:     ifc.State().String(),
		Proto:     ifc.ProtoName(),
		L3Device:  ifc.L3Ifname(),
		Autostart: fmt.Sprintf("%v", ifc.Autostart()),
	}
	if dev := ifc.MainDevice(); dev != nil {
		entry.Device = dev.Ifname()
	}
	var addrs []string
	ifc.ProtoIP.Addrs.ForEach(func(a *system.Addr) {
		if a.Enabled {
			addrs = append(addrs, a.String())
		}
	})
	ifc.ConfigIP.Addrs.ForEach(func(a *system.Addr) {
		if a.Enabled {
			addrs = append(addrs, a.String())
		}
	})
	entry.Addresses = statedb.JoinAddresses(addrs)
	d.state.SetInterface(ifc.Name(), entry)

	if dev := ifc.MainDevice(); dev != nil {
		d.state.SetDevice(dev.Ifname(), &statedb.DeviceStateEntry{
			Type:    dev.Type().Name,
			Up:      fmt.Sprintf("%v", dev.Active()),
			Present: fmt.Sprintf("%v", dev.Present()),
		})
	}
}

// Run loads the configuration, starts the API, and blocks until a
// termination signal or Stop.
func (d *Daemon) Run() error {
	d.Locked(func() {
		if err := d.loader.Reload(); err != nil {
			util.Logger.WithError(err).Error("initial configuration load failed")
		}
	})

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	select {
	case sig := <-sigCh:
		util.Logger.Infof("received %s, shutting down", sig)
	case <-d.stopCh:
	}

	d.shutdown()
	return nil
}

// Stop unblocks Run.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

func (d *Daemon) shutdown() {
	d.server.Stop()
	d.Locked(func() {
		d.ifaces.SetDownAll()
	})
	if d.state != nil {
		d.state.Close()
	}
	d.auditLg.Close()
}
