package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// setupKillDelay is how long a cancelled setup task gets after SIGTERM
// before the SIGKILL fallback.
const setupKillDelay = time.Second

// RegisterShellHandlers scans dir for protocol scripts and registers a
// handler for each. Scripts describe themselves through
// `<script> '' dump`, one JSON object per line. Process completions
// re-enter the core through locked.
func RegisterShellHandlers(r *Registry, dir string, locked func(fn func())) error {
	if locked == nil {
		locked = func(fn func()) { fn() }
	}
	scripts, err := filepath.Glob(filepath.Join(dir, "*.sh"))
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err := registerShellScript(r, dir, script, locked); err != nil {
			util.Logger.WithError(err).Warnf("failed to register protocol script %s", script)
		}
	}
	return nil
}

// shellHandlerInfo is what a protocol script dumps about itself.
type shellHandlerInfo struct {
	Name          string `json:"name"`
	NoDevice      bool   `json:"no-device"`
	InitAvailable bool   `json:"available"`
	NoProtoTask   bool   `json:"no-proto-task"`
}

func registerShellScript(r *Registry, dir, script string, locked func(fn func())) error {
	out, err := exec.Command(script, "", "dump").Output()
	if err != nil {
		return fmt.Errorf("dump %s: %w", script, err)
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	registered := 0
	for dec.More() {
		var info shellHandlerInfo
		if err := dec.Decode(&info); err != nil {
			break
		}
		if info.Name == "" {
			continue
		}

		var flags iface.ProtoFlags
		if info.NoDevice {
			flags |= iface.ProtoFlagNoDev
		}
		if info.InitAvailable {
			flags |= iface.ProtoFlagInitAvailable
		}

		h := &shellHandler{
			script:      script,
			dir:         dir,
			name:        info.Name,
			noProtoTask: info.NoProtoTask,
			locked:      locked,
		}
		util.WithProto(info.Name).Debugf("add handler for script %s", script)
		r.Register(&Handler{
			Name:   info.Name,
			Flags:  flags,
			Attach: h.attach,
		})
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("script %s dumped no handlers", script)
	}
	return nil
}

type shellHandler struct {
	script      string
	dir         string
	name        string
	noProtoTask bool
	locked      func(fn func())
}

func (h *shellHandler) attach(ifc *iface.Interface, cfg *iface.Config) (iface.ProtoState, error) {
	blob, err := json.Marshal(cfg.Options)
	if err != nil {
		return nil, err
	}
	s := &shellState{
		h:          h,
		iface:      ifc,
		configJSON: string(blob),
		lastError:  -1,
	}
	return s, nil
}

// shellState drives one interface through an external protocol script.
// Three processes may run: the setup task, the teardown task, and a
// long-lived proto task launched through notify.
type shellState struct {
	h          *shellHandler
	iface      *iface.Interface
	configJSON string

	setupTask    task
	teardownTask task
	protoTask    task

	setupTimeout *time.Timer

	teardownPending  bool
	teardownWaitTask bool

	// lastError is the setup task's exit code, -1 before it ran.
	lastError int
}

func (s *shellState) Handler(cmd iface.ProtoCmd, force bool) error {
	switch cmd {
	case iface.CmdSetup:
		return s.runSetup()
	case iface.CmdTeardown:
		return s.requestTeardown(force)
	}
	return nil
}

func (s *shellState) runSetup() error {
	s.lastError = -1

	argv := []string{s.h.script, s.h.name, "setup", s.iface.Name(), s.configJSON}
	if main := s.iface.MainDevice(); main != nil {
		argv = append(argv, main.Ifname())
	}

	s.setupTask.onExit = s.setupDone
	return s.setupTask.start(s.h.dir, argv, nil, s.h.locked)
}

// requestTeardown serialises against a running setup task: SIGTERM it
// now, arm the SIGKILL fallback, and dispatch the teardown when it
// exits.
func (s *shellState) requestTeardown(force bool) error {
	if s.setupTask.running {
		if !s.teardownPending {
			s.teardownPending = true
			s.setupTask.kill(unix.SIGTERM)
			s.setupTimeout = time.AfterFunc(setupKillDelay, func() {
				s.h.locked(func() {
					s.setupTask.kill(unix.SIGKILL)
				})
			})
		} else if force {
			s.setupTask.kill(unix.SIGKILL)
		}
		return nil
	}

	if s.teardownTask.running {
		if force {
			s.teardownTask.kill(unix.SIGKILL)
		}
		return nil
	}

	return s.runTeardown()
}

func (s *shellState) runTeardown() error {
	if s.protoTask.running {
		s.teardownWaitTask = true
		s.protoTask.kill(unix.SIGTERM)
	}

	var env []string
	if s.lastError >= 0 {
		env = append(env, "ERROR="+strconv.Itoa(s.lastError))
	}

	argv := []string{s.h.script, s.h.name, "teardown", s.iface.Name(), s.configJSON}
	if main := s.iface.MainDevice(); main != nil {
		argv = append(argv, main.Ifname())
	}

	s.teardownTask.onExit = s.teardownDone
	return s.teardownTask.start(s.h.dir, argv, env, s.h.locked)
}

func (s *shellState) setupDone(code int) {
	s.lastError = code
	if s.setupTimeout != nil {
		s.setupTimeout.Stop()
		s.setupTimeout = nil
	}

	if s.teardownPending {
		s.teardownPending = false
		if err := s.runTeardown(); err != nil {
			util.WithInterface(s.iface.Name()).WithError(err).Warn("failed to run teardown task")
			s.iface.ProtoEvent(iface.ProtoDown)
		}
		return
	}

	if code != 0 {
		util.WithInterface(s.iface.Name()).Warnf("setup task exited with code %d", code)
		s.iface.AddError("proto-shell", "SETUP_FAILED", strconv.Itoa(code))
		if err := s.runTeardown(); err != nil {
			s.iface.ProtoEvent(iface.ProtoDown)
		}
	}
}

func (s *shellState) teardownDone(code int) {
	if s.protoTask.running && s.teardownWaitTask {
		// DOWN is deferred to the proto task's completion
		return
	}
	s.teardownWaitTask = false
	s.iface.ProtoEvent(iface.ProtoDown)
}

func (s *shellState) protoTaskDone(code int) {
	if s.teardownWaitTask {
		if !s.teardownTask.running {
			s.teardownWaitTask = false
			s.iface.ProtoEvent(iface.ProtoDown)
		}
		return
	}

	// unexpected exit of the long-lived task: tear the link down
	util.WithInterface(s.iface.Name()).Warnf("proto task exited with code %d", code)
	if err := s.runTeardown(); err != nil {
		s.iface.ProtoEvent(iface.ProtoDown)
	}
}

func (s *shellState) Free() {
	if s.setupTimeout != nil {
		s.setupTimeout.Stop()
		s.setupTimeout = nil
	}
	s.setupTask.kill(unix.SIGKILL)
	s.teardownTask.kill(unix.SIGKILL)
	s.protoTask.kill(unix.SIGKILL)
}

// notifyMsg is the typed notification a protocol script sends back
// through the RPC notify path.
type notifyMsg struct {
	Action int `json:"action"`

	// action 0: update link
	LinkUp          *bool       `json:"link-up"`
	Ifname          string      `json:"ifname"`
	AddressExternal bool        `json:"address-external"`
	IPAddr          []string    `json:"ipaddr"`
	IP6Addr         []string    `json:"ip6addr"`
	Routes          []routeSpec `json:"routes"`
	Routes6         []routeSpec `json:"routes6"`
	DNS             []string    `json:"dns"`
	DNSSearch       []string    `json:"dns_search"`

	// action 1: run helper command
	Command []string `json:"command"`
	Env     []string `json:"env"`

	// action 2: signal helper command
	Signal *int `json:"signal"`
}

type routeSpec struct {
	Target  string `json:"target"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
	Metric  *int   `json:"metric"`
	MTU     *int   `json:"mtu"`
}

// Notify processes a typed notification from the external process.
func (s *shellState) Notify(raw json.RawMessage) error {
	var msg notifyMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", util.ErrInvalidArgument, err)
	}

	switch msg.Action {
	case 0:
		return s.updateLink(&msg)
	case 1:
		return s.runCommand(&msg)
	case 2:
		return s.signalCommand(&msg)
	default:
		return fmt.Errorf("%w: notify action %d", util.ErrInvalidArgument, msg.Action)
	}
}

func (s *shellState) updateLink(msg *notifyMsg) error {
	if msg.LinkUp == nil {
		return fmt.Errorf("%w: missing link-up", util.ErrInvalidArgument)
	}

	if !*msg.LinkUp {
		s.iface.ProtoEvent(iface.ProtoLinkLost)
		return nil
	}

	if msg.Ifname != "" {
		if err := s.iface.SetL3Device(msg.Ifname); err != nil {
			return err
		}
	}

	var extra system.Flags
	if msg.AddressExternal {
		extra |= system.FlagExternal
	}

	s.iface.UpdateStart()

	for _, a := range msg.IPAddr {
		if err := s.addAddr(a, false, extra); err != nil {
			s.iface.UpdateComplete()
			return err
		}
	}
	for _, a := range msg.IP6Addr {
		if err := s.addAddr(a, true, extra); err != nil {
			s.iface.UpdateComplete()
			return err
		}
	}
	for _, r := range msg.Routes {
		if err := s.addRoute(&r, false, extra); err != nil {
			s.iface.UpdateComplete()
			return err
		}
	}
	for _, r := range msg.Routes6 {
		if err := s.addRoute(&r, true, extra); err != nil {
			s.iface.UpdateComplete()
			return err
		}
	}
	for _, d := range msg.DNS {
		s.iface.ProtoIP.AddDNSServer(d)
	}
	for _, d := range msg.DNSSearch {
		s.iface.ProtoIP.AddDNSSearch(d)
	}

	s.iface.UpdateComplete()
	s.iface.ProtoEvent(iface.ProtoUp)
	return nil
}

func (s *shellState) addAddr(cidr string, v6 bool, extra system.Flags) error {
	ip, mask, err := util.ParseAddress(cidr)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrInvalidArgument, err)
	}

	addr := &system.Addr{
		Mask: mask,
		IP:   system.IPAddrFrom(ip),
	}
	addr.Flags = extra
	if v6 {
		addr.Flags |= system.FlagInet6
	}
	return s.iface.ProtoIP.AddAddress(addr)
}

func (s *shellState) addRoute(spec *routeSpec, v6 bool, extra system.Flags) error {
	route := &system.Route{Flags: extra}
	if v6 {
		route.Flags |= system.FlagInet6
		route.Mask = 128
	} else {
		route.Mask = 32
	}

	if spec.Netmask != "" {
		mask, err := strconv.Atoi(spec.Netmask)
		if err != nil {
			return fmt.Errorf("%w: netmask %q", util.ErrInvalidArgument, spec.Netmask)
		}
		route.Mask = mask
	}

	if spec.Target != "" {
		ip, mask, err := util.ParseAddress(spec.Target)
		if err != nil {
			return fmt.Errorf("%w: route target %q", util.ErrInvalidArgument, spec.Target)
		}
		route.IP = system.IPAddrFrom(ip)
		if spec.Netmask == "" {
			route.Mask = mask
		}
	}

	if spec.Gateway != "" {
		ip, _, err := util.ParseAddress(spec.Gateway)
		if err != nil {
			return fmt.Errorf("%w: route gateway %q", util.ErrInvalidArgument, spec.Gateway)
		}
		route.Nexthop = system.IPAddrFrom(ip)
	}

	if spec.Metric != nil {
		route.Metric = *spec.Metric
		route.Flags |= system.FlagRouteMetric
	}
	if spec.MTU != nil {
		route.MTU = *spec.MTU
		route.Flags |= system.FlagRouteMTU
	}

	return s.iface.ProtoIP.AddRoute(route)
}

func (s *shellState) runCommand(msg *notifyMsg) error {
	if len(msg.Command) == 0 {
		return fmt.Errorf("%w: missing command", util.ErrInvalidArgument)
	}
	if s.protoTask.running {
		return util.ErrInUse
	}
	s.protoTask.onExit = s.protoTaskDone
	return s.protoTask.start(s.h.dir, msg.Command, msg.Env, s.h.locked)
}

func (s *shellState) signalCommand(msg *notifyMsg) error {
	sig := unix.SIGTERM
	if msg.Signal != nil {
		sig = unix.Signal(*msg.Signal)
	}
	s.protoTask.kill(sig)
	return nil
}
