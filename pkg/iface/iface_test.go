package iface_test

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/ifmgrd/internal/testutil"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/system"
)

func boolPtr(v bool) *bool { return &v }

// manualConfig defines an interface that does not autostart, so tests
// drive every transition by hand.
func manualConfig(ifname string) *iface.Config {
	return &iface.Config{Ifname: ifname, Proto: "test", Auto: boolPtr(false)}
}

func addInterface(rig *testutil.Rig, name string, cfg *iface.Config) *iface.Interface {
	rig.Ifaces.ConfigStart()
	rig.Ifaces.ConfigAdd(name, cfg)
	rig.Ifaces.ConfigComplete()
	return rig.Ifaces.Get(name)
}

func TestStateMachine_UpDownCycle(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	if ifc == nil {
		t.Fatal("interface not created")
	}
	if !ifc.Available() {
		t.Fatal("interface should be available with eth0 present")
	}
	if ifc.State() != iface.StateDown {
		t.Fatalf("initial state = %s, want down", ifc.State())
	}

	if err := ifc.SetUp(); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	if ifc.State() != iface.StateSetup {
		t.Fatalf("state = %s, want setup", ifc.State())
	}

	ps := rig.Protos.Last()
	if len(ps.Cmds) != 1 || ps.Cmds[0] != iface.CmdSetup {
		t.Fatalf("proto commands = %v, want [setup]", ps.Cmds)
	}
	if dev := ifc.MainDevice(); dev == nil || !dev.Active() {
		t.Fatal("main device should be claimed during setup")
	}

	// set_up twice is a no-op
	if err := ifc.SetUp(); err != nil {
		t.Fatal(err)
	}
	if len(ps.Cmds) != 1 {
		t.Error("second SetUp must not re-run protocol setup")
	}

	ps.Up()
	if ifc.State() != iface.StateUp {
		t.Fatalf("state = %s, want up", ifc.State())
	}
	if ifc.L3Ifname() != "eth0" {
		t.Errorf("l3 ifname = %q, want eth0", ifc.L3Ifname())
	}

	ifc.SetDown()
	if ifc.State() != iface.StateTeardown {
		t.Fatalf("state = %s, want teardown", ifc.State())
	}
	if len(ps.Cmds) != 2 || ps.Cmds[1] != iface.CmdTeardown {
		t.Fatalf("proto commands = %v, want teardown last", ps.Cmds)
	}

	// set_down twice is a no-op
	ifc.SetDown()
	if len(ps.Cmds) != 2 {
		t.Error("second SetDown must not re-run protocol teardown")
	}

	ps.Down()
	if ifc.State() != iface.StateDown {
		t.Fatalf("state = %s, want down", ifc.State())
	}
	if dev := ifc.MainDevice(); dev != nil && dev.Active() {
		t.Error("device claim should be released at DOWN")
	}
}

func TestSetUp_NoDeviceLogsError(t *testing.T) {
	rig := testutil.NewRig(t)

	ifc := addInterface(rig, "wan", manualConfig("eth9"))
	if ifc.Available() {
		t.Fatal("interface must not be available without the device")
	}

	if err := ifc.SetUp(); err == nil {
		t.Fatal("SetUp without a device must fail")
	}
	if ifc.State() != iface.StateDown {
		t.Errorf("state = %s, want down", ifc.State())
	}

	errs := ifc.Errors()
	if len(errs) != 1 || errs[0].Code != "NO_DEVICE" {
		t.Errorf("error log = %v, want NO_DEVICE", errs)
	}

	// the log clears on the next set_up attempt
	rig.Sys.Present["eth9"] = true
	ifc.MainDevice().SetPresent(true)
	if err := ifc.SetUp(); err != nil {
		t.Fatalf("SetUp with device present: %v", err)
	}
	if len(ifc.Errors()) != 0 {
		t.Error("error log should clear on set_up")
	}
}

func TestLinkLost_ReturnsToSetupWithoutRelease(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	ifc.SetUp()
	ps := rig.Protos.Last()
	ps.Up()

	ps.LinkLost()
	if ifc.State() != iface.StateSetup {
		t.Fatalf("state = %s, want setup after link loss", ifc.State())
	}
	if dev := ifc.MainDevice(); dev == nil || !dev.Active() {
		t.Error("link loss must not release the device")
	}

	// the next protocol UP re-enters UP
	ps.Up()
	if ifc.State() != iface.StateUp {
		t.Errorf("state = %s, want up after recovery", ifc.State())
	}
}

func TestAvailabilityLoss_ForcesDown(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	ifc.SetUp()
	ps := rig.Protos.Last()
	ps.Up()

	// device disappears
	ifc.MainDevice().SetPresent(false)

	if ifc.State() != iface.StateTeardown {
		t.Fatalf("state = %s, want teardown", ifc.State())
	}
	if len(ps.Forces) < 2 || !ps.Forces[len(ps.Forces)-1] {
		t.Error("availability loss must force the teardown")
	}
	// forced teardown reclaims the device immediately
	if dev := ifc.MainDevice(); dev != nil && dev.Active() {
		t.Error("forced teardown should release device claims immediately")
	}

	ps.Down()
	if ifc.State() != iface.StateDown {
		t.Errorf("state = %s, want down", ifc.State())
	}
}

func TestConfigReload_ObservedAtDownEdge(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	ifc.SetUp()
	ps := rig.Protos.Last()
	ps.Up()

	// update with changed protocol options while UP
	newCfg := manualConfig("eth0")
	newCfg.Options = map[string]interface{}{"server": "10.0.0.1"}
	rig.Ifaces.ConfigStart()
	rig.Ifaces.ConfigAdd("wan", newCfg)
	rig.Ifaces.ConfigComplete()

	// the running interface enters teardown; reload happens at DOWN
	if ifc.State() != iface.StateTeardown {
		t.Fatalf("state = %s, want teardown during reload", ifc.State())
	}
	if len(rig.Protos.Attached) != 1 {
		t.Fatal("reload must not attach a new protocol before DOWN")
	}

	ps.Down()

	if len(rig.Protos.Attached) != 2 {
		t.Fatal("reload should re-attach the protocol at the DOWN edge")
	}
	if !ps.Freed {
		t.Error("the old protocol state should be freed")
	}

	// autostart was set by SetUp, so the interface restarts
	ps2 := rig.Protos.Last()
	if len(ps2.Cmds) != 1 || ps2.Cmds[0] != iface.CmdSetup {
		t.Errorf("reloaded interface should restart, cmds = %v", ps2.Cmds)
	}
	if ifc.Config().Options["server"] != "10.0.0.1" {
		t.Error("reloaded interface should carry the new options")
	}
}

func TestConfigRemove_SweepsInterface(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	ifc.SetUp()
	ps := rig.Protos.Last()
	ps.Up()

	// a generation without wan schedules its removal
	rig.Ifaces.ConfigStart()
	rig.Ifaces.ConfigComplete()

	if ifc.State() != iface.StateTeardown {
		t.Fatalf("state = %s, want teardown before removal", ifc.State())
	}
	ps.Down()

	if rig.Ifaces.Get("wan") != nil {
		t.Error("interface should be removed after the DOWN edge")
	}
}

func TestIdenticalConfig_NoReload(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", manualConfig("eth0"))
	ifc.SetUp()
	ps := rig.Protos.Last()
	ps.Up()

	rig.Ifaces.ConfigStart()
	rig.Ifaces.ConfigAdd("wan", manualConfig("eth0"))
	rig.Ifaces.ConfigComplete()

	if ifc.State() != iface.StateUp {
		t.Errorf("identical config must not disturb a running interface, state = %s", ifc.State())
	}
	if len(rig.Protos.Attached) != 1 {
		t.Error("identical config must not re-attach the protocol")
	}
}

func TestAliasFollowsUnderlying(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Protos.Immediate = true
	rig.Sys.Present["eth0"] = true

	// downstream interface bound to the alias; not yet resolvable
	cfg := &iface.Config{Ifname: "@lan-alias", Proto: "test"}
	downstream := addInterface(rig, "guest", cfg)
	if downstream.Available() {
		t.Fatal("unbound alias must leave the interface unavailable")
	}

	// bind the alias to eth0: the interface autostarts and comes up
	eth0 := rig.Devices.Get("eth0", true)
	rig.Devices.AliasNotify("lan-alias", eth0)

	if downstream.State() != iface.StateUp {
		t.Fatalf("state = %s, want up after alias bind", downstream.State())
	}
	if downstream.L3Ifname() != "eth0" {
		t.Errorf("l3 ifname = %q, want eth0", downstream.L3Ifname())
	}

	// unbind: the downstream interface goes down
	rig.Devices.AliasNotify("lan-alias", nil)
	if downstream.State() != iface.StateDown {
		t.Errorf("state = %s, want down after alias unbind", downstream.State())
	}
}

func TestAddTargetRoute(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Protos.Immediate = true
	rig.Sys.Present["eth0"] = true

	ifc := addInterface(rig, "wan", &iface.Config{Ifname: "eth0", Proto: "test"})
	if ifc.State() != iface.StateUp {
		t.Fatalf("state = %s, want up", ifc.State())
	}

	// give wan a local subnet through its proto bundle
	ifc.UpdateStart()
	addr := v4TestAddr(t, "10.0.0.1/24")
	if err := ifc.ProtoIP.AddAddress(addr); err != nil {
		t.Fatal(err)
	}
	ifc.UpdateComplete()

	// a target inside the subnet resolves to wan and records a host route
	target := net.ParseIP("10.0.0.5")
	got := rig.Ifaces.AddTargetRoute(target, false)
	if got != ifc {
		t.Fatalf("AddTargetRoute should resolve to wan, got %v", got)
	}
	if !rig.Sys.HasRoute("eth0", "10.0.0.5/32") {
		t.Errorf("host route should be installed, routes: %v", rig.Sys.Routes("eth0"))
	}

	// an unreachable target resolves to nothing
	if rig.Ifaces.AddTargetRoute(net.ParseIP("203.0.113.9"), false) != nil {
		t.Error("unreachable target should not resolve")
	}
}

func v4TestAddr(t *testing.T, cidr string) *system.Addr {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatal(err)
	}
	ones, _ := ipNet.Mask.Size()
	return &system.Addr{Mask: ones, IP: system.IPAddrFrom(ip)}
}

func TestResolvConf_WrittenForUpInterfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf.auto")

	rig := testutil.NewRigWithResolv(t, path)
	rig.Sys.Present["eth0"] = true

	cfg := manualConfig("eth0")
	cfg.DNS = []string{"1.1.1.1"}
	cfg.DNSSearch = []string{"example.net"}
	ifc := addInterface(rig, "wan", cfg)
	ifc.SetUp()
	rig.Protos.Last().Up()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("resolv.conf should exist after UP: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "# Interface wan") ||
		!strings.Contains(content, "nameserver 1.1.1.1") ||
		!strings.Contains(content, "search example.net") {
		t.Errorf("resolv.conf content = %q", content)
	}
}
