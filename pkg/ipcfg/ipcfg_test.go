package ipcfg

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/ifmgrd/pkg/system"
)

type fakeOwner struct {
	name   string
	l3     string
	metric int
}

func (o *fakeOwner) Name() string     { return o.name }
func (o *fakeOwner) L3Ifname() string { return o.l3 }
func (o *fakeOwner) Metric() int      { return o.metric }

func v4Addr(t *testing.T, cidr string) *system.Addr {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("bad cidr %s: %v", cidr, err)
	}
	ones, _ := ipNet.Mask.Size()
	return &system.Addr{
		Mask: ones,
		IP:   system.IPAddrFrom(ip),
	}
}

func defaultRoute(gw string) *system.Route {
	return &system.Route{
		Nexthop: system.IPAddrFrom(net.ParseIP(gw)),
	}
}

func newTestSettings(metric int) (*Settings, *system.Fake, *fakeOwner) {
	sys := system.NewFake()
	owner := &fakeOwner{name: "wan", l3: "eth0", metric: metric}
	return New(owner, sys, true), sys, owner
}

func cycle(s *Settings, addrs ...*system.Addr) {
	s.UpdateStart()
	for _, a := range addrs {
		s.AddAddress(a)
	}
	s.UpdateComplete()
}

func TestAddressReconciliation(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	// initial: one address
	cycle(s, v4Addr(t, "10.0.0.1/24"))
	if !sys.HasAddr("eth0", "10.0.0.1/24") {
		t.Fatal("10.0.0.1/24 should be installed")
	}

	// add a second: previous kept, exactly one new install
	cycle(s, v4Addr(t, "10.0.0.1/24"), v4Addr(t, "10.0.0.2/24"))
	if got := sys.OpCount("addr add"); got != 2 {
		t.Errorf("expected 2 installs total, got %d (%v)", got, sys.Ops)
	}
	if !sys.HasAddr("eth0", "10.0.0.1/24") || !sys.HasAddr("eth0", "10.0.0.2/24") {
		t.Error("both addresses should be installed")
	}

	// drop the first
	cycle(s, v4Addr(t, "10.0.0.2/24"))
	if sys.HasAddr("eth0", "10.0.0.1/24") {
		t.Error("10.0.0.1/24 should be removed")
	}
	if !sys.HasAddr("eth0", "10.0.0.2/24") {
		t.Error("10.0.0.2/24 should survive")
	}

	// mask change: remove + add
	before := sys.OpCount("addr add")
	cycle(s, v4Addr(t, "10.0.0.2/25"))
	if sys.HasAddr("eth0", "10.0.0.2/24") {
		t.Error("old mask should be gone")
	}
	if !sys.HasAddr("eth0", "10.0.0.2/25") {
		t.Error("new mask should be installed")
	}
	if sys.OpCount("addr add") != before+1 {
		t.Error("mask change should install exactly once more")
	}

	// after update-complete, kernel state equals the non-external set
	if len(sys.Addrs("eth0")) != 1 {
		t.Errorf("kernel should hold exactly 1 address, has %v", sys.Addrs("eth0"))
	}
}

func TestAddress_BroadcastDerived(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	cycle(s, v4Addr(t, "192.168.1.10/24"))
	addrs := sys.Addrs("eth0")
	if len(addrs) != 1 {
		t.Fatalf("expected 1 address, got %d", len(addrs))
	}
	if got := addrs[0].Broadcast.IP(false).String(); got != "192.168.1.255" {
		t.Errorf("derived broadcast = %s, want 192.168.1.255", got)
	}
}

func TestAddress_ExternalNotInstalled(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	ext := v4Addr(t, "10.1.1.1/24")
	ext.Flags |= system.FlagExternal
	cycle(s, ext)

	if len(sys.Addrs("eth0")) != 0 {
		t.Error("EXTERNAL addresses must not be installed")
	}

	// and must not be removed either
	cycle(s)
	if sys.OpCount("addr del") != 0 {
		t.Error("EXTERNAL addresses must not be removed")
	}
}

func TestAddress_RejectsBadMask(t *testing.T) {
	s, _, _ := newTestSettings(0)

	s.UpdateStart()
	bad := &system.Addr{Mask: 33, IP: system.IPAddrFrom(net.ParseIP("10.0.0.1"))}
	if err := s.AddAddress(bad); err == nil {
		t.Error("IPv4 mask 33 must reject")
	}
	bad6 := &system.Addr{Flags: system.FlagInet6, Mask: 129, IP: system.IPAddrFrom(net.ParseIP("fe80::1"))}
	if err := s.AddAddress(bad6); err == nil {
		t.Error("IPv6 mask 129 must reject")
	}
	s.UpdateComplete()
}

func TestSubnetRouteAtInterfaceMetric(t *testing.T) {
	s, sys, _ := newTestSettings(20)

	cycle(s, v4Addr(t, "10.0.0.1/24"))
	found := false
	for _, r := range sys.Routes("eth0") {
		if r.IP.String(false) == "10.0.0.0" && r.Mask == 24 && r.Metric == 20 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected subnet route at metric 20, routes: %v", sys.Routes("eth0"))
	}

	// removal is symmetric
	cycle(s)
	for _, r := range sys.Routes("eth0") {
		if r.IP.String(false) == "10.0.0.0" && r.Mask == 24 {
			t.Error("subnet route should be removed with the address")
		}
	}
}

func TestRoute_NexthopKeep(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	s.UpdateStart()
	s.AddRoute(defaultRoute("192.168.1.1"))
	s.UpdateComplete()
	if got := sys.OpCount("route add"); got != 1 {
		t.Fatalf("expected 1 route install, got %d", got)
	}

	// same nexthop: keep, no churn
	s.UpdateStart()
	s.AddRoute(defaultRoute("192.168.1.1"))
	s.UpdateComplete()
	if got := sys.OpCount("route add"); got != 1 {
		t.Errorf("same-nexthop refresh must not reinstall, got %d installs", got)
	}

	// changed nexthop: delete + install
	s.UpdateStart()
	s.AddRoute(defaultRoute("192.168.1.2"))
	s.UpdateComplete()
	if sys.OpCount("route del") != 1 || sys.OpCount("route add") != 2 {
		t.Errorf("nexthop change should replace the route, ops: %v", sys.Ops)
	}
}

func TestRoute_MetricInheritance(t *testing.T) {
	s, sys, _ := newTestSettings(30)

	s.UpdateStart()
	s.AddRoute(defaultRoute("192.168.1.1"))
	s.UpdateComplete()

	routes := sys.Routes("eth0")
	if len(routes) != 1 || routes[0].Metric != 30 {
		t.Errorf("route should inherit interface metric 30, got %v", routes)
	}

	// explicit metric wins
	s.UpdateStart()
	r := defaultRoute("192.168.1.1")
	r.Metric = 5
	r.Flags |= system.FlagRouteMetric
	s.AddRoute(r)
	s.UpdateComplete()

	// the explicit-metric route is a distinct entity (flags differ)
	found := false
	for _, got := range sys.Routes("eth0") {
		if got.Metric == 5 {
			found = true
		}
	}
	if !found {
		t.Errorf("explicit metric should survive, routes: %v", sys.Routes("eth0"))
	}
}

func TestNoDefaultRoute_Toggle(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	s.UpdateStart()
	s.AddRoute(defaultRoute("192.168.1.1"))
	s.UpdateComplete()
	if !sys.HasRoute("eth0", "0.0.0.0/0") {
		t.Fatal("default route should be installed")
	}

	// suppress: the route stays in the collection but leaves the kernel
	s.NoDefaultRoute = true
	s.SetEnabled(s.Enabled)
	if sys.HasRoute("eth0", "0.0.0.0/0") {
		t.Error("default route should be uninstalled under no_defaultroute")
	}
	if s.Routes.Len() != 1 {
		t.Error("the route must remain in the collection")
	}

	// release: reinstalled
	s.NoDefaultRoute = false
	s.SetEnabled(s.Enabled)
	if !sys.HasRoute("eth0", "0.0.0.0/0") {
		t.Error("default route should reinstall when the policy lifts")
	}
}

func TestSetEnabled_BulkToggle(t *testing.T) {
	s, sys, _ := newTestSettings(0)

	s.UpdateStart()
	s.AddAddress(v4Addr(t, "10.0.0.1/24"))
	s.AddRoute(defaultRoute("10.0.0.254"))
	s.UpdateComplete()

	s.SetEnabled(false)
	if len(sys.Addrs("eth0")) != 0 || len(sys.Routes("eth0")) != 0 {
		t.Error("disable should uninstall addresses and routes")
	}

	s.SetEnabled(true)
	if !sys.HasAddr("eth0", "10.0.0.1/24") || !sys.HasRoute("eth0", "0.0.0.0/0") {
		t.Error("enable should reinstall addresses and routes")
	}
}

func TestFlush_LeavesNothingInstalled(t *testing.T) {
	s, sys, _ := newTestSettings(10)

	s.UpdateStart()
	s.AddAddress(v4Addr(t, "10.0.0.1/24"))
	s.AddRoute(defaultRoute("10.0.0.254"))
	s.UpdateComplete()

	s.Flush()
	if len(sys.Addrs("eth0")) != 0 {
		t.Errorf("flush left addresses installed: %v", sys.Addrs("eth0"))
	}
	if len(sys.Routes("eth0")) != 0 {
		t.Errorf("flush left routes installed: %v", sys.Routes("eth0"))
	}
}

func TestDNS_GenerationalReplace(t *testing.T) {
	s, _, _ := newTestSettings(0)

	s.UpdateStart()
	s.AddDNSServer("8.8.8.8")
	s.AddDNSSearch("example.net")
	s.UpdateComplete()

	s.UpdateStart()
	s.AddDNSServer("1.1.1.1")
	s.UpdateComplete()

	var lines []string
	s.ResolvEntries(&lines)
	joined := strings.Join(lines, "\n")
	if strings.Contains(joined, "8.8.8.8") || strings.Contains(joined, "example.net") {
		t.Errorf("stale DNS entries survived the cycle: %v", lines)
	}
	if !strings.Contains(joined, "nameserver 1.1.1.1") {
		t.Errorf("fresh DNS entry missing: %v", lines)
	}
}

func TestWriteResolvConf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf.auto")

	err := WriteResolvConf(path, []ResolvEntry{
		{Iface: "wan", Lines: []string{"nameserver 1.1.1.1", "search example.net"}},
		{Iface: "lan", Lines: nil},
	})
	if err != nil {
		t.Fatalf("WriteResolvConf: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "# Interface wan\nnameserver 1.1.1.1\nsearch example.net\n"
	if string(raw) != want {
		t.Errorf("resolv.conf = %q, want %q", raw, want)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}
}
