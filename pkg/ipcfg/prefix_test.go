package ipcfg

import (
	"net"
	"testing"
	"time"

	"github.com/newtron-network/ifmgrd/pkg/system"
)

type fakeTarget struct {
	l3     string
	active bool
}

func (f *fakeTarget) L3Ifname() string { return f.l3 }
func (f *fakeTarget) Active() bool     { return f.active }

func newTestPM(targets map[string]*fakeTarget, lengths map[string]int) (*PrefixManager, *system.Fake) {
	sys := system.NewFake()
	pm := NewPrefixManager(sys)
	pm.Lookup = func(name string) PrefixTarget {
		if t, ok := targets[name]; ok {
			return t
		}
		return nil
	}
	pm.EachInterface = func(fn func(name string, assignmentLength int)) {
		for name, l := range lengths {
			fn(name, l)
		}
	}
	return pm, sys
}

func testPrefix(t *testing.T, cidr string) *Prefix {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatal(err)
	}
	ones, _ := ipNet.Mask.Size()
	return &Prefix{
		Addr:           system.IPAddrFrom(ip),
		Length:         ones,
		ValidUntil:     time.Now().Add(time.Hour),
		PreferredUntil: time.Now().Add(30 * time.Minute),
	}
}

func TestPrefix_NewInstallsNullRouteAndAssignments(t *testing.T) {
	targets := map[string]*fakeTarget{"lan": {l3: "br-lan", active: true}}
	pm, sys := newTestPM(targets, map[string]int{"lan": 64})

	p := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p, nil)

	// null route for the unassigned space
	nulls := sys.Routes("")
	if len(nulls) != 1 || nulls[0].Mask != 56 {
		t.Fatalf("expected one /56 null route, got %v", nulls)
	}

	// the /64 assignment landed on the downstream interface
	addrs := sys.Addrs("br-lan")
	if len(addrs) != 1 {
		t.Fatalf("expected one assigned address, got %v", addrs)
	}
	if addrs[0].Mask != 64 {
		t.Errorf("assignment mask = %d, want 64", addrs[0].Mask)
	}
	if addrs[0].IP[15] != 1 {
		t.Error("assigned address should end in ::1")
	}

	// one /64 consumed from a /56 pool of 256
	if p.Avail != 255 {
		t.Errorf("avail = %d, want 255", p.Avail)
	}
}

func TestPrefix_RefreshTransfersAssignments(t *testing.T) {
	targets := map[string]*fakeTarget{"lan": {l3: "br-lan", active: true}}
	pm, sys := newTestPM(targets, map[string]int{"lan": 64})

	p1 := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p1, nil)

	firstAddr := sys.Addrs("br-lan")
	if len(firstAddr) != 1 {
		t.Fatal("assignment missing before refresh")
	}

	// lifetime refresh: same prefix identity, new node
	p2 := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p2, p1)

	if p2.Avail != p1.Avail {
		t.Error("avail bitmap must transfer across refresh")
	}
	if p2.Assignments == nil || p2.Assignments.Find("lan") == nil {
		t.Fatal("assignments must transfer across refresh")
	}

	// the downstream address survives with the same sub-prefix
	addrs := sys.Addrs("br-lan")
	found := false
	for _, a := range addrs {
		if a.IP == firstAddr[0].IP && a.Mask == 64 {
			found = true
		}
	}
	if !found {
		t.Errorf("assignment address should persist, got %v", addrs)
	}
}

func TestPrefix_RemovalCleansUp(t *testing.T) {
	targets := map[string]*fakeTarget{"lan": {l3: "br-lan", active: true}}
	pm, sys := newTestPM(targets, map[string]int{"lan": 64})

	p := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p, nil)
	pm.Update(nil, p)

	if len(sys.Routes("")) != 0 {
		t.Error("null route should be removed with the prefix")
	}
	if len(sys.Addrs("br-lan")) != 0 {
		t.Error("assigned addresses should be removed with the prefix")
	}
}

func TestPrefix_AssignmentBounds(t *testing.T) {
	targets := map[string]*fakeTarget{"lan": {l3: "br-lan", active: true}}
	pm, sys := newTestPM(targets, nil)

	p := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p, nil)

	// out-of-range lengths unassign instead of assigning
	pm.SetAssignment(p, "lan", 0)
	pm.SetAssignment(p, "lan", 65)
	if p.Assignments.Find("lan") != nil {
		t.Error("out-of-range lengths must not create assignments")
	}
	if len(sys.Addrs("br-lan")) != 0 {
		t.Error("no address should be plumbed for rejected assignments")
	}

	// valid length assigns
	pm.SetAssignment(p, "lan", 60)
	if p.Assignments.Find("lan") == nil {
		t.Error("length 60 should assign")
	}
	want := uint64(1)<<(64-56) - uint64(1)<<(64-60)
	if p.Avail != want {
		t.Errorf("avail = %d, want %d", p.Avail, want)
	}
}

func TestPrefix_OversizeRequestShrinks(t *testing.T) {
	targets := map[string]*fakeTarget{
		"a": {l3: "br-a", active: true},
		"b": {l3: "br-b", active: true},
	}
	pm, _ := newTestPM(targets, nil)

	// a /63 pool holds two /64s
	p := testPrefix(t, "2001:db8:200::/63")
	pm.Update(p, nil)

	pm.SetAssignment(p, "a", 64)
	// requesting another /63 cannot fit; it shrinks to the remaining /64
	pm.SetAssignment(p, "b", 63)

	b := p.Assignments.Find("b")
	if b == nil {
		t.Fatal("shrunken request should still assign")
	}
	if b.Length != 64 {
		t.Errorf("assignment length = %d, want 64 after shrink", b.Length)
	}
	if p.Avail != 0 {
		t.Errorf("pool should be exhausted, avail = %d", p.Avail)
	}
}

func TestPrefix_InactiveTargetNotPlumbed(t *testing.T) {
	targets := map[string]*fakeTarget{"lan": {l3: "br-lan", active: false}}
	pm, sys := newTestPM(targets, map[string]int{"lan": 64})

	p := testPrefix(t, "2001:db8:100::/56")
	pm.Update(p, nil)

	if p.Assignments.Find("lan") == nil {
		t.Error("assignment should be reserved even for inactive interfaces")
	}
	if len(sys.Addrs("br-lan")) != 0 {
		t.Error("addresses plumb only on active interfaces")
	}
}
