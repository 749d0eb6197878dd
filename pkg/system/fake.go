package system

import (
	"fmt"
	"sync"
)

// Fake is the recording backend used by tests. It mirrors what the
// kernel would hold (link state, installed addresses and routes) and
// keeps an operation log for order assertions. Failure injection via
// the Fail* maps exercises the rollback paths.
type Fake struct {
	mu sync.Mutex

	// Ops logs every mutating call in order, one line each.
	Ops []string

	// Present simulates OS-visible links for IfCheck.
	Present map[string]bool

	// LinkUp tracks administrative state per link.
	LinkUp map[string]bool

	addrs  map[string][]Addr
	routes map[string][]Route

	FailIfUp   map[string]error
	FailAddr   map[string]error
	FailRoute  map[string]error
	flushCount int
}

// NewFake returns an empty recording backend.
func NewFake() *Fake {
	return &Fake{
		Present:   make(map[string]bool),
		LinkUp:    make(map[string]bool),
		addrs:     make(map[string][]Addr),
		routes:    make(map[string][]Route),
		FailIfUp:  make(map[string]error),
		FailAddr:  make(map[string]error),
		FailRoute: make(map[string]error),
	}
}

func (f *Fake) log(format string, args ...interface{}) {
	f.Ops = append(f.Ops, fmt.Sprintf(format, args...))
}

func (f *Fake) IfUp(name string, s LinkSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailIfUp[name]; err != nil {
		f.log("ifup %s FAILED", name)
		return err
	}
	f.LinkUp[name] = true
	f.log("ifup %s", name)
	return nil
}

func (f *Fake) IfDown(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LinkUp[name] = false
	f.log("ifdown %s", name)
	return nil
}

func (f *Fake) IfCheck(name string) (LinkState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Present[name] {
		return LinkState{Present: true, Index: 1}, nil
	}
	return LinkState{}, nil
}

func (f *Fake) IfClearState(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LinkUp[name] = false
	delete(f.addrs, name)
	f.log("clear %s", name)
	return nil
}

func (f *Fake) IfStats(name string) (map[string]uint64, error) {
	return map[string]uint64{"rx_packets": 0, "tx_packets": 0}, nil
}

func (f *Fake) VLANAdd(parent, name string, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Present[name] = true
	f.log("vlan add %s %d", name, id)
	return nil
}

func (f *Fake) VLANDel(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Present, name)
	f.log("vlan del %s", name)
	return nil
}

func (f *Fake) BridgeAdd(name string, cfg BridgeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Present[name] = true
	f.log("bridge add %s", name)
	return nil
}

func (f *Fake) BridgeDel(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Present, name)
	f.log("bridge del %s", name)
	return nil
}

func (f *Fake) BridgeAddIf(bridge, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("bridge addif %s %s", bridge, member)
	return nil
}

func (f *Fake) BridgeDelIf(bridge, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("bridge delif %s %s", bridge, member)
	return nil
}

func (f *Fake) AddrAdd(ifname string, a *Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailAddr[ifname]; err != nil {
		return err
	}
	f.addrs[ifname] = append(f.addrs[ifname], *a)
	f.log("addr add %s %s", ifname, a)
	return nil
}

func (f *Fake) AddrDel(ifname string, a *Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.addrs[ifname]
	for i := range list {
		if list[i].IP == a.IP && list[i].Mask == a.Mask && list[i].Flags.Family() == a.Flags.Family() {
			f.addrs[ifname] = append(list[:i], list[i+1:]...)
			break
		}
	}
	f.log("addr del %s %s", ifname, a)
	return nil
}

func (f *Fake) RouteAdd(ifname string, r *Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailRoute[ifname]; err != nil {
		return err
	}
	f.routes[ifname] = append(f.routes[ifname], *r)
	f.log("route add %s %s", ifname, r)
	return nil
}

func (f *Fake) RouteDel(ifname string, r *Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.routes[ifname]
	for i := range list {
		if list[i].IP == r.IP && list[i].Mask == r.Mask && list[i].Flags.Family() == r.Flags.Family() {
			f.routes[ifname] = append(list[:i], list[i+1:]...)
			break
		}
	}
	f.log("route del %s %s", ifname, r)
	return nil
}

func (f *Fake) FlushRoutes() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	return nil
}

func (f *Fake) UpdateIPv6MTU(ifname string, mtu int) (int, error) {
	return 1500, nil
}

// Addrs returns a copy of the installed addresses for ifname.
func (f *Fake) Addrs(ifname string) []Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Addr, len(f.addrs[ifname]))
	copy(out, f.addrs[ifname])
	return out
}

// Routes returns a copy of the installed routes for ifname.
// The empty name holds unbound null routes.
func (f *Fake) Routes(ifname string) []Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Route, len(f.routes[ifname]))
	copy(out, f.routes[ifname])
	return out
}

// HasAddr reports whether ifname currently has addr installed,
// matching on "ip/mask" notation.
func (f *Fake) HasAddr(ifname, cidr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.addrs[ifname] {
		if a.String() == cidr {
			return true
		}
	}
	return false
}

// HasRoute reports whether ifname currently has a route to dst
// ("ip/mask" notation).
func (f *Fake) HasRoute(ifname, dst string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.routes[ifname] {
		v6 := r.Flags.IsV6()
		if fmt.Sprintf("%s/%d", r.IP.String(v6), r.Mask) == dst {
			return true
		}
	}
	return false
}

// OpCount returns how many logged operations have the given prefix.
func (f *Fake) OpCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.Ops {
		if len(op) >= len(prefix) && op[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
