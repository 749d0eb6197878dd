// Package system realises link, address and route operations against
// the kernel and reports interface presence. The Backend interface is
// the daemon's only path to the OS; everything above it is pure state.
package system

import (
	"fmt"
	"net"
	"time"
)

// Flags carries the address family and bookkeeping bits shared by
// addresses and routes.
type Flags uint32

const (
	// FlagInet4 marks an IPv4 entry (zero value).
	FlagInet4 Flags = 0
	// FlagInet6 marks an IPv6 entry.
	FlagInet6 Flags = 1 << 0
	// FlagDevice marks a device (host scope) route with no gateway.
	FlagDevice Flags = 1 << 1
	// FlagExternal marks kernel state maintained outside the daemon.
	// External entries are neither installed nor removed.
	FlagExternal Flags = 1 << 2
	// FlagKernel marks an entry auto-created by the kernel.
	FlagKernel Flags = 1 << 3
	// FlagRouteMetric is set when a route carries an explicit metric.
	FlagRouteMetric Flags = 1 << 4
	// FlagRouteMTU is set when a route carries an explicit MTU.
	FlagRouteMTU Flags = 1 << 5

	familyMask = FlagInet6
)

// IsV6 reports whether the family bits select IPv6.
func (f Flags) IsV6() bool {
	return f&familyMask == FlagInet6
}

// Family returns only the family bits.
func (f Flags) Family() Flags {
	return f & familyMask
}

// IPAddr is an IP address in its widest form. IPv4 addresses occupy the
// first four bytes.
type IPAddr [16]byte

// IPAddrFrom copies ip into the widest form.
func IPAddrFrom(ip net.IP) IPAddr {
	var a IPAddr
	if v4 := ip.To4(); v4 != nil {
		copy(a[:4], v4)
	} else if ip != nil {
		copy(a[:], ip.To16())
	}
	return a
}

// IP converts back to a net.IP of the given family.
func (a IPAddr) IP(v6 bool) net.IP {
	if v6 {
		out := make(net.IP, 16)
		copy(out, a[:])
		return out
	}
	out := make(net.IP, 4)
	copy(out, a[:4])
	return out
}

// String renders the address assuming IPv4 unless the v6 bytes are set.
func (a IPAddr) String(v6 bool) string {
	return a.IP(v6).String()
}

// Addr is an interface address as the kernel sees it.
type Addr struct {
	Flags Flags
	Mask  int
	IP    IPAddr

	// Broadcast is the IPv4 broadcast address, derived from IP/Mask when
	// the owner did not supply one.
	Broadcast IPAddr

	PreferredUntil time.Time
	ValidUntil     time.Time

	// Enabled tracks whether the address is currently installed.
	Enabled bool
}

// IPNet returns the address as a *net.IPNet.
func (a *Addr) IPNet() *net.IPNet {
	v6 := a.Flags.IsV6()
	bits := 32
	if v6 {
		bits = 128
	}
	return &net.IPNet{IP: a.IP.IP(v6), Mask: net.CIDRMask(a.Mask, bits)}
}

func (a *Addr) String() string {
	return fmt.Sprintf("%s/%d", a.IP.String(a.Flags.IsV6()), a.Mask)
}

// Route is a kernel route owned by an interface.
type Route struct {
	Flags   Flags
	Mask    int
	IP      IPAddr
	Nexthop IPAddr
	Metric  int
	MTU     int

	// Iface is the name of the owning interface; back-reference by
	// handle, not pointer.
	Iface string

	// Enabled tracks whether the route is currently installed.
	Enabled bool
}

// Dst returns the route destination as a *net.IPNet.
func (r *Route) Dst() *net.IPNet {
	v6 := r.Flags.IsV6()
	bits := 32
	if v6 {
		bits = 128
	}
	return &net.IPNet{IP: r.IP.IP(v6), Mask: net.CIDRMask(r.Mask, bits)}
}

func (r *Route) String() string {
	v6 := r.Flags.IsV6()
	s := fmt.Sprintf("%s/%d", r.IP.String(v6), r.Mask)
	var zero IPAddr
	if r.Nexthop != zero {
		s += " via " + r.Nexthop.String(v6)
	}
	return s
}

// LinkSettings carries the optional user-configured link attributes.
// A zero field is left untouched unless its Set flag is on.
type LinkSettings struct {
	SetMTU        bool
	MTU           int
	SetMACAddr    bool
	MACAddr       net.HardwareAddr
	SetTxQueueLen bool
	TxQueueLen    int
}

// BridgeConfig carries bridge creation parameters.
// STP and forward delay are always applied.
type BridgeConfig struct {
	STP          bool
	ForwardDelay int

	SetAgeingTime bool
	AgeingTime    int
	SetHelloTime  bool
	HelloTime     int
	SetMaxAge     bool
	MaxAge        int
}

// LinkState is what presence probing reports.
type LinkState struct {
	Present bool
	Index   int
}

// Backend is the narrow system interface the core reconciles against.
type Backend interface {
	// IfUp applies settings and brings the link up.
	IfUp(name string, s LinkSettings) error
	// IfDown brings the link down.
	IfDown(name string) error
	// IfCheck probes the OS for link presence.
	IfCheck(name string) (LinkState, error)
	// IfClearState downs the link and removes addresses left over from a
	// previous daemon run.
	IfClearState(name string) error
	// IfStats returns backend statistics for the status dump.
	IfStats(name string) (map[string]uint64, error)

	VLANAdd(parent, name string, id int) error
	VLANDel(name string) error

	BridgeAdd(name string, cfg BridgeConfig) error
	BridgeDel(name string) error
	BridgeAddIf(bridge, member string) error
	BridgeDelIf(bridge, member string) error

	AddrAdd(ifname string, a *Addr) error
	AddrDel(ifname string, a *Addr) error

	// RouteAdd installs a route. An empty ifname installs an unbound
	// (null) route.
	RouteAdd(ifname string, r *Route) error
	RouteDel(ifname string, r *Route) error
	// FlushRoutes drops the kernel route cache.
	FlushRoutes() error

	// UpdateIPv6MTU sets the per-interface IPv6 MTU and returns the
	// previous value; mtu 0 only reads.
	UpdateIPv6MTU(ifname string, mtu int) (int, error)
}
