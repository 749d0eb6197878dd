// Package ipcfg holds the per-interface IP settings bundles and
// reconciles their versioned address/route/prefix collections against
// the system backend.
package ipcfg

import (
	"net"

	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
	"github.com/newtron-network/ifmgrd/pkg/vlist"
)

// Owner is the interface a settings bundle belongs to; back-reference
// by narrow handle, not by pointer into the interface layer.
type Owner interface {
	Name() string
	// L3Ifname is the OS name of the layer-3 device, empty when the
	// interface holds none.
	L3Ifname() string
	Metric() int
}

// AddrKey identifies an address: the tail of the record after the
// bookkeeping fields. Addresses differing in family, flags, address or
// mask are distinct entities.
type AddrKey struct {
	Flags system.Flags
	Mask  int
	IP    system.IPAddr
}

func addrKey(a *system.Addr) AddrKey {
	return AddrKey{Flags: a.Flags, Mask: a.Mask, IP: a.IP}
}

// RouteKey identifies a route by destination; nexthop, metric and MTU
// are payload, compared in the update callback.
type RouteKey struct {
	Flags system.Flags
	Mask  int
	IP    system.IPAddr
}

func routeKey(r *system.Route) RouteKey {
	return RouteKey{Flags: r.Flags, Mask: r.Mask, IP: r.IP}
}

// Settings is one versioned bundle of addresses, routes, prefixes and
// DNS data. Interfaces own two: the user-authored config bundle and
// the protocol-supplied proto bundle.
type Settings struct {
	owner Owner
	sys   system.Backend

	// proto marks the protocol-supplied bundle; its DNS lists take part
	// in update cycles and its flush drops the owner's host routes.
	proto bool

	Addrs    *vlist.Tree[system.Addr, AddrKey]
	Routes   *vlist.Tree[system.Route, RouteKey]
	Prefixes *vlist.Tree[Prefix, PrefixKey]

	DNSServers vlist.SimpleList[net.IP]
	DNSSearch  vlist.SimpleList[string]

	Enabled        bool
	NoDefaultRoute bool
	NoDNS          bool

	// AssignmentLength is the sub-prefix size this interface requests
	// from delegated prefixes.
	AssignmentLength int

	// prefixes reconcile through the manager when one is attached.
	pm *PrefixManager
}

// New creates a settings bundle for owner. proto selects the
// protocol-supplied variant.
func New(owner Owner, sys system.Backend, proto bool) *Settings {
	s := &Settings{
		owner:   owner,
		sys:     sys,
		proto:   proto,
		Enabled: true,
	}
	s.Addrs = vlist.New[system.Addr, AddrKey](addrKey, s.updateAddr)
	s.Routes = vlist.New[system.Route, RouteKey](routeKey, s.updateRoute)
	s.Prefixes = vlist.New[Prefix, PrefixKey](prefixKey, s.updatePrefix)
	return s
}

// AttachPrefixManager wires delegated-prefix reconciliation.
func (s *Settings) AttachPrefixManager(pm *PrefixManager) {
	s.pm = pm
}

// Owner returns the owning interface handle.
func (s *Settings) Owner() Owner { return s.owner }

// UpdateStart begins a new generation on every collection in the
// bundle. The config bundle's DNS lists are static and excluded.
func (s *Settings) UpdateStart() {
	if s.proto {
		s.DNSServers.UpdateStart()
		s.DNSSearch.UpdateStart()
	}
	s.Routes.UpdateStart()
	s.Addrs.UpdateStart()
	s.Prefixes.UpdateStart()
}

// UpdateComplete flushes every collection, reconciling removals.
func (s *Settings) UpdateComplete() {
	s.DNSServers.Flush()
	s.DNSSearch.Flush()
	s.Routes.Flush()
	s.Addrs.Flush()
	s.Prefixes.Flush()
}

// Flush drops everything in the bundle, uninstalling as it goes.
func (s *Settings) Flush() {
	s.DNSServers.FlushAll()
	s.DNSSearch.FlushAll()
	s.Routes.FlushAll()
	s.Addrs.FlushAll()
	s.Prefixes.FlushAll()
}

// AddAddress validates and inserts an address at the current
// generation. The prefix length is checked against the family bound.
func (s *Settings) AddAddress(a *system.Addr) error {
	limit := 32
	if a.Flags.IsV6() {
		limit = 128
	}
	if a.Mask < 0 || a.Mask > limit {
		return util.NewConditionError("interface-ip", "INVALID_ADDRESS", a.String())
	}
	s.Addrs.Add(a)
	return nil
}

// AddRoute validates and inserts a route at the current generation.
func (s *Settings) AddRoute(r *system.Route) error {
	limit := 32
	if r.Flags.IsV6() {
		limit = 128
	}
	if r.Mask < 0 || r.Mask > limit {
		return util.NewConditionError("interface-ip", "INVALID_ROUTE", r.String())
	}
	r.Iface = s.owner.Name()
	s.Routes.Add(r)
	return nil
}

// AddDNSServer parses and appends a nameserver.
func (s *Settings) AddDNSServer(str string) {
	ip := net.ParseIP(str)
	if ip == nil {
		return
	}
	util.WithInterface(s.owner.Name()).Debugf("add DNS server: %s", str)
	s.DNSServers.Add(ip)
}

// AddDNSSearch appends a search domain.
func (s *Settings) AddDNSSearch(domain string) {
	if domain == "" {
		return
	}
	util.WithInterface(s.owner.Name()).Debugf("add DNS search domain: %s", domain)
	s.DNSSearch.Add(domain)
}

// updateAddr reconciles one address delta with the kernel. Same-key
// pairs are kept when the fields the kernel treats identically match
// (v4 broadcast); otherwise the old install is replaced.
func (s *Settings) updateAddr(aNew, aOld *system.Addr) {
	dev := s.owner.L3Ifname()

	if aNew != nil {
		var zero system.IPAddr
		if !aNew.Flags.IsV6() && aNew.Broadcast == zero {
			aNew.Broadcast = system.IPAddrFrom(util.ComputeBroadcast(aNew.IP.IP(false), aNew.Mask))
		}
	}

	keep := false
	if aNew != nil && aOld != nil {
		keep = true
		if aNew.Flags != aOld.Flags {
			keep = false
		}
		if !aNew.Flags.IsV6() && aNew.Broadcast != aOld.Broadcast {
			keep = false
		}
	}

	if aOld != nil {
		if aOld.Flags&system.FlagExternal == 0 && aOld.Enabled && !keep {
			if s.owner.Metric() != 0 {
				s.subnetRoute(dev, aOld, false)
			}
			if dev != "" {
				if err := s.sys.AddrDel(dev, aOld); err != nil {
					util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to remove address %s", aOld)
				}
			}
		}
	}

	if aNew != nil {
		if keep {
			aNew.Enabled = aOld.Enabled
			return
		}
		aNew.Enabled = s.Enabled
		if aNew.Flags&system.FlagExternal == 0 && s.Enabled && dev != "" {
			if err := s.sys.AddrAdd(dev, aNew); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to install address %s", aNew)
				return
			}
			if s.owner.Metric() != 0 {
				s.subnetRoute(dev, aNew, true)
			}
		}
	}
}

// subnetRoute installs or removes the subnet route that accompanies a
// v4 address on an interface with a metric: the kernel's own
// zero-metric route is replaced by one at the interface metric.
func (s *Settings) subnetRoute(dev string, addr *system.Addr, add bool) {
	if dev == "" {
		return
	}
	ip := addr.IP.IP(addr.Flags.IsV6())
	net16 := system.IPAddrFrom(util.ComputeNetworkAddr(ip, addr.Mask))

	route := &system.Route{
		Flags: addr.Flags.Family(),
		Mask:  addr.Mask,
		IP:    net16,
		Iface: s.owner.Name(),
	}

	if add {
		route.Flags |= system.FlagKernel
		_ = s.sys.RouteDel(dev, route)
		route.Flags &^= system.FlagKernel

		route.Metric = s.owner.Metric()
		if err := s.sys.RouteAdd(dev, route); err != nil {
			util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to install subnet route %s", route)
		}
	} else {
		if err := s.sys.RouteDel(dev, route); err != nil {
			util.WithInterface(s.owner.Name()).WithError(err).Debugf("failed to remove subnet route %s", route)
		}
	}
}

// enableRoute applies the default-route policy to the bundle's enabled
// state.
func (s *Settings) enableRoute(route *system.Route) bool {
	if s.NoDefaultRoute && route.Mask == 0 {
		return false
	}
	return s.Enabled
}

// updateRoute reconciles one route delta. Pairs sharing a nexthop keep
// the kernel install; otherwise old is deleted and new installed.
func (s *Settings) updateRoute(rNew, rOld *system.Route) {
	dev := s.owner.L3Ifname()

	keep := rNew != nil && rOld != nil && rNew.Nexthop == rOld.Nexthop

	if rOld != nil {
		if rOld.Flags&system.FlagExternal == 0 && rOld.Enabled && !keep && dev != "" {
			if err := s.sys.RouteDel(dev, rOld); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to remove route %s", rOld)
			}
		}
	}

	if rNew != nil {
		enabled := s.enableRoute(rNew)

		if rNew.Flags&system.FlagRouteMetric == 0 {
			rNew.Metric = s.owner.Metric()
		}

		if rNew.Flags&system.FlagExternal == 0 && !keep && enabled && dev != "" {
			if err := s.sys.RouteAdd(dev, rNew); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to install route %s", rNew)
			}
		}

		rNew.Iface = s.owner.Name()
		rNew.Enabled = enabled
	}
}

// SetEnabled toggles the bundle's addresses and routes in bulk,
// recomputing per-route enabled state against the default-route
// policy.
func (s *Settings) SetEnabled(enabled bool) {
	s.Enabled = enabled
	dev := s.owner.L3Ifname()
	if dev == "" {
		return
	}

	s.Addrs.ForEach(func(addr *system.Addr) {
		if addr.Enabled == enabled {
			return
		}
		if addr.Flags&system.FlagExternal != 0 {
			return
		}
		if enabled {
			if err := s.sys.AddrAdd(dev, addr); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to install address %s", addr)
				return
			}
			if s.owner.Metric() != 0 {
				s.subnetRoute(dev, addr, true)
			}
		} else {
			if s.owner.Metric() != 0 {
				s.subnetRoute(dev, addr, false)
			}
			if err := s.sys.AddrDel(dev, addr); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to remove address %s", addr)
			}
		}
		addr.Enabled = enabled
	})

	s.Routes.ForEach(func(route *system.Route) {
		if route.Flags&system.FlagExternal != 0 {
			return
		}
		want := enabled && s.enableRoute(route)
		if route.Enabled == want {
			return
		}
		if want {
			if route.Flags&system.FlagRouteMetric == 0 {
				route.Metric = s.owner.Metric()
			}
			if err := s.sys.RouteAdd(dev, route); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to install route %s", route)
			}
		} else {
			if err := s.sys.RouteDel(dev, route); err != nil {
				util.WithInterface(s.owner.Name()).WithError(err).Warnf("failed to remove route %s", route)
			}
		}
		route.Enabled = want
	})
}

// ResolvEntries appends this bundle's nameserver and search lines.
func (s *Settings) ResolvEntries(out *[]string) {
	s.DNSServers.ForEach(func(ip net.IP) {
		*out = append(*out, "nameserver "+ip.String())
	})
	s.DNSSearch.ForEach(func(domain string) {
		*out = append(*out, "search "+domain)
	})
}

// HasDNS reports whether the bundle carries any DNS information.
func (s *Settings) HasDNS() bool {
	return !s.DNSServers.Empty() || !s.DNSSearch.Empty()
}
