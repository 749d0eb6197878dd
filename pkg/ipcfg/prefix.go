package ipcfg

import (
	"math"
	"time"

	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
	"github.com/newtron-network/ifmgrd/pkg/vlist"
)

// Prefix is an IPv6 delegated prefix with a free-bitmap over its
// 64-length subnet bits and a sub-collection of per-interface
// assignments that persist across prefix refresh.
type Prefix struct {
	Addr   system.IPAddr
	Length int

	ValidUntil     time.Time
	PreferredUntil time.Time

	// Avail is the free bitmap over the bits between Length and /64.
	Avail uint64

	Assignments *vlist.Tree[PrefixAssignment, string]

	// Iface names the uplink interface the prefix was learned on;
	// empty for daemon-level prefixes (ULA).
	Iface string
}

// PrefixAssignment maps an interface name to a sub-prefix.
type PrefixAssignment struct {
	Name    string
	Length  int
	Addr    system.IPAddr
	Enabled bool

	prefix *Prefix
}

// PrefixKey identifies a prefix by address and length.
type PrefixKey struct {
	Addr   system.IPAddr
	Length int
}

func prefixKey(p *Prefix) PrefixKey {
	return PrefixKey{Addr: p.Addr, Length: p.Length}
}

// PrefixTarget is what the manager needs to know about a downstream
// interface to plumb an assigned sub-prefix onto it.
type PrefixTarget interface {
	L3Ifname() string
	// Active reports whether the interface is in UP or SETUP.
	Active() bool
}

// PrefixManager reconciles delegated prefixes across interfaces. The
// lookup hooks are wired by the interface layer.
type PrefixManager struct {
	sys system.Backend

	// Lookup resolves an interface name to its assignment target,
	// nil when unknown.
	Lookup func(name string) PrefixTarget

	// EachInterface iterates every interface with its requested
	// assignment length (0 = no assignment).
	EachInterface func(fn func(name string, assignmentLength int))
}

// NewPrefixManager creates a manager bound to the system backend.
func NewPrefixManager(sys system.Backend) *PrefixManager {
	return &PrefixManager{sys: sys}
}

// updatePrefix is the Settings prefix-tree callback; it defers to the
// attached manager.
func (s *Settings) updatePrefix(pNew, pOld *Prefix) {
	if s.pm == nil {
		return
	}
	s.pm.Update(pNew, pOld)
}

// nullRoute builds the unassigned-space null route for a prefix.
func nullRoute(p *Prefix) *system.Route {
	return &system.Route{
		Flags:  system.FlagInet6 | system.FlagRouteMetric,
		Metric: math.MaxInt32,
		Mask:   p.Length,
		IP:     p.Addr,
	}
}

// Update reconciles a prefix refresh. Sub-assignments transfer from
// old to new and re-run so downstream interfaces keep their addresses;
// a fresh prefix gets initial assignments and a null route suppressing
// routing loops for unassigned space.
func (m *PrefixManager) Update(pNew, pOld *Prefix) {
	switch {
	case pNew != nil && pOld != nil:
		pNew.Avail = pOld.Avail
		pNew.Assignments = pOld.Assignments
		pOld.Assignments = nil

		pNew.Assignments.ForEach(func(a *PrefixAssignment) {
			a.prefix = pNew
			m.updateAssignment(a, a)
		})

	case pNew != nil:
		pNew.Avail = 1 << (64 - pNew.Length)
		pNew.Assignments = vlist.New[PrefixAssignment, string](
			func(a *PrefixAssignment) string { return a.Name },
			m.updateAssignment,
		)

		if m.EachInterface != nil {
			m.EachInterface(func(name string, length int) {
				m.SetAssignment(pNew, name, length)
			})
		}

		if err := m.sys.RouteAdd("", nullRoute(pNew)); err != nil {
			util.Logger.WithError(err).Warn("failed to install prefix null route")
		}
	}

	if pOld != nil {
		if pNew == nil {
			if err := m.sys.RouteDel("", nullRoute(pOld)); err != nil {
				util.Logger.WithError(err).Debug("failed to remove prefix null route")
			}
		}
		if pOld.Assignments != nil {
			pOld.Assignments.FlushAll()
		}
	}
}

func (m *PrefixManager) updateAssignment(aNew, aOld *PrefixAssignment) {
	var target PrefixTarget
	name := ""
	if aNew != nil {
		name = aNew.Name
	} else if aOld != nil {
		name = aOld.Name
	}
	if m.Lookup != nil {
		target = m.Lookup(name)
	}

	switch {
	case aNew != nil && aOld != nil && aNew != aOld:
		aNew.Addr = aOld.Addr
		aNew.Length = aOld.Length

	case aNew == nil:
		if target != nil {
			m.setPrefixAddress(target, false, aOld)
		}
		return

	case aOld == nil:
		prefix := aNew.prefix
		want := uint64(1) << (64 - aNew.Length)
		prefix.Avail &= ^(want - 1)
		prefix.Avail -= want

		assigned := ^prefix.Avail
		assigned &= (uint64(1) << (64 - prefix.Length)) - 1
		assigned &= ^(want - 1)

		aNew.Addr = prefix.Addr
		for i := 0; i < 8; i++ {
			aNew.Addr[i] |= byte(assigned >> (56 - 8*i))
		}
		aNew.Addr[15]++
	}

	if aNew != nil && target != nil && target.Active() {
		m.setPrefixAddress(target, true, aNew)
	}
}

// setPrefixAddress plumbs (or removes) the assigned sub-prefix address
// on the downstream interface's L3 device.
func (m *PrefixManager) setPrefixAddress(target PrefixTarget, add bool, a *PrefixAssignment) {
	dev := target.L3Ifname()
	if dev == "" {
		return
	}

	addr := &system.Addr{
		Flags: system.FlagInet6,
		IP:    a.Addr,
		Mask:  a.Length,
	}
	if a.prefix != nil {
		addr.PreferredUntil = a.prefix.PreferredUntil
		addr.ValidUntil = a.prefix.ValidUntil
	}

	if !add {
		if a.Enabled {
			if err := m.sys.AddrDel(dev, addr); err != nil {
				util.Logger.WithError(err).Warnf("failed to remove prefix address %s", addr)
			}
		}
		a.Enabled = false
		return
	}

	if err := m.sys.AddrAdd(dev, addr); err != nil {
		util.Logger.WithError(err).Warnf("failed to install prefix address %s", addr)
		return
	}

	// propagate the uplink IPv6 MTU to the downlink
	if a.prefix != nil && a.prefix.Iface != "" && m.Lookup != nil {
		if uplink := m.Lookup(a.prefix.Iface); uplink != nil && uplink.L3Ifname() != "" {
			if mtu, err := m.sys.UpdateIPv6MTU(uplink.L3Ifname(), 0); err == nil && mtu > 0 {
				if _, err := m.sys.UpdateIPv6MTU(dev, mtu); err != nil {
					util.Logger.WithError(err).Debug("failed to propagate IPv6 MTU")
				}
			}
		}
	}
	a.Enabled = true
}

// SetAssignment requests a sub-prefix of the given length for the
// named interface. Lengths outside 1..64 unassign; a request larger
// than the remaining pool shrinks until it fits.
func (m *PrefixManager) SetAssignment(prefix *Prefix, name string, length int) {
	if length <= 0 || length > 64 {
		if a := prefix.Assignments.Find(name); a != nil {
			if m.Lookup != nil {
				if target := m.Lookup(name); target != nil {
					m.setPrefixAddress(target, false, a)
				}
			}
		}
		return
	}

	want := uint64(1) << (64 - length)
	if prefix.Avail < want && prefix.Avail > 0 {
		for want > prefix.Avail {
			length++
			if length > 64 {
				return
			}
			want = uint64(1) << (64 - length)
		}
	}
	if prefix.Avail < want {
		return
	}

	a := &PrefixAssignment{
		Name:   name,
		Length: length,
		prefix: prefix,
	}
	prefix.Assignments.Add(a)
}
