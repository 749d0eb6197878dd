package ipcfg

import (
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// FindAddrTarget reports whether target falls inside one of the
// bundle's enabled addresses of the given family.
func (s *Settings) FindAddrTarget(target system.IPAddr, v6 bool) bool {
	found := false
	s.Addrs.ForEach(func(a *system.Addr) {
		if found || !a.Enabled || a.Flags.IsV6() != v6 {
			return
		}
		if util.SamePrefix(a.IP[:], target[:], a.Mask) {
			found = true
		}
	})
	return found
}

// FindRouteTarget updates best with the longest-mask enabled route of
// the given family covering target.
func (s *Settings) FindRouteTarget(target system.IPAddr, v6 bool, best **system.Route) {
	s.Routes.ForEach(func(r *system.Route) {
		if !r.Enabled || r.Flags.IsV6() != v6 {
			return
		}
		if !util.SamePrefix(r.IP[:], target[:], r.Mask) {
			return
		}
		if *best == nil || r.Mask > (*best).Mask {
			*best = r
		}
	})
}
