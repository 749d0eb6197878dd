//go:build linux

package system

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/ifmgrd/pkg/util"
)

const routeFlushPath = "/proc/sys/net/ipv4/route/flush"

// NetlinkBackend talks rtnetlink through vishvananda/netlink.
type NetlinkBackend struct{}

// NewNetlinkBackend returns the production backend.
func NewNetlinkBackend() *NetlinkBackend {
	return &NetlinkBackend{}
}

func (b *NetlinkBackend) IfUp(name string, s LinkSettings) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if s.SetMTU {
		if err := netlink.LinkSetMTU(link, s.MTU); err != nil {
			return fmt.Errorf("set mtu on %s: %w", name, err)
		}
	}
	if s.SetMACAddr {
		if err := netlink.LinkSetHardwareAddr(link, s.MACAddr); err != nil {
			return fmt.Errorf("set macaddr on %s: %w", name, err)
		}
	}
	if s.SetTxQueueLen {
		if err := netlink.LinkSetTxQLen(link, s.TxQueueLen); err != nil {
			return fmt.Errorf("set txqueuelen on %s: %w", name, err)
		}
	}
	util.WithDevice(name).Debug("link up")
	return netlink.LinkSetUp(link)
}

func (b *NetlinkBackend) IfDown(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	util.WithDevice(name).Debug("link down")
	return netlink.LinkSetDown(link)
}

func (b *NetlinkBackend) IfCheck(name string) (LinkState, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return LinkState{}, nil
		}
		return LinkState{}, err
	}
	return LinkState{Present: true, Index: link.Attrs().Index}, nil
}

func (b *NetlinkBackend) IfClearState(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return err
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return err
	}
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		addrs, err := netlink.AddrList(link, family)
		if err != nil {
			return err
		}
		for i := range addrs {
			if err := netlink.AddrDel(link, &addrs[i]); err != nil {
				util.WithDevice(name).WithError(err).Warn("failed to clear address")
			}
		}
	}
	return nil
}

func (b *NetlinkBackend) IfStats(name string) (map[string]uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	st := link.Attrs().Statistics
	if st == nil {
		return map[string]uint64{}, nil
	}
	return map[string]uint64{
		"rx_packets": st.RxPackets,
		"tx_packets": st.TxPackets,
		"rx_bytes":   st.RxBytes,
		"tx_bytes":   st.TxBytes,
		"rx_errors":  st.RxErrors,
		"tx_errors":  st.TxErrors,
		"rx_dropped": st.RxDropped,
		"tx_dropped": st.TxDropped,
	}, nil
}

func (b *NetlinkBackend) VLANAdd(parent, name string, id int) error {
	plink, err := netlink.LinkByName(parent)
	if err != nil {
		return fmt.Errorf("vlan parent %s: %w", parent, err)
	}
	vlan := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: plink.Attrs().Index,
		},
		VlanId: id,
	}
	if err := netlink.LinkAdd(vlan); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add vlan %s: %w", name, err)
	}
	return nil
}

func (b *NetlinkBackend) VLANDel(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (b *NetlinkBackend) BridgeAdd(name string, cfg BridgeConfig) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add bridge %s: %w", name, err)
	}
	stp := "0"
	if cfg.STP {
		stp = "1"
	}
	stpPath := fmt.Sprintf("/sys/class/net/%s/bridge/stp_state", name)
	if err := os.WriteFile(stpPath, []byte(stp), 0644); err != nil {
		util.WithDevice(name).WithError(err).Warn("failed to set stp")
	}
	writeBridgeOpt(name, "forward_delay", cfg.ForwardDelay)
	if cfg.SetAgeingTime {
		writeBridgeOpt(name, "ageing_time", cfg.AgeingTime)
	}
	if cfg.SetHelloTime {
		writeBridgeOpt(name, "hello_time", cfg.HelloTime)
	}
	if cfg.SetMaxAge {
		writeBridgeOpt(name, "max_age", cfg.MaxAge)
	}
	return nil
}

// writeBridgeOpt sets a bridge sysfs parameter; values are in
// centiseconds as the kernel expects.
func writeBridgeOpt(bridge, opt string, seconds int) {
	path := fmt.Sprintf("/sys/class/net/%s/bridge/%s", bridge, opt)
	val := strconv.Itoa(seconds * 100)
	if err := os.WriteFile(path, []byte(val), 0644); err != nil {
		util.WithDevice(bridge).WithError(err).Warnf("failed to set bridge %s", opt)
	}
}

func (b *NetlinkBackend) BridgeDel(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (b *NetlinkBackend) BridgeAddIf(bridge, member string) error {
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return err
	}
	link, err := netlink.LinkByName(member)
	if err != nil {
		return err
	}
	return netlink.LinkSetMaster(link, br)
}

func (b *NetlinkBackend) BridgeDelIf(bridge, member string) error {
	link, err := netlink.LinkByName(member)
	if err != nil {
		return err
	}
	return netlink.LinkSetNoMaster(link)
}

func (b *NetlinkBackend) AddrAdd(ifname string, a *Addr) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	util.WithDevice(ifname).Debugf("addr add %s", a)
	return netlink.AddrReplace(link, b.nlAddr(a))
}

func (b *NetlinkBackend) AddrDel(ifname string, a *Addr) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	util.WithDevice(ifname).Debugf("addr del %s", a)
	return netlink.AddrDel(link, b.nlAddr(a))
}

func (b *NetlinkBackend) nlAddr(a *Addr) *netlink.Addr {
	nla := &netlink.Addr{IPNet: a.IPNet()}
	if !a.Flags.IsV6() {
		var zero IPAddr
		if a.Broadcast != zero {
			nla.Broadcast = a.Broadcast.IP(false)
		}
	}
	now := time.Now()
	if !a.PreferredUntil.IsZero() {
		if lft := int(a.PreferredUntil.Sub(now).Seconds()); lft > 0 {
			nla.PreferedLft = lft
		}
	}
	if !a.ValidUntil.IsZero() {
		if lft := int(a.ValidUntil.Sub(now).Seconds()); lft > 0 {
			nla.ValidLft = lft
		}
	}
	return nla
}

func (b *NetlinkBackend) RouteAdd(ifname string, r *Route) error {
	nlr, err := b.nlRoute(ifname, r)
	if err != nil {
		return err
	}
	util.Logger.Debugf("route add %s dev %s", r, ifname)
	return netlink.RouteReplace(nlr)
}

func (b *NetlinkBackend) RouteDel(ifname string, r *Route) error {
	nlr, err := b.nlRoute(ifname, r)
	if err != nil {
		return err
	}
	util.Logger.Debugf("route del %s dev %s", r, ifname)
	return netlink.RouteDel(nlr)
}

func (b *NetlinkBackend) nlRoute(ifname string, r *Route) (*netlink.Route, error) {
	nlr := &netlink.Route{
		Dst:      r.Dst(),
		Priority: r.Metric,
	}
	if ifname == "" {
		// unbound null route to suppress routing loops
		nlr.Type = unix.RTN_UNREACHABLE
	} else {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", ifname, err)
		}
		nlr.LinkIndex = link.Attrs().Index
	}
	var zero IPAddr
	if r.Nexthop != zero {
		nlr.Gw = r.Nexthop.IP(r.Flags.IsV6())
	}
	if r.Flags&FlagRouteMTU != 0 {
		nlr.MTU = r.MTU
	}
	return nlr, nil
}

func (b *NetlinkBackend) FlushRoutes() error {
	return os.WriteFile(routeFlushPath, []byte("-1"), 0644)
}

func (b *NetlinkBackend) UpdateIPv6MTU(ifname string, mtu int) (int, error) {
	path := fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/mtu", ifname)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	prev, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, err
	}
	if mtu > 0 {
		if err := os.WriteFile(path, []byte(strconv.Itoa(mtu)), 0644); err != nil {
			return 0, err
		}
	}
	return prev, nil
}
