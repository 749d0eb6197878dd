package proto

import (
	"fmt"

	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// noneHandler completes setup and teardown immediately without
// touching addressing; the device claim alone carries the interface.
func noneHandler() *Handler {
	return &Handler{
		Name: "none",
		Attach: func(ifc *iface.Interface, cfg *iface.Config) (iface.ProtoState, error) {
			return &noneState{iface: ifc}, nil
		},
	}
}

type noneState struct {
	iface *iface.Interface
}

func (p *noneState) Handler(cmd iface.ProtoCmd, force bool) error {
	switch cmd {
	case iface.CmdSetup:
		p.iface.ProtoEvent(iface.ProtoUp)
	case iface.CmdTeardown:
		p.iface.ProtoEvent(iface.ProtoDown)
	}
	return nil
}

func (p *noneState) Free() {}

// staticHandler applies user-authored addresses, routes and DNS from
// the interface options.
func staticHandler() *Handler {
	return &Handler{
		Name: "static",
		Attach: func(ifc *iface.Interface, cfg *iface.Config) (iface.ProtoState, error) {
			return &staticState{iface: ifc, cfg: cfg}, nil
		},
	}
}

type staticState struct {
	iface *iface.Interface
	cfg   *iface.Config
}

func (p *staticState) Handler(cmd iface.ProtoCmd, force bool) error {
	switch cmd {
	case iface.CmdSetup:
		if err := p.apply(); err != nil {
			p.iface.AddError("proto-static", "INVALID_ADDRESS", err.Error())
			return err
		}
		p.iface.ProtoEvent(iface.ProtoUp)
	case iface.CmdTeardown:
		p.iface.ProtoEvent(iface.ProtoDown)
	}
	return nil
}

func (p *staticState) Free() {}

// apply pushes the configured settings through one proto-IP update
// cycle.
func (p *staticState) apply() error {
	opts := p.cfg.Options

	p.iface.UpdateStart()
	flushOnError := func(err error) error {
		p.iface.UpdateComplete()
		return err
	}

	for _, s := range stringList(opts["ipaddr"]) {
		if err := addStaticAddr(p.iface, s, false); err != nil {
			return flushOnError(err)
		}
	}
	for _, s := range stringList(opts["ip6addr"]) {
		if err := addStaticAddr(p.iface, s, true); err != nil {
			return flushOnError(err)
		}
	}

	if gw, ok := opts["gateway"].(string); ok && gw != "" {
		if err := addStaticGateway(p.iface, gw, false); err != nil {
			return flushOnError(err)
		}
	}
	if gw, ok := opts["ip6gw"].(string); ok && gw != "" {
		if err := addStaticGateway(p.iface, gw, true); err != nil {
			return flushOnError(err)
		}
	}

	p.iface.UpdateComplete()
	return nil
}

func addStaticAddr(ifc *iface.Interface, cidr string, v6 bool) error {
	ip, mask, err := util.ParseAddress(cidr)
	if err != nil {
		return err
	}
	if (ip.To4() == nil) != v6 {
		return fmt.Errorf("address family mismatch: %s", cidr)
	}

	addr := &system.Addr{
		Mask: mask,
		IP:   system.IPAddrFrom(ip),
	}
	if v6 {
		addr.Flags = system.FlagInet6
	}
	return ifc.ProtoIP.AddAddress(addr)
}

func addStaticGateway(ifc *iface.Interface, gw string, v6 bool) error {
	ip, _, err := util.ParseAddress(gw)
	if err != nil {
		return err
	}

	route := &system.Route{
		Nexthop: system.IPAddrFrom(ip),
	}
	if v6 {
		route.Flags = system.FlagInet6
	}
	return ifc.ProtoIP.AddRoute(route)
}

// stringList coerces a decoded YAML/JSON value into a string slice.
func stringList(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	}
	return nil
}
