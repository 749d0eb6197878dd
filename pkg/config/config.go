// Package config loads the network configuration from YAML and feeds
// it through the device and interface reconciliation pipelines.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// Network is the on-disk configuration document.
type Network struct {
	Globals    Globals                   `yaml:"globals"`
	Devices    map[string]*device.Config `yaml:"devices"`
	Interfaces map[string]*iface.Config  `yaml:"interfaces"`
	Routes     []StaticRoute             `yaml:"routes"`
}

// Globals holds daemon-wide network settings.
type Globals struct {
	// ULAPrefix is the site-local IPv6 prefix, "fdxx::/nn".
	ULAPrefix string `yaml:"ula_prefix,omitempty"`
}

// StaticRoute is a user-authored route bound to an interface's config
// bundle.
type StaticRoute struct {
	Interface string `yaml:"interface"`
	Target    string `yaml:"target"`
	Gateway   string `yaml:"gateway,omitempty"`
	Metric    *int   `yaml:"metric,omitempty"`
	MTU       *int   `yaml:"mtu,omitempty"`
}

// Load parses the configuration file at path.
func Load(path string) (*Network, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var n Network
	if err := yaml.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	return &n, nil
}

// Loader applies configuration documents to the registries.
type Loader struct {
	Path       string
	Devices    *device.Registry
	Interfaces *iface.Registry
}

// Apply runs one full reconciliation pass: devices and interfaces
// named by n survive (updated in place or recreated), everything else
// is swept.
func (l *Loader) Apply(n *Network) error {
	l.Devices.ConfigInit = true
	l.Interfaces.ConfigInit = true

	l.Devices.ResetConfig()
	l.Interfaces.ConfigStart()

	for _, name := range sortedKeys(n.Devices) {
		cfg := n.Devices[name]
		typeName := cfg.Type
		if typeName == "" {
			typeName = "simple"
		}
		if _, err := l.Devices.Create(name, typeName, cfg); err != nil {
			util.WithDevice(name).WithError(err).Error("failed to configure device")
		}
	}

	for _, name := range sortedKeys(n.Interfaces) {
		l.Interfaces.ConfigAdd(name, n.Interfaces[name])
	}

	l.Devices.ResetOld()
	l.Interfaces.ConfigComplete()

	for i := range n.Routes {
		if err := l.applyRoute(&n.Routes[i]); err != nil {
			util.Logger.WithError(err).Errorf("invalid route to %s", n.Routes[i].Target)
		}
	}

	l.Devices.ConfigInit = false
	l.Interfaces.ConfigInit = false

	l.Devices.InitPending()
	l.Devices.CheckAll()
	l.Devices.FreeUnused(nil)

	if n.Globals.ULAPrefix != "" {
		l.Interfaces.SetULAPrefix(n.Globals.ULAPrefix)
	}

	l.Interfaces.StartPending()
	return nil
}

// Reload re-reads the configuration file and applies it.
func (l *Loader) Reload() error {
	n, err := Load(l.Path)
	if err != nil {
		return err
	}
	return l.Apply(n)
}

func (l *Loader) applyRoute(r *StaticRoute) error {
	target := l.Interfaces.Get(r.Interface)
	if target == nil {
		return fmt.Errorf("%w: interface %q", util.ErrNotFound, r.Interface)
	}

	ip, mask, err := util.ParseAddress(r.Target)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	v6 := ip.To4() == nil

	route := &system.Route{
		Mask: mask,
		IP:   system.IPAddrFrom(ip),
	}
	if v6 {
		route.Flags = system.FlagInet6
	}

	if r.Gateway != "" {
		gw, _, err := util.ParseAddress(r.Gateway)
		if err != nil {
			return fmt.Errorf("%w: gateway %v", util.ErrInvalidConfig, err)
		}
		if (gw.To4() == nil) != v6 {
			return fmt.Errorf("%w: gateway family mismatch", util.ErrInvalidConfig)
		}
		route.Nexthop = system.IPAddrFrom(gw)
	}

	if r.Metric != nil {
		route.Metric = *r.Metric
		route.Flags |= system.FlagRouteMetric
	}
	if r.MTU != nil {
		route.MTU = *r.MTU
		route.Flags |= system.FlagRouteMTU
	}

	return target.ConfigIP.AddRoute(route)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
