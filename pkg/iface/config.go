package iface

import "reflect"

// Config is the reconciliation unit for one interface: what the
// configuration loader hands the registry on create/update.
type Config struct {
	// Ifname hints the main device; may be empty for protocols that
	// bring their own.
	Ifname string `yaml:"ifname,omitempty" json:"ifname,omitempty"`

	// Proto names the protocol handler.
	Proto string `yaml:"proto,omitempty" json:"proto,omitempty"`

	// Auto starts the interface as soon as it becomes available.
	// Defaults to true.
	Auto *bool `yaml:"auto,omitempty" json:"auto,omitempty"`

	// DefaultRoute permits installing default routes supplied by the
	// protocol. Defaults to true.
	DefaultRoute *bool `yaml:"defaultroute,omitempty" json:"defaultroute,omitempty"`

	// PeerDNS accepts DNS servers supplied by the protocol.
	// Defaults to true.
	PeerDNS *bool `yaml:"peerdns,omitempty" json:"peerdns,omitempty"`

	Metric int `yaml:"metric,omitempty" json:"metric,omitempty"`

	// IP6Assign requests a sub-prefix of this length from delegated
	// prefixes.
	IP6Assign int `yaml:"ip6assign,omitempty" json:"ip6assign,omitempty"`

	DNS       []string `yaml:"dns,omitempty" json:"dns,omitempty"`
	DNSSearch []string `yaml:"dns_search,omitempty" json:"dns_search,omitempty"`

	// Options carries the protocol-specific configuration blob,
	// passed verbatim to the handler.
	Options map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

func boolDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Autostart resolves the auto flag.
func (c *Config) Autostart() bool { return boolDefault(c.Auto, true) }

// NoDefaultRoute resolves the inverted defaultroute flag.
func (c *Config) NoDefaultRoute() bool { return !boolDefault(c.DefaultRoute, true) }

// NoDNS resolves the inverted peerdns flag.
func (c *Config) NoDNS() bool { return !boolDefault(c.PeerDNS, true) }

// OptionsEqual compares the protocol-specific parts of two configs.
func (c *Config) OptionsEqual(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c.Options, other.Options) &&
		reflect.DeepEqual(c.DNS, other.DNS) &&
		reflect.DeepEqual(c.DNSSearch, other.DNSSearch) &&
		c.Metric == other.Metric &&
		c.IP6Assign == other.IP6Assign
}
