package device

import (
	"net"
	"reflect"
)

// Config carries the user-authored device attributes. Pointer fields
// distinguish "unset" from zero values; the flags of the original
// model are implicit in nil checks.
type Config struct {
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	MTU        *int   `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	MACAddr    string `yaml:"macaddr,omitempty" json:"macaddr,omitempty"`
	TxQueueLen *int   `yaml:"txqueuelen,omitempty" json:"txqueuelen,omitempty"`

	// Bridge attributes.
	Ports        []string `yaml:"ports,omitempty" json:"ports,omitempty"`
	STP          bool     `yaml:"stp,omitempty" json:"stp,omitempty"`
	ForwardDelay int      `yaml:"forward_delay,omitempty" json:"forward_delay,omitempty"`
	AgeingTime   *int     `yaml:"ageing_time,omitempty" json:"ageing_time,omitempty"`
	HelloTime    *int     `yaml:"hello_time,omitempty" json:"hello_time,omitempty"`
	MaxAge       *int     `yaml:"max_age,omitempty" json:"max_age,omitempty"`
}

// Equal reports semantic configuration equality.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

func parseMAC(s string) (net.HardwareAddr, error) {
	return net.ParseMAC(s)
}
