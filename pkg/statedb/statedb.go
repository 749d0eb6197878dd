// Package statedb mirrors the daemon's operational state into Redis in
// the shape of a SONiC state_db, and publishes interface events on a
// pub/sub channel. The mirror is optional: failures are logged, never
// fatal, and a nil Publisher is a no-op.
package statedb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/ifmgrd/pkg/util"
)

const (
	interfaceTable = "INTERFACE_TABLE"
	deviceTable    = "DEVICE_TABLE"

	// EventChannel carries ifup/ifdown notifications.
	EventChannel = "ifmgrd.interface.events"

	opTimeout = 2 * time.Second
)

// InterfaceStateEntry is one INTERFACE_TABLE row.
type InterfaceStateEntry struct {
	State     string `json:"state"`
	Proto     string `json:"proto,omitempty"`
	Device    string `json:"device,omitempty"`
	L3Device  string `json:"l3_device,omitempty"`
	Autostart string `json:"autostart,omitempty"`
	Addresses string `json:"addresses,omitempty"`
	UpSince   string `json:"up_since,omitempty"`
}

// DeviceStateEntry is one DEVICE_TABLE row.
type DeviceStateEntry struct {
	Type    string `json:"type"`
	Up      string `json:"up"`
	Present string `json:"present"`
}

// Event is the pub/sub notification payload.
type Event struct {
	Action    string `json:"action"`
	Interface string `json:"interface"`
}

// Publisher writes operational state to one Redis database.
type Publisher struct {
	client *redis.Client
}

// New connects a publisher to addr (host:port). An empty addr returns
// nil, which every method tolerates.
func New(addr string, db int) *Publisher {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &Publisher{client: client}
}

// Ping verifies connectivity.
func (p *Publisher) Ping() error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return p.client.Ping(ctx).Err()
}

// SetInterface writes one interface row.
func (p *Publisher) SetInterface(name string, entry *InterfaceStateEntry) {
	p.hset(key(interfaceTable, name), entry)
}

// DeleteInterface drops one interface row.
func (p *Publisher) DeleteInterface(name string) {
	p.del(key(interfaceTable, name))
}

// SetDevice writes one device row.
func (p *Publisher) SetDevice(ifname string, entry *DeviceStateEntry) {
	p.hset(key(deviceTable, ifname), entry)
}

// DeleteDevice drops one device row.
func (p *Publisher) DeleteDevice(ifname string) {
	p.del(key(deviceTable, ifname))
}

// PublishEvent emits an ifup/ifdown notification.
func (p *Publisher) PublishEvent(action, ifaceName string) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(Event{Action: action, Interface: ifaceName})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, EventChannel, payload).Err(); err != nil {
		util.Logger.WithError(err).Debug("state db publish failed")
	}
}

// Close releases the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

func key(table, name string) string {
	return table + "|" + name
}

// hset flattens entry's json fields into a Redis hash.
func (p *Publisher) hset(k string, entry interface{}) {
	if p == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}

	flat := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		flat = append(flat, f, fmt.Sprint(v))
	}
	if len(flat) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, flat...)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Logger.WithError(err).Debugf("state db write failed for %s", k)
	}
}

func (p *Publisher) del(k string) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.client.Del(ctx, k).Err(); err != nil {
		util.Logger.WithError(err).Debugf("state db delete failed for %s", k)
	}
}

// JoinAddresses renders an address list for the Addresses field.
func JoinAddresses(addrs []string) string {
	return strings.Join(addrs, ",")
}
