package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/ifmgrd/internal/testutil"
	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/rpc"
	"github.com/newtron-network/ifmgrd/pkg/system"
)

// testCore implements rpc.Core over a test rig.
type testCore struct {
	mu       sync.Mutex
	sys      *system.Fake
	devices  *device.Registry
	ifaces   *iface.Registry
	protos   *testutil.ScriptedProtos
	reloads  int
	restarts int
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	c := &testCore{sys: system.NewFake()}
	c.devices = device.NewRegistry(c.sys)
	c.protos = &testutil.ScriptedProtos{Immediate: true}
	c.ifaces = iface.NewRegistry(iface.Params{
		Devices: c.devices,
		System:  c.sys,
		Protos:  c.protos,
		Locked:  c.Locked,
	})
	return c
}

func (c *testCore) Locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *testCore) Interfaces() *iface.Registry { return c.ifaces }
func (c *testCore) Devices() *device.Registry   { return c.devices }
func (c *testCore) Reload() error               { c.reloads++; return nil }
func (c *testCore) Restart()                    { c.restarts++ }

func boolPtr(v bool) *bool { return &v }

func startServer(t *testing.T, core *testCore) (*rpc.Server, *http.Client) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ifmgrd.sock")
	srv := rpc.NewServer(core, nil, socket)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	return srv, client
}

func addIface(c *testCore, name, ifname string, present bool) *iface.Interface {
	var ifc *iface.Interface
	c.Locked(func() {
		if present {
			c.sys.Present[ifname] = true
		}
		c.ifaces.ConfigStart()
		c.ifaces.ConfigAdd(name, &iface.Config{Ifname: ifname, Proto: "test", Auto: boolPtr(false)})
		c.ifaces.ConfigComplete()
		ifc = c.ifaces.Get(name)
	})
	return ifc
}

func post(t *testing.T, client *http.Client, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	resp, err := client.Post("http://ifmgrd"+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestServer_InterfaceUpDown(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)
	ifc := addIface(core, "wan", "eth0", true)

	resp := post(t, client, "/network/interface/wan/up", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("up returned %s", resp.Status)
	}
	resp.Body.Close()

	var st rpc.InterfaceStatus
	get(t, client, "/network/interface/wan/status", &st)
	if !st.Up {
		t.Errorf("status.Up = false after up verb: %+v", st)
	}

	resp = post(t, client, "/network/interface/wan/down", nil)
	resp.Body.Close()
	core.Locked(func() {
		if ifc.State() != iface.StateDown {
			t.Errorf("state = %s after down verb", ifc.State())
		}
	})
}

func TestServer_UnknownInterface404(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)

	resp, err := client.Get("http://ifmgrd/network/interface/nosuch/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %s, want 404", resp.Status)
	}
}

func TestServer_SetAliasValidation(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)

	// missing alias list rejects without touching state
	resp := post(t, client, "/network/device/set_alias", map[string]interface{}{"device": "eth0"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %s, want 400", resp.Status)
	}
}

func TestServer_SetAliasBinds(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)
	core.Locked(func() {
		core.sys.Present["eth0"] = true
	})

	// create the alias by referencing it from an interface
	ifc := addIface(core, "guest", "@lan", false)

	resp := post(t, client, "/network/device/set_alias", map[string]interface{}{
		"alias":  []string{"lan"},
		"device": "eth0",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set_alias returned %s", resp.Status)
	}

	core.Locked(func() {
		if !ifc.Available() {
			t.Error("alias bind should make the interface available")
		}
	})
}

func TestServer_DeviceStatus(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)
	core.Locked(func() {
		core.sys.Present["eth0"] = true
		core.devices.Get("eth0", true)
	})

	var all map[string]interface{}
	get(t, client, "/network/device/status", &all)
	if _, ok := all["eth0"]; !ok {
		t.Errorf("device dump missing eth0: %v", all)
	}

	resp, err := client.Get("http://ifmgrd/network/device/status?name=nosuch")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %s, want 404", resp.Status)
	}
}

func TestServer_Reload(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)

	resp := post(t, client, "/network/reload", nil)
	resp.Body.Close()
	if core.reloads != 1 {
		t.Errorf("reloads = %d, want 1", core.reloads)
	}
}

func TestServer_RemoveSchedulesDeletion(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)
	addIface(core, "wan", "eth0", true)

	resp := post(t, client, "/network/interface/wan/remove", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove returned %s", resp.Status)
	}

	// removal happens after the grace delay
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var gone bool
		core.Locked(func() { gone = core.ifaces.Get("wan") == nil })
		if gone {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("interface should be removed after the grace delay")
}

func TestServer_NotifyProtoUnsupported(t *testing.T) {
	core := newTestCore(t)
	_, client := startServer(t, core)
	addIface(core, "wan", "eth0", true)

	resp := post(t, client, "/network/interface/wan/notify_proto", map[string]interface{}{"action": 0})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %s, want 501 for a non-notifiable protocol", resp.Status)
	}
}

func get(t *testing.T, client *http.Client, path string, out interface{}) {
	t.Helper()
	resp, err := client.Get("http://ifmgrd" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
