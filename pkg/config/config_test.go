package config_test

import (
	"testing"

	"github.com/newtron-network/ifmgrd/internal/testutil"
	"github.com/newtron-network/ifmgrd/pkg/config"
	"github.com/newtron-network/ifmgrd/pkg/iface"
)

const basicConfig = `
globals:
  ula_prefix: fd00:12::/48

devices:
  eth0:
    mtu: 1500
  br-lan:
    type: bridge
    ports: [eth1, eth2]

interfaces:
  lan:
    ifname: br-lan
    proto: test
  wan:
    ifname: eth0
    proto: test
    metric: 10
    options:
      server: 10.9.9.9

routes:
  - interface: wan
    target: 172.16.0.0/12
    gateway: 10.0.0.1
    metric: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return testutil.WriteFile(t, t.TempDir(), "network.yaml", content)
}

func newLoader(t *testing.T, rig *testutil.Rig, path string) *config.Loader {
	t.Helper()
	return &config.Loader{
		Path:       path,
		Devices:    rig.Devices,
		Interfaces: rig.Ifaces,
	}
}

func TestLoad_ParsesDocument(t *testing.T) {
	path := writeConfig(t, basicConfig)
	n, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(n.Devices) != 2 || len(n.Interfaces) != 2 || len(n.Routes) != 1 {
		t.Errorf("parsed %d devices, %d interfaces, %d routes", len(n.Devices), len(n.Interfaces), len(n.Routes))
	}
	if n.Globals.ULAPrefix != "fd00:12::/48" {
		t.Errorf("ula_prefix = %q", n.Globals.ULAPrefix)
	}
	if n.Interfaces["wan"].Metric != 10 {
		t.Errorf("wan metric = %d", n.Interfaces["wan"].Metric)
	}
	if n.Interfaces["wan"].Options["server"] != "10.9.9.9" {
		t.Errorf("wan options = %v", n.Interfaces["wan"].Options)
	}
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "interfaces: [not: {a map")
	if _, err := config.Load(path); err == nil {
		t.Error("malformed YAML must reject")
	}
}

func TestApply_CreatesEverything(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true
	path := writeConfig(t, basicConfig)

	if err := newLoader(t, rig, path).Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if rig.Ifaces.Get("lan") == nil || rig.Ifaces.Get("wan") == nil {
		t.Fatal("interfaces should be created")
	}
	if rig.Devices.Get("br-lan", false) == nil {
		t.Error("bridge device should be created")
	}
	if dev := rig.Devices.Get("eth0", false); dev == nil || !dev.Settings().SetMTU {
		t.Error("eth0 should carry the configured MTU")
	}

	// wan autostarts once available
	wan := rig.Ifaces.Get("wan")
	if wan.State() != iface.StateSetup {
		t.Errorf("wan state = %s, want setup after start_pending", wan.State())
	}
	if wan.Metric() != 10 {
		t.Errorf("wan metric = %d", wan.Metric())
	}
}

func TestApply_SecondLoadIsStable(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true
	path := writeConfig(t, basicConfig)
	loader := newLoader(t, rig, path)

	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}
	wan := rig.Ifaces.Get("wan")
	attachedBefore := len(rig.Protos.Attached)

	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}

	if rig.Ifaces.Get("wan") != wan {
		t.Error("identical reload must keep the same interface object")
	}
	if len(rig.Protos.Attached) != attachedBefore {
		t.Error("identical reload must not re-attach protocols")
	}
}

func TestApply_RemovedInterfaceSwept(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true

	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "network.yaml", basicConfig)
	loader := newLoader(t, rig, path)
	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}

	// rewrite without wan
	testutil.WriteFile(t, dir, "network.yaml", `
interfaces:
  lan:
    ifname: br-lan
    proto: test
`)
	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}

	wan := rig.Ifaces.Get("wan")
	if wan == nil {
		// already removed (was never up)
		return
	}
	// if it was mid-setup, the DOWN edge removes it
	for _, ps := range rig.Protos.Attached {
		if ps.Iface == wan {
			ps.Down()
		}
	}
	if rig.Ifaces.Get("wan") != nil {
		t.Error("wan should be removed after the reload generation")
	}
}

func TestApply_StaticRouteBoundToInterface(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Sys.Present["eth0"] = true
	path := writeConfig(t, basicConfig)

	if err := newLoader(t, rig, path).Reload(); err != nil {
		t.Fatal(err)
	}

	wan := rig.Ifaces.Get("wan")
	if wan.ConfigIP.Routes.Len() != 1 {
		t.Fatalf("wan config routes = %d, want 1", wan.ConfigIP.Routes.Len())
	}

	// config routes install once the interface is up
	for _, ps := range rig.Protos.Attached {
		if ps.Iface == wan {
			ps.Up()
		}
	}
	if !rig.Sys.HasRoute("eth0", "172.16.0.0/12") {
		t.Errorf("static route should install at UP, routes: %v", rig.Sys.Routes("eth0"))
	}
}

func TestApply_RouteToUnknownInterfaceIgnored(t *testing.T) {
	rig := testutil.NewRig(t)
	path := writeConfig(t, `
interfaces:
  lan:
    ifname: eth5
    proto: test

routes:
  - interface: nosuch
    target: 10.0.0.0/8
`)

	if err := newLoader(t, rig, path).Reload(); err != nil {
		t.Fatalf("unknown route interface must not fail the load: %v", err)
	}
}
