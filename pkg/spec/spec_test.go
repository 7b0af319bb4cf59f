package spec

import (
	"errors"
	"testing"
	"time"

	"github.com/sjthespian/powerman/pkg/device"
	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

const sampleConfig = `
cluster: testlab
listen: "127.0.0.1:10101"
update_interval: 100s
statedb:
  addr: "127.0.0.1:6379"
  db: 2
specifications:
  icebox:
    transport: tcp
    mode: literal
    all: "*"
    on_string: "ON"
    off_string: "OFF"
    timeout: 10s
    plugs: ["1", "2"]
    scripts:
      login:
        - expect:
            completion: "hello\r\n"
        - send: "auth secret\r\n"
        - expect:
            completion: "ok\r\n"
      update_plugs:
        - send: "stat\r\n"
        - expect:
            completion: "stat (\\S+) (\\S+)\r\n"
            map:
              - {plug: "1", group: 1}
              - {plug: "2", group: 2}
      power_on:
        - send: "on %s\r\n"
        - expect:
            completion: "done\r\n"
      power_cycle:
        - send: "off %s\r\n"
        - delay: 2s
        - send: "on %s\r\n"
        - expect:
            completion: "done\r\n"
devices:
  - name: icebox0
    spec: icebox
    host: 10.0.0.50
    port: "1010"
nodes:
  - name: n0
    plug: {device: icebox0, plug: "1"}
    node: {device: icebox0, plug: "1"}
  - name: n1
    plug: {device: icebox0, plug: "2"}
`

func compileSample(t *testing.T) *Config {
	t.Helper()
	f, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Compile()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestCompile(t *testing.T) {
	cfg := compileSample(t)

	if cfg.Cluster != "testlab" || cfg.Listen != "127.0.0.1:10101" {
		t.Errorf("settings not carried: %+v", cfg)
	}
	if cfg.UpdateInterval != 100*time.Second {
		t.Errorf("update interval %v", cfg.UpdateInterval)
	}
	if cfg.StateDB == nil || cfg.StateDB.Addr != "127.0.0.1:6379" || cfg.StateDB.DB != 2 {
		t.Errorf("statedb config %+v", cfg.StateDB)
	}
	if len(cfg.Devices) != 1 || len(cfg.Nodes) != 2 {
		t.Fatalf("%d devices, %d nodes", len(cfg.Devices), len(cfg.Nodes))
	}

	dev := cfg.Devices[0]
	if dev.Name != "icebox0" || dev.Kind != device.TCP || dev.Host != "10.0.0.50" {
		t.Errorf("device %+v", dev)
	}
	prot := dev.Protocol()
	if prot.Mode != device.ModeLiteral || prot.All != "*" || prot.Timeout != 10*time.Second {
		t.Errorf("protocol %+v", prot)
	}
	for _, com := range []script.CommandKind{script.CmdLogin, script.CmdUpdatePlugs, script.CmdPowerOn, script.CmdPowerCycle} {
		if prot.Scripts[com] == nil {
			t.Errorf("missing %s script", com)
		}
	}
	if prot.Scripts[script.CmdReset] != nil {
		t.Error("reset script should be absent")
	}

	cycle := prot.Scripts[script.CmdPowerCycle]
	if len(cycle) != 4 {
		t.Fatalf("cycle script has %d elements", len(cycle))
	}
	delay, ok := cycle[1].(*script.Delay)
	if !ok || delay.Duration != 2*time.Second {
		t.Errorf("cycle element 1: %#v", cycle[1])
	}

	update := prot.Scripts[script.CmdUpdatePlugs][1].(*script.Expect)
	if len(update.Map) != 2 || update.Map[0].PlugName != "1" || update.Map[0].MatchPos != 1 {
		t.Errorf("interpretation map %+v", update.Map)
	}

	if dev.Plug("1") == nil || dev.Plug("1").Node == nil || dev.Plug("1").Node.Name != "n0" {
		t.Error("plug 1 should be bound to n0")
	}
	if dev.Plug("2").Node.Name != "n1" {
		t.Error("plug 2 should be bound to n1")
	}
	if cfg.Nodes[0].PState != device.StateUnknown || cfg.Nodes[0].NState != device.StateUnknown {
		t.Error("states must initialize unknown")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown specification", `
devices:
  - name: d0
    spec: nosuch
`},
		{"bad regex", `
specifications:
  s:
    scripts:
      login:
        - expect:
            completion: "([0-"
devices:
  - name: d0
    spec: s
`},
		{"bad mode", `
specifications:
  s:
    mode: fuzzy
devices:
  - name: d0
    spec: s
`},
		{"expect without completion", `
specifications:
  s:
    scripts:
      login:
        - expect:
            capture: "x"
devices:
  - name: d0
    spec: s
`},
		{"element with two kinds", `
specifications:
  s:
    scripts:
      login:
        - {send: "a", delay: 1s}
devices:
  - name: d0
    spec: s
`},
		{"unknown script kind", `
specifications:
  s:
    scripts:
      frobnicate:
        - send: "a"
devices:
  - name: d0
    spec: s
`},
		{"node on unknown device", `
nodes:
  - name: n0
    plug: {device: ghost, plug: "1"}
`},
		{"node on unknown plug", `
specifications:
  s:
    plugs: ["1"]
devices:
  - name: d0
    spec: s
nodes:
  - name: n0
    plug: {device: d0, plug: "9"}
`},
		{"plug bound twice", `
specifications:
  s:
    plugs: ["1"]
devices:
  - name: d0
    spec: s
nodes:
  - name: n0
    plug: {device: d0, plug: "1"}
  - name: n1
    plug: {device: d0, plug: "1"}
`},
		{"duplicate node", `
nodes:
  - name: n0
  - name: n0
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			_, err = f.Compile()
			if err == nil {
				t.Fatal("expected a compile error")
			}
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("error should unwrap to ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestSharedSpecGetsPrivateProtocols(t *testing.T) {
	const twoDevices = `
specifications:
  s:
    plugs: ["1"]
    scripts:
      update_plugs:
        - send: "stat\r\n"
        - expect:
            completion: "x\r\n"
            map: [{plug: "1", group: 0}]
devices:
  - name: d0
    spec: s
  - name: d1
    spec: s
`
	f, err := Parse([]byte(twoDevices))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Compile()
	if err != nil {
		t.Fatal(err)
	}
	p0 := cfg.Devices[0].Protocol().Scripts[script.CmdUpdatePlugs][1].(*script.Expect)
	p1 := cfg.Devices[1].Protocol().Scripts[script.CmdUpdatePlugs][1].(*script.Expect)
	if p0.Map[0] == p1.Map[0] {
		t.Error("devices sharing a specification must not share interpretation state")
	}
}
