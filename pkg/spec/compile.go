package spec

import (
	"regexp"
	"strings"
	"time"

	"github.com/sjthespian/powerman/pkg/device"
	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// Config is the compiled runtime configuration.
type Config struct {
	Cluster        string
	Listen         string
	MetricsListen  string
	LogLevel       string
	UpdateInterval time.Duration
	StateDB        *StateDBConfig
	Devices        []*device.Device
	Nodes          []*device.Node
}

// DefaultListen is the client port when the config does not set one.
const DefaultListen = "0.0.0.0:10101"

var scriptKinds = map[string]script.CommandKind{
	"error":        script.CmdError,
	"login":        script.CmdLogin,
	"check-login":  script.CmdCheckLogin,
	"logout":       script.CmdLogout,
	"update-plugs": script.CmdUpdatePlugs,
	"update-nodes": script.CmdUpdateNodes,
	"power-on":     script.CmdPowerOn,
	"power-off":    script.CmdPowerOff,
	"power-cycle":  script.CmdPowerCycle,
	"reset":        script.CmdReset,
	"names":        script.CmdNames,
}

// Compile validates the raw file and builds the runtime devices, nodes, and
// plug bindings.
func (f *File) Compile() (*Config, error) {
	cfg := &Config{
		Cluster:       f.Cluster,
		Listen:        f.Listen,
		MetricsListen: f.MetricsListen,
		LogLevel:      f.LogLevel,
		StateDB:       f.StateDB,
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if f.UpdateInterval != "" {
		d, err := time.ParseDuration(f.UpdateInterval)
		if err != nil {
			return nil, util.NewConfigErrorf("settings", "update_interval", "%v", err)
		}
		cfg.UpdateInterval = d
	}

	devByName := make(map[string]*device.Device)
	for _, dc := range f.Devices {
		if dc.Name == "" {
			return nil, util.NewConfigError("device", "", "missing name")
		}
		if _, ok := devByName[dc.Name]; ok {
			return nil, util.NewConfigError("device", dc.Name, "duplicate device")
		}
		raw, ok := f.Specifications[dc.Spec]
		if !ok {
			return nil, util.NewConfigErrorf("device", dc.Name, "unknown specification %q", dc.Spec)
		}
		dev, err := compileDevice(dc, raw)
		if err != nil {
			return nil, err
		}
		devByName[dc.Name] = dev
		cfg.Devices = append(cfg.Devices, dev)
	}

	nodeByName := make(map[string]*device.Node)
	for _, nc := range f.Nodes {
		if nc.Name == "" {
			return nil, util.NewConfigError("node", "", "missing name")
		}
		if _, ok := nodeByName[nc.Name]; ok {
			return nil, util.NewConfigError("node", nc.Name, "duplicate node")
		}
		node := device.NewNode(nc.Name)
		nodeByName[nc.Name] = node
		cfg.Nodes = append(cfg.Nodes, node)
		for _, b := range []*Binding{nc.Plug, nc.Node} {
			if b == nil {
				continue
			}
			dev, ok := devByName[b.Device]
			if !ok {
				return nil, util.NewConfigErrorf("node", nc.Name, "unknown device %q", b.Device)
			}
			plug := dev.Plug(b.Plug)
			if plug == nil {
				return nil, util.NewConfigErrorf("node", nc.Name, "device %s has no plug %q", b.Device, b.Plug)
			}
			if plug.Node == node {
				continue
			}
			if err := dev.BindPlug(b.Plug, node); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// compileDevice builds a device and its protocol from a raw specification.
// Every device gets its own compiled protocol: interpretation maps carry
// per-match state and must not be shared across devices.
func compileDevice(dc *DeviceConfig, raw *Specification) (*device.Device, error) {
	kind, err := device.ParseTransportKind(raw.Transport)
	if err != nil {
		return nil, util.NewConfigErrorf("device", dc.Name, "%v", err)
	}
	prot := &device.Protocol{All: raw.All}
	switch strings.ToLower(raw.Mode) {
	case "", "literal":
		prot.Mode = device.ModeLiteral
	case "regex":
		prot.Mode = device.ModeRegex
	default:
		return nil, util.NewConfigErrorf("device", dc.Name, "unknown mode %q", raw.Mode)
	}
	if raw.OnString != "" {
		if prot.OnRE, err = regexp.Compile(raw.OnString); err != nil {
			return nil, util.NewConfigErrorf("device", dc.Name, "on_string: %v", err)
		}
	}
	if raw.OffString != "" {
		if prot.OffRE, err = regexp.Compile(raw.OffString); err != nil {
			return nil, util.NewConfigErrorf("device", dc.Name, "off_string: %v", err)
		}
	}
	if raw.Timeout != "" {
		if prot.Timeout, err = time.ParseDuration(raw.Timeout); err != nil {
			return nil, util.NewConfigErrorf("device", dc.Name, "timeout: %v", err)
		}
	}
	for name, elems := range raw.Scripts {
		kindKey := strings.ReplaceAll(strings.ToLower(name), "_", "-")
		com, ok := scriptKinds[kindKey]
		if !ok {
			return nil, util.NewConfigErrorf("device", dc.Name, "unknown script %q", name)
		}
		scr, err := compileScript(dc.Name, name, elems)
		if err != nil {
			return nil, err
		}
		prot.Scripts[com] = scr
	}
	dev := device.New(dc.Name, kind, dc.Host, dc.Port, prot, nil)
	dev.User = dc.User
	dev.Pass = dc.Pass
	for _, plugName := range raw.Plugs {
		if _, err := dev.AddPlug(plugName); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func compileScript(devName, scriptName string, elems []ElementConfig) (script.Script, error) {
	var scr script.Script
	for i, ec := range elems {
		set := 0
		if ec.Send != nil {
			set++
		}
		if ec.Expect != nil {
			set++
		}
		if ec.Delay != nil {
			set++
		}
		if set != 1 {
			return nil, util.NewConfigErrorf("device", devName,
				"script %s element %d: exactly one of send/expect/delay", scriptName, i)
		}
		switch {
		case ec.Send != nil:
			scr = append(scr, &script.Send{Fmt: *ec.Send})
		case ec.Delay != nil:
			d, err := time.ParseDuration(*ec.Delay)
			if err != nil {
				return nil, util.NewConfigErrorf("device", devName,
					"script %s element %d: %v", scriptName, i, err)
			}
			scr = append(scr, &script.Delay{Duration: d})
		case ec.Expect != nil:
			el, err := compileExpect(devName, scriptName, i, ec.Expect)
			if err != nil {
				return nil, err
			}
			scr = append(scr, el)
		}
	}
	return scr, nil
}

func compileExpect(devName, scriptName string, i int, ec *ExpectConfig) (*script.Expect, error) {
	if ec.Completion == "" {
		return nil, util.NewConfigErrorf("device", devName,
			"script %s element %d: expect needs a completion pattern", scriptName, i)
	}
	completion, err := regexp.Compile(ec.Completion)
	if err != nil {
		return nil, util.NewConfigErrorf("device", devName,
			"script %s element %d: completion: %v", scriptName, i, err)
	}
	el := &script.Expect{Completion: completion}
	if ec.Capture != "" {
		if el.Capture, err = regexp.Compile(ec.Capture); err != nil {
			return nil, util.NewConfigErrorf("device", devName,
				"script %s element %d: capture: %v", scriptName, i, err)
		}
	}
	for _, m := range ec.Map {
		el.Map = append(el.Map, &script.Interp{PlugName: m.Plug, MatchPos: m.Group})
	}
	return el, nil
}
