// Package spec loads the daemon's YAML configuration: daemon settings,
// device protocol specifications (the send/expect/delay scripts), device
// instances, and node-to-plug bindings. Configuration problems are fatal at
// load time, before the event loop starts.
package spec

import (
	"os"

	"gopkg.in/yaml.v3"
)

// File is the raw YAML document.
type File struct {
	Cluster        string                    `yaml:"cluster"`
	Listen         string                    `yaml:"listen"`
	UpdateInterval string                    `yaml:"update_interval"`
	MetricsListen  string                    `yaml:"metrics_listen"`
	LogLevel       string                    `yaml:"log_level"`
	StateDB        *StateDBConfig            `yaml:"statedb"`
	Specifications map[string]*Specification `yaml:"specifications"`
	Devices        []*DeviceConfig           `yaml:"devices"`
	Nodes          []*NodeConfig             `yaml:"nodes"`
}

// StateDBConfig enables the Redis state export when Addr is set.
type StateDBConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Specification describes one model of power controller: how to reach it,
// how it addresses plugs, how its replies encode on/off, and the dialogue
// script for each command it supports.
type Specification struct {
	Transport string                     `yaml:"transport"`
	Mode      string                     `yaml:"mode"`
	All       string                     `yaml:"all"`
	OnString  string                     `yaml:"on_string"`
	OffString string                     `yaml:"off_string"`
	Timeout   string                     `yaml:"timeout"`
	Plugs     []string                   `yaml:"plugs"`
	Scripts   map[string][]ElementConfig `yaml:"scripts"`
}

// ElementConfig is one script step; exactly one of the fields is set.
type ElementConfig struct {
	Send   *string       `yaml:"send"`
	Expect *ExpectConfig `yaml:"expect"`
	Delay  *string       `yaml:"delay"`
}

// ExpectConfig describes an EXPECT step. Completion recognizes a finished
// reply in the receive buffer; Capture (optional, defaults to Completion)
// extracts subgroups for the interpretation map.
type ExpectConfig struct {
	Completion string     `yaml:"completion"`
	Capture    string     `yaml:"capture"`
	Map        []MapEntry `yaml:"map"`
}

// MapEntry binds one capture subgroup to a plug.
type MapEntry struct {
	Plug  string `yaml:"plug"`
	Group int    `yaml:"group"`
}

// DeviceConfig is one device instance of a specification.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Spec string `yaml:"spec"`
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// NodeConfig binds a node to the plug that powers it and, optionally, to a
// second plug on whatever device observes its liveness.
type NodeConfig struct {
	Name string   `yaml:"name"`
	Plug *Binding `yaml:"plug"`
	Node *Binding `yaml:"node"`
}

// Binding names a device-local plug.
type Binding struct {
	Device string `yaml:"device"`
	Plug   string `yaml:"plug"`
}

// Load reads and parses the config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}
