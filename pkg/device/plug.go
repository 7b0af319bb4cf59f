package device

import (
	"regexp"

	"github.com/sjthespian/powerman/pkg/util"
)

// State is the power state recorded for a node, either from its plug (hard
// power) or from the node itself (soft power / liveness).
type State int

const (
	StateUnknown State = iota
	StateOff
	StateOn
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	}
	return "unknown"
}

// Node is a managed cluster member. It carries two independently discovered
// states: PState from the plug it draws power from, NState from whatever
// device observes its liveness. Both start unknown and are rediscovered by
// the periodic refresh.
type Node struct {
	Name   string
	PState State
	NState State
}

// NewNode creates a node with both states unknown.
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// Plug is a physical outlet on a device, addressed by a device-local name.
// The node binding is set at configuration time and never changes at runtime;
// a nil Node means the outlet is unoccupied or unmanaged.
type Plug struct {
	Name   string
	NameRE *regexp.Regexp
	Node   *Node
}

// AddPlug appends a plug to the device in device-plug order.
func (d *Device) AddPlug(name string) (*Plug, error) {
	if _, ok := d.plugByName[name]; ok {
		return nil, util.NewConfigErrorf("device", d.Name, "duplicate plug %q", name)
	}
	re, err := regexp.Compile(name)
	if err != nil {
		return nil, util.NewConfigErrorf("device", d.Name, "plug %q: bad name pattern: %v", name, err)
	}
	plug := &Plug{Name: name, NameRE: re}
	d.plugs = append(d.plugs, plug)
	d.plugByName[name] = plug
	return plug, nil
}

// BindPlug attaches a node to a plug. Exactly one node per plug.
func (d *Device) BindPlug(plugName string, node *Node) error {
	plug, ok := d.plugByName[plugName]
	if !ok {
		return util.NewConfigErrorf("device", d.Name, "no such plug %q", plugName)
	}
	if plug.Node != nil {
		return util.NewConfigErrorf("device", d.Name, "plug %q already bound to %s", plugName, plug.Node.Name)
	}
	plug.Node = node
	return nil
}

// Plugs returns the device's plugs in device-plug order.
func (d *Device) Plugs() []*Plug {
	return d.plugs
}

// Plug looks up a plug by its device-local name.
func (d *Device) Plug(name string) *Plug {
	return d.plugByName[name]
}
