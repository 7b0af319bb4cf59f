package server

import (
	"regexp"
	"sort"

	"github.com/sjthespian/powerman/pkg/device"
)

// Cluster owns the managed nodes. Devices hold non-owning back-edges to
// nodes through their plugs.
type Cluster struct {
	Name   string
	nodes  []*device.Node
	byName map[string]*device.Node
}

// NewCluster creates an empty cluster.
func NewCluster(name string) *Cluster {
	return &Cluster{Name: name, byName: make(map[string]*device.Node)}
}

// AddNode registers a node. Duplicate names are a configuration error caught
// earlier; here the first registration wins.
func (c *Cluster) AddNode(n *device.Node) {
	if _, ok := c.byName[n.Name]; ok {
		return
	}
	c.nodes = append(c.nodes, n)
	c.byName[n.Name] = n
}

// Nodes returns all nodes in configuration order.
func (c *Cluster) Nodes() []*device.Node {
	return c.nodes
}

// Node looks up a node by name.
func (c *Cluster) Node(name string) *device.Node {
	return c.byName[name]
}

// NodesMatching returns the names of nodes whose whole name matches the
// selector regex, sorted. A bad selector matches nothing.
func (c *Cluster) NodesMatching(target string) []string {
	re, err := regexp.Compile(target)
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range c.nodes {
		loc := re.FindStringIndex(n.Name)
		if loc != nil && loc[1]-loc[0] == len(n.Name) {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}
