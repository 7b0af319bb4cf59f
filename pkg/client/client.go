// Package client is the simple powerman client library: it connects to a
// running daemon, issues one command at a time, and collects each complete
// multi-line reply. Replies are read until a terminal code line arrives, so
// a reply split across TCP segments is never truncated.
package client

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sjthespian/powerman/pkg/util"
)

// Client is a connection to a powerman daemon.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
}

// NodeStatus is one node's reported power states.
type NodeStatus struct {
	Name      string
	PlugState string
	NodeState string
}

// Connect dials the daemon.
func Connect(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, br: bufio.NewReader(conn)}, nil
}

// Close drops the connection without a goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Quit tells the daemon goodbye and closes.
func (c *Client) Quit() error {
	fmt.Fprintf(c.conn, "quit\r\n")
	c.conn.Close()
	return nil
}

// run sends one command line and collects data lines until a terminal code.
func (c *Client) run(cmd string) ([]string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, err
	}
	var data []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		code, text, err := splitReply(line)
		if err != nil {
			return nil, err
		}
		switch {
		case code >= 200:
			return nil, fmt.Errorf("%w: %s", util.ErrServerError, text)
		case code == 101:
			data = append(data, text)
		default:
			return data, nil
		}
	}
}

func splitReply(line string) (int, string, error) {
	if len(line) < 3 {
		return 0, "", &util.ProtocolError{Line: line}
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", &util.ProtocolError{Line: line}
	}
	return code, strings.TrimSpace(line[3:]), nil
}

// PowerOn turns on every node matching the selector.
func (c *Client) PowerOn(target string) error {
	_, err := c.run("on " + target)
	return err
}

// PowerOff turns off every node matching the selector.
func (c *Client) PowerOff(target string) error {
	_, err := c.run("off " + target)
	return err
}

// PowerCycle power-cycles every node matching the selector.
func (c *Client) PowerCycle(target string) error {
	_, err := c.run("cycle " + target)
	return err
}

// Reset resets every node matching the selector.
func (c *Client) Reset(target string) error {
	_, err := c.run("reset " + target)
	return err
}

// Names lists the node names matching the selector ("" for all).
func (c *Client) Names(target string) ([]string, error) {
	if target == "" {
		target = ".*"
	}
	return c.run("names " + target)
}

// UpdatePlugs refreshes hard-power states and returns the node status list.
func (c *Client) UpdatePlugs() ([]NodeStatus, error) {
	lines, err := c.run("update plugs")
	if err != nil {
		return nil, err
	}
	return parseStatus(lines)
}

// UpdateNodes refreshes soft-power states and returns the node status list.
func (c *Client) UpdateNodes() ([]NodeStatus, error) {
	lines, err := c.run("update nodes")
	if err != nil {
		return nil, err
	}
	return parseStatus(lines)
}

// Status refreshes both plug and node states and returns the combined view.
func (c *Client) Status() ([]NodeStatus, error) {
	if _, err := c.UpdatePlugs(); err != nil {
		return nil, err
	}
	return c.UpdateNodes()
}

func parseStatus(lines []string) ([]NodeStatus, error) {
	out := make([]NodeStatus, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, &util.ProtocolError{Line: line}
		}
		out = append(out, NodeStatus{Name: fields[0], PlugState: fields[1], NodeState: fields[2]})
	}
	return out, nil
}
