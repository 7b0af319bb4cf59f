package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjthespian/powerman/pkg/util"
)

// fakeDaemon speaks the daemon's side of the line protocol, with control
// over how replies are segmented on the wire.
func fakeDaemon(t *testing.T, handle func(cmd string, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					handle(strings.TrimRight(scanner.Text(), "\r"), conn)
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestNamesCollectsUntilTerminalCode(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string, conn net.Conn) {
		if strings.HasPrefix(cmd, "names") {
			// Deliberately split the reply across writes with a pause:
			// the client must keep reading until the terminal code.
			fmt.Fprintf(conn, "101 n0\r\n")
			time.Sleep(50 * time.Millisecond)
			fmt.Fprintf(conn, "101 n1\r\n100 ok\r\n")
		}
	})
	c, err := Connect(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	names, err := c.Names("")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "n0" || names[1] != "n1" {
		t.Errorf("names %v", names)
	}
}

func TestStatusParsing(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string, conn net.Conn) {
		switch cmd {
		case "update plugs", "update nodes":
			fmt.Fprintf(conn, "101 n0 on unknown\r\n101 n1 off on\r\n100 ok\r\n")
		}
	})
	c, err := Connect(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	nodes, err := c.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes %v", nodes)
	}
	if nodes[0].Name != "n0" || nodes[0].PlugState != "on" || nodes[0].NodeState != "unknown" {
		t.Errorf("n0 parsed as %+v", nodes[0])
	}
}

func TestServerFailure(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string, conn net.Conn) {
		fmt.Fprintf(conn, "202 unknown command\r\n")
	})
	c, err := Connect(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.PowerOn("n0")
	if !errors.Is(err, util.ErrServerError) {
		t.Errorf("expected a server error, got %v", err)
	}
}

func TestMalformedReply(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string, conn net.Conn) {
		fmt.Fprintf(conn, "wat\r\n")
	})
	c, err := Connect(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Names("")
	var perr *util.ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("expected a protocol error, got %v", err)
	}
}

func TestPowerCommands(t *testing.T) {
	var mu sync.Mutex
	var got []string
	addr := fakeDaemon(t, func(cmd string, conn net.Conn) {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		fmt.Fprintf(conn, "100 ok\r\n")
	})
	c, err := Connect(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.PowerOff("rack1-.*"); err != nil {
		t.Fatal(err)
	}
	if err := c.PowerCycle("n0"); err != nil {
		t.Fatal(err)
	}
	if err := c.Reset("n1"); err != nil {
		t.Fatal(err)
	}
	want := []string{"off rack1-.*", "cycle n0", "reset n1"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("daemon saw %v, want %v", got, want)
	}
}
