package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sjthespian/powerman/pkg/device"
	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// Client protocol constants. Replies are CRLF-terminated lines prefixed with
// a three-digit code: 101 carries a data line with more to follow, 100 is
// the terminal success line, 2xx is a terminal failure. A client reads until
// it sees a terminal code, so multi-line replies can never be split.
const (
	EOL = "\r\n"

	RspOK      = 100
	RspData    = 101
	RspError   = 201
	RspUnknown = 202
)

// Listener accepts client connections and speaks the line protocol. It
// implements ClientHooks: the dispatcher asks it whether a client is still
// around and hands it completed actions to encode and deliver.
type Listener struct {
	engine *Engine
	ln     net.Listener

	mu      sync.Mutex
	clients map[string]*clientConn
	nextID  int64
	closed  atomic.Bool
}

type clientConn struct {
	id   string
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

// NewListener binds the client port and wires itself into the engine.
func NewListener(e *Engine, addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		engine:  e,
		ln:      ln,
		clients: make(map[string]*clientConn),
	}
	e.SetClientHooks(l)
	return l, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts clients until Close.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			util.Logger.Warnf("client accept: %v", err)
			continue
		}
		go l.handleConn(conn)
	}
}

// Close stops accepting and drops all clients.
func (l *Listener) Close() error {
	l.closed.Store(true)
	err := l.ln.Close()
	l.mu.Lock()
	for _, c := range l.clients {
		c.conn.Close()
	}
	l.mu.Unlock()
	return err
}

func (l *Listener) handleConn(conn net.Conn) {
	l.mu.Lock()
	l.nextID++
	c := &clientConn{id: fmt.Sprintf("client-%d", l.nextID), conn: conn}
	l.clients[c.id] = c
	l.mu.Unlock()

	log := util.WithClient(c.id)
	log.Infof("connected from %s", conn.RemoteAddr())
	defer func() {
		l.mu.Lock()
		delete(l.clients, c.id)
		l.mu.Unlock()
		conn.Close()
		log.Info("disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line), "quit") {
			c.writeLine(RspOK, "goodbye")
			return
		}
		act, err := parseCommand(line)
		if err != nil {
			act = device.NewAction(script.CmdError)
		}
		act.ClientID = c.id
		l.engine.Submit(act)
	}
}

// parseCommand maps one request line onto an action.
func parseCommand(line string) (*device.Action, error) {
	fields := strings.Fields(line)
	verb := strings.ToLower(fields[0])
	rest := strings.Join(fields[1:], " ")
	targeted := func(com script.CommandKind) (*device.Action, error) {
		if rest == "" {
			return nil, util.ErrUnknownCommand
		}
		act := device.NewAction(com)
		act.Target = rest
		return act, nil
	}
	switch verb {
	case "login":
		return device.NewAction(script.CmdLogin), nil
	case "check":
		return device.NewAction(script.CmdCheckLogin), nil
	case "logout":
		return device.NewAction(script.CmdLogout), nil
	case "update":
		switch strings.ToLower(rest) {
		case "plugs":
			return device.NewAction(script.CmdUpdatePlugs), nil
		case "nodes":
			return device.NewAction(script.CmdUpdateNodes), nil
		}
		return nil, util.ErrUnknownCommand
	case "on":
		return targeted(script.CmdPowerOn)
	case "off":
		return targeted(script.CmdPowerOff)
	case "cycle":
		return targeted(script.CmdPowerCycle)
	case "reset":
		return targeted(script.CmdReset)
	case "names":
		if rest == "" {
			rest = ".*"
		}
		act := device.NewAction(script.CmdNames)
		act.Target = rest
		return act, nil
	}
	return nil, util.ErrUnknownCommand
}

// Exists implements ClientHooks.
func (l *Listener) Exists(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.clients[clientID]
	return ok
}

// Reply implements ClientHooks: encode the completed action's result and
// deliver it. Called on the engine goroutine, so cluster state reads here
// are safe.
func (l *Listener) Reply(act *device.Action) {
	l.mu.Lock()
	c := l.clients[act.ClientID]
	l.mu.Unlock()
	if c == nil {
		return
	}
	switch act.Com {
	case script.CmdError:
		c.writeLine(RspUnknown, "unknown command")
	case script.CmdLogin, script.CmdCheckLogin:
		c.writeLine(RspOK, "ok")
	case script.CmdLogout:
		c.writeLine(RspOK, "goodbye")
		c.conn.Close()
	case script.CmdNames:
		for _, name := range l.engine.Cluster().NodesMatching(act.Target) {
			c.writeLine(RspData, name)
		}
		c.writeLine(RspOK, "ok")
	case script.CmdUpdatePlugs, script.CmdUpdateNodes:
		for _, n := range l.engine.Cluster().Nodes() {
			c.writeLine(RspData, fmt.Sprintf("%s %s %s", n.Name, n.PState, n.NState))
		}
		c.writeLine(RspOK, "ok")
	default:
		c.writeLine(RspOK, "ok")
	}
}

func (c *clientConn) writeLine(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.conn, "%d %s%s", code, text, EOL)
}
