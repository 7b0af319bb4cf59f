package device

import (
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// TransportKind selects how the device is reached.
type TransportKind int

const (
	TCP TransportKind = iota
	Telnet
	SSH
	// Proxy is another powerman daemon acting as intermediary; its replies
	// are positional 0/1 status vectors instead of per-plug text.
	Proxy
)

func (k TransportKind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case Telnet:
		return "telnet"
	case SSH:
		return "ssh"
	case Proxy:
		return "pmd"
	}
	return "invalid"
}

// ParseTransportKind maps a config string to a transport kind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "tcp", "":
		return TCP, nil
	case "telnet":
		return Telnet, nil
	case "ssh":
		return SSH, nil
	case "pmd", "proxy":
		return Proxy, nil
	}
	return TCP, fmt.Errorf("unknown transport %q", s)
}

// Dial opens a connection for the device's transport kind. It reads only the
// device's immutable identity fields, so the engine can run it off-loop.
func (d *Device) Dial(timeout time.Duration) (io.ReadWriteCloser, error) {
	addr := net.JoinHostPort(d.Host, d.Port)
	switch d.Kind {
	case TCP, Proxy:
		return net.DialTimeout("tcp", addr, timeout)
	case Telnet:
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, err
		}
		return &telnetConn{Conn: conn}, nil
	case SSH:
		return dialSSH(addr, d.User, d.Pass, timeout)
	}
	return nil, fmt.Errorf("unknown transport %d", d.Kind)
}

// Telnet protocol bytes we must strip or answer before script matching.
const (
	telnetIAC  = 255
	telnetDont = 254
	telnetDo   = 253
	telnetWont = 252
	telnetWill = 251
	telnetSB   = 250
	telnetSE   = 240
)

// telnetConn strips IAC negotiation from the read stream and refuses every
// option (WILL answered with DONT, DO with WONT) so the device falls back to
// plain NVT text.
type telnetConn struct {
	net.Conn
	iacState int // 0 plain, 1 after IAC, 2 after IAC+{DO,DONT,WILL,WONT}, 3 in subnegotiation
	iacCmd   byte
}

func (t *telnetConn) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	for {
		n, err := t.Conn.Read(raw)
		out := 0
		for _, b := range raw[:n] {
			switch t.iacState {
			case 0:
				if b == telnetIAC {
					t.iacState = 1
				} else {
					p[out] = b
					out++
				}
			case 1:
				switch b {
				case telnetIAC: // escaped 0xff data byte
					p[out] = b
					out++
					t.iacState = 0
				case telnetDo, telnetDont, telnetWill, telnetWont:
					t.iacCmd = b
					t.iacState = 2
				case telnetSB:
					t.iacState = 3
				default:
					t.iacState = 0
				}
			case 2:
				switch t.iacCmd {
				case telnetDo:
					t.Conn.Write([]byte{telnetIAC, telnetWont, b})
				case telnetWill:
					t.Conn.Write([]byte{telnetIAC, telnetDont, b})
				}
				t.iacState = 0
			case 3:
				if b == telnetSE {
					t.iacState = 0
				}
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
		// Everything read was negotiation; go back for real data.
	}
}

// sshConn adapts an interactive SSH session to the byte-stream interface the
// dialogue engine drives. The scripted dialogue runs over the session's
// requested PTY, same as it would over raw TCP.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func dialSSH(addr, user, pass string, timeout time.Duration) (io.ReadWriteCloser, error) {
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(pass),
		},
		// Power controllers live on a trusted management network and
		// rarely keep stable host keys across firmware resets.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s@%s: %w", user, addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO: 0,
	}
	if err := session.RequestPty("vt100", 24, 80, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("SSH pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("SSH shell: %w", err)
	}
	return &sshConn{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *sshConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *sshConn) Close() error {
	c.stdin.Close()
	c.session.Close()
	return c.client.Close()
}
