package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

// Telnet protocol bytes (RFC 854)
const (
	telnetIAC  = 255
	telnetDONT = 254
	telnetDO   = 253
	telnetWONT = 252
	telnetWILL = 251
)

// telnetConn filters IAC option negotiation out of the byte stream,
// refusing every option the device proposes. Network gear degrades to a
// plain NVT happily.
type telnetConn struct {
	net.Conn
}

func (t *telnetConn) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	for {
		n, err := t.Conn.Read(raw)
		if n == 0 {
			return 0, err
		}

		out := 0
		i := 0
		for i < n {
			b := raw[i]
			if b != telnetIAC {
				p[out] = b
				out++
				i++
				continue
			}
			if i+1 >= n {
				i = n
				break
			}
			cmd := raw[i+1]
			switch cmd {
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				if i+2 < n {
					t.refuse(cmd, raw[i+2])
				}
				i += 3
			case telnetIAC:
				// escaped 0xff data byte
				p[out] = telnetIAC
				out++
				i += 2
			default:
				i += 2
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
		// consumed only negotiation, read again
	}
}

func (t *telnetConn) refuse(cmd, opt byte) {
	var reply byte
	switch cmd {
	case telnetDO:
		reply = telnetWONT
	case telnetWILL:
		reply = telnetDONT
	default:
		return
	}
	t.Conn.Write([]byte{telnetIAC, reply, opt})
}

// openTelnet dials the device over raw TCP, walks the login/password
// prompts, and hands the stream to the shared CLI driver
func openTelnet(dev *types.Device, creds Credentials, dl dialect) (Session, error) {
	port := dev.Port
	if port == 0 || port == 22 {
		port = 23
	}
	addr := net.JoinHostPort(dev.IPAddress, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s: %v", types.ErrTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrUnreachable, addr, err)
	}
	conn.SetDeadline(time.Now().Add(AuthTimeout))

	c := newCLI(&telnetConn{Conn: conn}, nil, dl, creds.EnablePassword)

	if err := telnetLogin(c, dev.Username, creds.Password); err != nil {
		c.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func telnetLogin(c *cli, username, password string) error {
	// Username prompt: "Username:" or "login:"
	out, err := c.collect(func(s string) bool {
		low := strings.ToLower(s)
		return strings.Contains(low, "username:") || strings.Contains(low, "login:") ||
			strings.Contains(low, "password:")
	}, baseDelay, int(BannerTimeout/baseDelay))
	if err != nil {
		return err
	}

	if low := strings.ToLower(out); strings.Contains(low, "username:") || strings.Contains(low, "login:") {
		c.drain()
		if err := c.send(username); err != nil {
			return err
		}
		if _, err := c.collect(func(s string) bool {
			return strings.Contains(strings.ToLower(s), "password:")
		}, baseDelay, defaultMaxLoops); err != nil {
			return err
		}
	}

	c.drain()
	if err := c.send(password); err != nil {
		return err
	}

	out, err = c.collect(func(s string) bool {
		return promptReached(s) || loginRejected(s)
	}, baseDelay, defaultMaxLoops)
	if err != nil {
		return err
	}
	if loginRejected(out) {
		return fmt.Errorf("%w: login rejected", types.ErrAuth)
	}
	return nil
}

func loginRejected(out string) bool {
	low := strings.ToLower(out)
	return strings.Contains(low, "login invalid") ||
		strings.Contains(low, "authentication failed") ||
		strings.Contains(low, "access denied") ||
		strings.Contains(low, "bad passwords")
}
