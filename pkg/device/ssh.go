package device

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netsnap/netsnap/pkg/types"
)

// sshPipe adapts an ssh shell session's stdio to io.ReadWriteCloser
type sshPipe struct {
	io.Reader
	io.WriteCloser
	session *ssh.Session
}

func (p *sshPipe) Close() error {
	p.WriteCloser.Close()
	return p.session.Close()
}

// openSSH dials the device, authenticates with password auth, and starts an
// interactive shell with a pty so the CLI behaves as it would for a human
// operator.
func openSSH(dev *types.Device, creds Credentials, dl dialect) (Session, error) {
	addr := net.JoinHostPort(dev.IPAddress, strconv.Itoa(dev.Port))

	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s: %v", types.ErrTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrUnreachable, addr, err)
	}

	cfg := &ssh.ClientConfig{
		User: dev.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		},
		// Network gear rarely has stable host keys worth pinning; the
		// operator trusts the management network.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ConnectTimeout,
	}
	// Older IOS images negotiate only legacy algorithms
	cfg.KeyExchanges = append(cfg.KeyExchanges,
		"diffie-hellman-group14-sha1", "diffie-hellman-group1-sha1")
	cfg.Ciphers = append(cfg.Ciphers, "aes128-cbc", "3des-cbc")

	// Bound the handshake the way teleport's NewClientConnWithDeadline
	// does: a deadline on the raw conn, cleared once authenticated
	if err := conn.SetDeadline(time.Now().Add(AuthTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifySSHError(err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: session: %v", types.ErrTransport, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("vt100", 0, 512, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: pty: %v", types.ErrTransport, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdin: %v", types.ErrTransport, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdout: %v", types.ErrTransport, err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: shell: %v", types.ErrTransport, err)
	}

	pipe := &sshPipe{Reader: stdout, WriteCloser: stdin, session: session}
	c := newCLI(pipe, client.Close, dl, creds.EnablePassword)

	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func classifySSHError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", types.ErrAuth, err)
	case isTimeout(err):
		return fmt.Errorf("%w: handshake: %v", types.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: handshake: %v", types.ErrTransport, err)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
