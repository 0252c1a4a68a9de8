package device

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

// cli drives a command/response conversation over an established
// transport. It owns a background reader feeding an in-memory buffer; the
// execute path polls that buffer until the device prompt reappears.
type cli struct {
	dialect dialect

	rw      io.ReadWriteCloser
	closeFn func() error // extra transport resources (ssh client conn)

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error

	enablePassword string
	enabled        bool
	closed         bool
}

func newCLI(rw io.ReadWriteCloser, closeFn func() error, dl dialect, enablePassword string) *cli {
	c := &cli{
		dialect:        dl,
		rw:             rw,
		closeFn:        closeFn,
		enablePassword: enablePassword,
	}
	go c.readLoop()
	return c
}

func (c *cli) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := c.rw.Read(chunk)
		c.mu.Lock()
		if n > 0 {
			c.buf.Write(chunk[:n])
		}
		if err != nil {
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// snapshot returns the accumulated output and any reader error
func (c *cli) snapshot() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.readErr
}

// drain discards accumulated output before issuing a command
func (c *cli) drain() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

func (c *cli) send(line string) error {
	if _, err := io.WriteString(c.rw, line+"\n"); err != nil {
		return fmt.Errorf("%w: write: %v", types.ErrTransport, err)
	}
	return nil
}

// collect polls the buffer every delay until the predicate matches,
// the transport dies, or the loop budget runs out.
func (c *cli) collect(until func(string) bool, delay time.Duration, maxLoops int) (string, error) {
	deadline := time.Now().Add(SessionTimeout)
	for i := 0; i < maxLoops; i++ {
		out, err := c.snapshot()
		if until(out) {
			return out, nil
		}
		if err != nil {
			if err == io.EOF {
				return out, fmt.Errorf("%w: connection closed by device", types.ErrTransport)
			}
			return out, fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(delay)
	}
	out, _ := c.snapshot()
	return out, fmt.Errorf("%w: no prompt after %s", types.ErrTimeout, time.Since(deadline.Add(-SessionTimeout)).Round(time.Millisecond))
}

// promptReached reports whether output ends with a CLI prompt. Cisco
// prompts end in '>' (user exec) or '#' (privileged exec).
func promptReached(out string) bool {
	trimmed := strings.TrimRight(out, " \r\n")
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	return last == '>' || last == '#'
}

// privileged reports whether the trailing prompt is the privileged one
func privileged(out string) bool {
	trimmed := strings.TrimRight(out, " \r\n")
	return trimmed != "" && trimmed[len(trimmed)-1] == '#'
}

// setup waits for the login banner to settle and disables pagination when
// the dialect supports it
func (c *cli) setup() error {
	if _, err := c.collect(promptReached, baseDelay, int(BannerTimeout/baseDelay)); err != nil {
		return err
	}
	if c.dialect.pagerOff != "" {
		c.drain()
		if err := c.send(c.dialect.pagerOff); err != nil {
			return err
		}
		if _, err := c.collect(promptReached, baseDelay, defaultMaxLoops); err != nil {
			return err
		}
	}
	return nil
}

// enterEnable escalates to privileged mode. Idempotent within a session.
func (c *cli) enterEnable() error {
	if c.enabled || c.enablePassword == "" {
		return nil
	}
	out, _ := c.snapshot()
	if privileged(out) {
		c.enabled = true
		return nil
	}

	c.drain()
	if err := c.send("enable"); err != nil {
		return err
	}
	out, err := c.collect(func(s string) bool {
		return strings.Contains(strings.ToLower(s), "password") || privileged(s)
	}, baseDelay, defaultMaxLoops)
	if err != nil {
		return err
	}
	if !privileged(out) {
		c.drain()
		if err := c.send(c.enablePassword); err != nil {
			return err
		}
		out, err = c.collect(promptReached, baseDelay, defaultMaxLoops)
		if err != nil {
			return err
		}
		if !privileged(out) {
			return fmt.Errorf("%w: enable password rejected", types.ErrAuth)
		}
	}
	c.enabled = true
	return nil
}

// Execute issues one command and returns cleaned output
func (c *cli) Execute(command string) (string, error) {
	if c.closed {
		return "", fmt.Errorf("%w: session closed", types.ErrTransport)
	}

	// Privileged mode is required for show commands when an enable
	// password is configured
	if strings.HasPrefix(command, "show") && c.enablePassword != "" {
		if err := c.enterEnable(); err != nil {
			return "", err
		}
	}

	delay := 2 * baseDelay
	maxLoops := defaultMaxLoops
	if strings.HasPrefix(strings.ToLower(command), "show running-config") {
		// Large configs page out slowly; widen the window
		delay = 4 * baseDelay
		maxLoops = extendedMaxLoops
	}

	c.drain()
	if err := c.send(command); err != nil {
		return "", err
	}

	out, err := c.collect(promptReached, delay, maxLoops)
	if err != nil {
		return "", err
	}
	return cleanOutput(out, command), nil
}

// Close releases transport resources. Idempotent.
func (c *cli) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rw.Close()
	if c.closeFn != nil {
		if cerr := c.closeFn(); err == nil {
			err = cerr
		}
	}
	return err
}

// cleanOutput strips the echoed command, the trailing prompt line, and
// pager artifacts from captured output
func cleanOutput(out, command string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")

	lines := strings.Split(out, "\n")
	cleaned := make([]string, 0, len(lines))
	for i, line := range lines {
		// echoed command, usually the first non-empty line
		if i < 2 && strings.TrimSpace(line) == strings.TrimSpace(command) {
			continue
		}
		if isPagerArtifact(line) {
			continue
		}
		cleaned = append(cleaned, line)
	}

	// trailing prompt line
	for len(cleaned) > 0 {
		last := strings.TrimSpace(cleaned[len(cleaned)-1])
		if last == "" || strings.HasSuffix(last, ">") || strings.HasSuffix(last, "#") {
			cleaned = cleaned[:len(cleaned)-1]
			continue
		}
		break
	}

	return strings.TrimLeft(strings.Join(cleaned, "\n"), "\n")
}

func isPagerArtifact(line string) bool {
	s := strings.TrimSpace(strings.Trim(line, "\b \x08"))
	return s == "--More--" || s == "--more--" || strings.HasPrefix(s, "--More--")
}
