package device

import (
	"fmt"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

// Session timeouts, in line with what field gear tolerates. Large chassis
// can take tens of seconds to present a banner over a loaded mgmt network.
const (
	ConnectTimeout = 60 * time.Second
	AuthTimeout    = 60 * time.Second
	BannerTimeout  = 30 * time.Second
	SessionTimeout = 120 * time.Second
)

// Read-loop pacing. A "delay factor" multiplies the base poll interval;
// show running-config uses the extended window because paginated or slow
// output on big configs trickles in for a long time.
const (
	baseDelay        = 100 * time.Millisecond
	defaultMaxLoops  = 500
	extendedMaxLoops = 2000
)

// Credentials carries decrypted secrets for one session. Callers obtain
// them from the vault; they never touch persistent storage in clear.
type Credentials struct {
	Password       string
	EnablePassword string
}

// Session is a single authenticated CLI to one device. A Session is not
// safe for concurrent Execute; the connection pool serializes access.
type Session interface {
	// Execute issues one command and returns its output as a single string
	// with pager artifacts removed where detectable.
	Execute(command string) (string, error)
	// Close releases transport resources. Idempotent.
	Close() error
}

// Dialer opens sessions. The production implementation speaks SSH and
// Telnet; tests substitute fakes.
type Dialer interface {
	Open(dev *types.Device, creds Credentials) (Session, error)
}

// dialect describes how a device type's CLI behaves
type dialect struct {
	pagerOff string // command that disables pagination, empty if unsupported
	telnet   bool   // type requires the telnet transport
}

// The closed set of recognized device types
var dialects = map[string]dialect{
	"cisco_ios":        {pagerOff: "terminal length 0"},
	"cisco_xe":         {pagerOff: "terminal length 0"},
	"cisco_nxos":       {pagerOff: "terminal length 0"},
	"cisco_ios_telnet": {pagerOff: "terminal length 0", telnet: true},
}

// SupportedType reports whether the device type tag is recognized
func SupportedType(deviceType string) bool {
	_, ok := dialects[deviceType]
	return ok
}

// netDialer is the production Dialer
type netDialer struct{}

// NewDialer returns the standard SSH/Telnet dialer
func NewDialer() Dialer {
	return netDialer{}
}

// Open establishes an authenticated session per the device protocol. The
// telnet protocol routes through the telnet-capable handler regardless of
// the declared type tag.
func (netDialer) Open(dev *types.Device, creds Credentials) (Session, error) {
	dl, ok := dialects[dev.DeviceType]
	if !ok {
		return nil, fmt.Errorf("unknown device type %q", dev.DeviceType)
	}

	if dev.Protocol == types.ProtocolTelnet || dl.telnet {
		return openTelnet(dev, creds, dialects["cisco_ios_telnet"])
	}
	return openSSH(dev, creds, dl)
}
