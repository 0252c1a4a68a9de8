/*
Package device implements authenticated CLI sessions to network devices
over SSH and Telnet.

A Session wraps one interactive shell to one device. Open negotiates the
transport per the device protocol, authenticates with the decrypted
password, waits for the banner to settle, and disables pagination when the
device type supports it. Execute issues a single command and returns its
output; show commands escalate to privileged mode first when an enable
password is configured.

The read loop polls an in-memory buffer fed by a background reader until
the device prompt reappears. show running-config uses a 4x poll interval
and an extended loop budget because large configs trickle out slowly;
everything else uses 2x.

Sessions are not safe for concurrent Execute. The connection pool
(pkg/connpool) serializes access per device.

Error classification: dial failures map to types.ErrUnreachable or
types.ErrTimeout, handshake/credential rejections to types.ErrAuth, and
everything else on an open transport to types.ErrTransport.
*/
package device
