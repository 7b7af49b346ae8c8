package fetchmail

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
)

// connect dials the IMAP server with a 5-second timeout and logs in.
// useTLS is false only for tests.
func connect(server string, useTLS bool, username, password string) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	var c *client.Client
	var err error
	if useTLS {
		c, err = client.DialWithDialerTLS(dialer, server, nil)
	} else {
		c, err = client.DialWithDialer(dialer, server)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", server, err)
	}

	if err := c.Login(username, password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return c, nil
}
