// Package smtp holds the mail transports: the client that delivers outbound
// mail to the relay and the server that accepts inbound mail for the gateway.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const dialTimeout = 30 * time.Second

// Client delivers messages to one SMTP relay.
type Client struct {
	addr     string
	username string
	password string
	// StartTLS upgrades the connection before authenticating. The relay must
	// offer STARTTLS when it is set.
	StartTLS bool
	// TLSConfig is used for STARTTLS. Nil means verification against the
	// relay host name.
	TLSConfig *tls.Config
}

// NewClient creates a client for the relay at addr (host:port). Empty
// credentials skip authentication.
func NewClient(addr, username, password string) *Client {
	return &Client{addr: addr, username: username, password: password}
}

// Send delivers msg from the envelope sender to the envelope recipients.
func (c *Client) Send(ctx context.Context, from string, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP relay %s: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if c.StartTLS {
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig())
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer func() {
		_ = client.Close()
	}()

	if c.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", c.username, c.password)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return client.Quit()
}

func (c *Client) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	host, _, _ := net.SplitHostPort(c.addr)
	return &tls.Config{ServerName: host}
}
