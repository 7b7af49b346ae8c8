package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMessage is one message accepted by the memory backend.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
	// TLS is set when the message arrived over STARTTLS.
	TLS bool
}

// MemoryBackend is a simple in-memory SMTP backend for testing.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	username string
	password string
	// RejectRcpt makes every RCPT TO fail when set.
	RejectRcpt bool
}

// NewMemoryBackend creates a new in-memory SMTP backend accepting the given
// PLAIN credentials.
func NewMemoryBackend(username, password string) *MemoryBackend {
	return &MemoryBackend{username: username, password: password}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b, conn: conn}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// ClearMessages clears all stored messages.
func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

type memorySession struct {
	backend *MemoryBackend
	conn    *smtp.Conn
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.RejectRcpt {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	_, isTLS := s.conn.TLSConnectionState()
	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
		TLS:  isTLS,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server   *smtp.Server
	Address  string
	Backend  *MemoryBackend
	username string
	password string
}

// NewTestSMTPServer starts an SMTP server with an in-memory backend on a
// random local port. It is closed when the test finishes.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()
	return ServeSMTP(t, NewMemoryBackend("test-user", "test-pass"))
}

// NewTestSMTPServerTLS is NewTestSMTPServer offering STARTTLS with a
// self-signed certificate for 127.0.0.1. The returned pool trusts it.
func NewTestSMTPServerTLS(t *testing.T) (*TestSMTPServer, *x509.CertPool) {
	t.Helper()
	cert, pool := selfSignedCert(t)
	server := serveSMTP(t, NewMemoryBackend("test-user", "test-pass"), &tls.Config{Certificates: []tls.Certificate{cert}})
	return server, pool
}

// ServeSMTP serves any backend on a random local port for the duration of the test.
func ServeSMTP(t *testing.T, be smtp.Backend) *TestSMTPServer {
	t.Helper()
	return serveSMTP(t, be, nil)
}

func serveSMTP(t *testing.T, be smtp.Backend, tlsConfig *tls.Config) *TestSMTPServer {
	t.Helper()

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	s.TLSConfig = tlsConfig

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Failed to close SMTP server: %v", err)
		}
	})

	server := &TestSMTPServer{Server: s, Address: listener.Addr().String()}
	if mb, ok := be.(*MemoryBackend); ok {
		server.Backend = mb
		server.username = mb.username
		server.password = mb.password
	}
	return server
}

// Username returns the test username.
func (s *TestSMTPServer) Username() string {
	return s.username
}

// Password returns the test password.
func (s *TestSMTPServer) Password() string {
	return s.password
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}
