package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/router"
	"go.uber.org/zap"
)

// Processor routes one raw inbound email.
type Processor interface {
	Process(ctx context.Context, raw []byte, opts router.Options) (*router.Result, error)
}

// ServerConfig configures the inbound receiver.
type ServerConfig struct {
	Addr string
	// Domain is the mail domain accepted in RCPT TO. Empty accepts any domain.
	Domain          string
	MaxMessageBytes int64
	// LMTP serves LMTP instead of SMTP, for delivery from a local MTA.
	LMTP bool
}

// NewServer creates an inbound server feeding the processor.
func NewServer(cfg ServerConfig, processor Processor) *smtp.Server {
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 25 << 20
	}
	s := smtp.NewServer(&Backend{domain: strings.ToLower(cfg.Domain), processor: processor})
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.LMTP = cfg.LMTP
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = 100
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	return s
}

// Backend creates a session per inbound connection.
type Backend struct {
	domain    string
	processor Processor
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b, remote: conn.Conn().RemoteAddr().String()}, nil
}

type session struct {
	backend *Backend
	remote  string
	from    string
	to      []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr := mailparse.NormalizeEmail(to)
	if _, domain := mailparse.SplitAddress(addr); s.backend.domain != "" && domain != s.backend.domain {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Relaying denied",
		}
	}
	s.to = append(s.to, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	result, err := s.backend.processor.Process(context.Background(), raw, router.Options{EnvelopeRecipients: s.to})
	if err != nil {
		logger.Log.Warn("inbound_smtp_rejected",
			zap.String("remote", s.remote),
			zap.String("from", s.from),
			zap.Strings("to", s.to),
			zap.Error(err))
		var routingErr *router.RoutingError
		if errors.As(err, &routingErr) {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No route for recipient",
			}
		}
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}

	logger.Log.Info("inbound_smtp_accepted",
		zap.String("remote", s.remote),
		zap.String("message_id", result.MessageID),
		zap.Int("messages", len(result.Messages)))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
