package outbox

import (
	"bytes"
	"fmt"
	"net/mail"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/threadmail/internal/models"
)

// Build renders an outbox row as a MIME message addressed to one recipient.
// The HTML body gets a plain-text alternative.
func Build(m *models.OutboundMail, to string) ([]byte, error) {
	from, err := mail.ParseAddress(m.EmailFrom)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.EmailFrom, err)
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	text, err := html2text.FromString(m.BodyHTML, html2text.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to convert body to text: %w", err)
	}

	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	builder := enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs([]mail.Address{*rcpt}).
		Subject(subject).
		Date(time.Now()).
		Text([]byte(text)).
		HTML([]byte(m.BodyHTML))
	if m.ReplyTo != "" {
		replyTo, err := mail.ParseAddress(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("invalid reply-to %q: %w", m.ReplyTo, err)
		}
		builder = builder.ReplyTo(replyTo.Name, replyTo.Address)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	if m.MessageIDHeader != "" {
		root.Header.Set("Message-Id", m.MessageIDHeader)
	}
	if m.References != "" {
		root.Header.Set("References", m.References)
		if root.Header.Get("In-Reply-To") == "" {
			root.Header.Set("In-Reply-To", m.References)
		}
	}
	for name, value := range m.Headers {
		root.Header.Set(name, value)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
