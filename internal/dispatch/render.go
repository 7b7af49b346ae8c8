package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/vdavid/threadmail/internal/models"
)

// RenderRequest is the input of one recipient group's email.
type RenderRequest struct {
	Message    *models.Message
	Record     *models.Record
	Group      string
	Recipients []models.Recipient
	AccessLink string
}

// Rendered is a rendered email.
type Rendered struct {
	Subject  string
	BodyHTML string
}

// Renderer produces the email sent to a recipient group.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Rendered, error)
}

var defaultLayout = template.Must(template.New("notification").Parse(`<div>
{{- .Body -}}
{{- if .AccessLink }}
<p><a href="{{ .AccessLink }}">View {{ if .RecordName }}{{ .RecordName }}{{ else }}the conversation{{ end }}</a></p>
{{- end }}
{{- if .RecordName }}
<p style="color:#888">You receive this because you follow {{ .RecordName }}.</p>
{{- end }}
</div>`))

// TemplateRenderer wraps the message body in a minimal HTML layout.
type TemplateRenderer struct{}

// Render implements Renderer.
func (TemplateRenderer) Render(_ context.Context, req RenderRequest) (*Rendered, error) {
	data := struct {
		Body       template.HTML
		AccessLink string
		RecordName string
	}{
		// Stored bodies are already HTML.
		Body:       template.HTML(req.Message.Body),
		AccessLink: req.AccessLink,
	}
	if req.Record != nil {
		data.RecordName = req.Record.Name
	}

	var buf bytes.Buffer
	if err := defaultLayout.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render notification: %w", err)
	}

	subject := req.Message.Subject
	if subject == "" && req.Record != nil {
		subject = req.Record.Name
	}
	if subject == "" {
		subject = "New message"
	}
	return &Rendered{Subject: subject, BodyHTML: buf.String()}, nil
}
