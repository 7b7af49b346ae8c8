// Package mailparse turns raw RFC 5322 messages into the fields the router
// needs, and holds the address and Message-Id helpers shared by the inbound
// and outbound paths.
package mailparse

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Attachment is an attachment triple as it arrives with an inbound email.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
	ContentID   string
}

// Email is a parsed inbound message.
type Email struct {
	MessageID     string
	InReplyTo     string
	References    []string
	From          string
	FromAddress   string
	FromName      string
	To            []string
	Cc            []string
	DeliveredTo   []string
	ResentTo      []string
	ResentCc      []string
	ReturnPath    string
	Date          *time.Time
	Subject       string
	ContentType   string
	ReportType    string
	AutoSubmitted string
	BodyHTML      string
	BodyText      string
	Attachments   []Attachment

	// FinalRecipients lists the addresses reported as failed in a delivery status report.
	FinalRecipients []string
	// EmbeddedMessageIDs lists Message-Ids of messages quoted inside a report.
	EmbeddedMessageIDs []string
}

var (
	messageIDPattern       = regexp.MustCompile(`<[^<>\s]+>`)
	finalRecipientPattern  = regexp.MustCompile(`(?im)^(?:Final|Original)-Recipient:\s*rfc822;\s*<?([^\s<>]+@[^\s<>]+)>?`)
	headerMessageIDPattern = regexp.MustCompile(`(?im)^Message-Id:\s*(<[^<>\s]+>)`)
)

// Parse reads a raw message.
func Parse(r io.Reader) (*Email, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return ParseBytes(raw)
}

// ParseBytes parses a raw message held in memory.
func ParseBytes(raw []byte) (*Email, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse email: %w", err)
	}

	email := &Email{
		MessageID:     strings.TrimSpace(envelope.GetHeader("Message-Id")),
		Subject:       envelope.GetHeader("Subject"),
		From:          envelope.GetHeader("From"),
		ReturnPath:    NormalizeEmail(envelope.GetHeader("Return-Path")),
		AutoSubmitted: strings.ToLower(strings.TrimSpace(envelope.GetHeader("Auto-Submitted"))),
		To:            addressList(envelope, "To"),
		Cc:            addressList(envelope, "Cc"),
		ResentTo:      addressList(envelope, "Resent-To"),
		ResentCc:      addressList(envelope, "Resent-Cc"),
	}

	if ids := ParseMessageIDs(envelope.GetHeader("In-Reply-To")); len(ids) > 0 {
		email.InReplyTo = ids[0]
	}
	email.References = ParseMessageIDs(envelope.GetHeader("References"))

	for _, value := range envelope.GetHeaderValues("Delivered-To") {
		if addr := NormalizeEmail(value); addr != "" {
			email.DeliveredTo = append(email.DeliveredTo, addr)
		}
	}

	if from, err := envelope.AddressList("From"); err == nil && len(from) > 0 {
		email.FromAddress = strings.ToLower(from[0].Address)
		email.FromName = from[0].Name
	} else {
		email.FromAddress = NormalizeEmail(email.From)
	}

	if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
		email.Date = &date
	}

	if mediaType, params, err := mime.ParseMediaType(envelope.GetHeader("Content-Type")); err == nil {
		email.ContentType = strings.ToLower(mediaType)
		email.ReportType = strings.ToLower(params["report-type"])
	}

	email.BodyHTML = envelope.HTML
	email.BodyText = envelope.Text
	if email.BodyHTML == "" && email.BodyText != "" {
		email.BodyHTML = strings.ReplaceAll(html.EscapeString(email.BodyText), "\n", "<br>")
	}

	for _, part := range append(envelope.Attachments, envelope.Inlines...) {
		email.Attachments = append(email.Attachments, Attachment{
			Filename:    part.FileName,
			Content:     part.Content,
			ContentType: part.ContentType,
			ContentID:   strings.Trim(part.ContentID, "<>"),
		})
	}

	if email.IsDeliveryReport() {
		email.FinalRecipients = finalRecipients(raw)
		email.EmbeddedMessageIDs = embeddedMessageIDs(raw, email.MessageID)
	}

	return email, nil
}

// IsDeliveryReport reports whether the message is a multipart delivery status notification.
func (e *Email) IsDeliveryReport() bool {
	return e.ContentType == "multipart/report" && e.ReportType == "delivery-status"
}

// Recipients returns the normalized envelope recipients from To, Cc,
// Delivered-To, Resent-To and Resent-Cc, without duplicates, in header order.
func (e *Email) Recipients() []string {
	seen := make(map[string]bool)
	var result []string
	for _, group := range [][]string{e.To, e.Cc, e.DeliveredTo, e.ResentTo, e.ResentCc} {
		for _, value := range group {
			addr := NormalizeEmail(value)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			result = append(result, addr)
		}
	}
	return result
}

// ReferenceChain returns the Message-Ids this email replies to, most specific first:
// In-Reply-To, then References from the newest to the oldest.
func (e *Email) ReferenceChain() []string {
	seen := make(map[string]bool)
	var chain []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			chain = append(chain, id)
		}
	}
	add(e.InReplyTo)
	for i := len(e.References) - 1; i >= 0; i-- {
		add(e.References[i])
	}
	return chain
}

// addressList formats the addresses of a header, skipping unparsable ones.
func addressList(envelope *enmime.Envelope, header string) []string {
	addresses, err := envelope.AddressList(header)
	if err != nil && len(addresses) == 0 {
		if raw := envelope.GetHeader(header); raw != "" {
			return ExtractEmails(raw)
		}
		return nil
	}
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if address == nil || address.Address == "" {
			continue
		}
		result = append(result, FormatAddress(address.Name, address.Address))
	}
	return result
}

func finalRecipients(raw []byte) []string {
	seen := make(map[string]bool)
	var result []string
	for _, match := range finalRecipientPattern.FindAllSubmatch(raw, -1) {
		addr := strings.ToLower(string(match[1]))
		if !seen[addr] {
			seen[addr] = true
			result = append(result, addr)
		}
	}
	return result
}

func embeddedMessageIDs(raw []byte, outer string) []string {
	var result []string
	for _, match := range headerMessageIDPattern.FindAllSubmatch(raw, -1) {
		id := string(match[1])
		if id != outer {
			result = append(result, id)
		}
	}
	return result
}
