package mailparse

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var emailPattern = regexp.MustCompile(`[^\s<>"',;:()\[\]]+@[^\s<>"',;:()\[\]]+`)

// NormalizeEmail returns the lower-cased address part of a formatted address,
// or "" when none can be found.
func NormalizeEmail(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address)
	}
	if match := emailPattern.FindString(value); match != "" {
		return strings.ToLower(match)
	}
	return ""
}

// DisplayName returns the name part of a formatted address, or "" when it has none.
func DisplayName(value string) string {
	if addr, err := mail.ParseAddress(strings.TrimSpace(value)); err == nil {
		return addr.Name
	}
	return ""
}

// ExtractEmails finds every address in a free-form string.
func ExtractEmails(value string) []string {
	return emailPattern.FindAllString(value, -1)
}

// SplitAddress splits a normalized address into local part and domain.
func SplitAddress(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// FormatAddress renders "Name <email>", quoting the name when needed.
func FormatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}

// ParseMessageIDs extracts every <id> token from a Message-Id style header.
func ParseMessageIDs(header string) []string {
	return messageIDPattern.FindAllString(header, -1)
}

// GenerateMessageID builds a globally unique Message-Id of the form
// <random>.<timestamp>-<context>@<host>.
func GenerateMessageID(context, host string) string {
	if host == "" {
		host = "localhost"
	}
	if context == "" {
		context = "private"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("<%s.%d-%s@%s>", random, time.Now().UnixNano(), context, host)
}

// ThreadContext is the context part of generated Message-Ids for a record.
func ThreadContext(model string, resID int64) string {
	if model == "" || resID == 0 {
		return "private"
	}
	return fmt.Sprintf("%s-%d", model, resID)
}
