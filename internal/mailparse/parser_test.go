package mailparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n")
}

func TestParseBytes(t *testing.T) {
	t.Run("parses headers, recipients and references", func(t *testing.T) {
		raw := crlf(`
From: "Jane Customer" <Jane@Customer.example>
To: support@example.com, "Sales" <sales@example.com>
Cc: boss@example.com
Delivered-To: support@example.com
Subject: Printer on fire
Message-Id: <abc.123@customer.example>
In-Reply-To: <parent@example.com>
References: <root@example.com> <parent@example.com>
Date: Mon, 02 Jan 2006 15:04:05 -0700
Content-Type: text/plain; charset=utf-8

Please help <now>.
Tom & "Jerry"
`)
		email, err := ParseBytes([]byte(raw))
		require.NoError(t, err)

		assert.Equal(t, "<abc.123@customer.example>", email.MessageID)
		assert.Equal(t, "jane@customer.example", email.FromAddress)
		assert.Equal(t, "Jane Customer", email.FromName)
		assert.Equal(t, "Printer on fire", email.Subject)
		assert.Equal(t, "<parent@example.com>", email.InReplyTo)
		assert.Equal(t, []string{"<root@example.com>", "<parent@example.com>"}, email.References)
		assert.NotNil(t, email.Date)
		assert.Contains(t, email.BodyText, "Please help <now>.")
		assert.Contains(t, email.BodyHTML, "Please help &lt;now&gt;.")
		assert.Contains(t, email.BodyHTML, "<br>Tom &amp; &#34;Jerry&#34;")

		assert.Equal(t,
			[]string{"support@example.com", "sales@example.com", "boss@example.com"},
			email.Recipients(),
			"recipients are normalized and deduplicated")
		assert.Equal(t,
			[]string{"<parent@example.com>", "<root@example.com>"},
			email.ReferenceChain())
		assert.False(t, email.IsDeliveryReport())
	})

	t.Run("keeps attachments with content ids", func(t *testing.T) {
		raw := crlf(`
From: a@example.com
To: b@example.com
Subject: with image
Message-Id: <img@example.com>
MIME-Version: 1.0
Content-Type: multipart/related; boundary="XX"

--XX
Content-Type: text/html; charset=utf-8

<p><img src="cid:logo@x"></p>
--XX
Content-Type: image/png
Content-Disposition: inline; filename="logo.png"
Content-ID: <logo@x>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--XX--
`)
		email, err := ParseBytes([]byte(raw))
		require.NoError(t, err)
		require.Len(t, email.Attachments, 1)
		assert.Equal(t, "logo.png", email.Attachments[0].Filename)
		assert.Equal(t, "logo@x", email.Attachments[0].ContentID)
		assert.Contains(t, email.BodyHTML, "cid:logo@x")
	})

	t.Run("detects delivery status reports", func(t *testing.T) {
		raw := crlf(`
From: Mail Delivery System <MAILER-DAEMON@mx.example.com>
To: bounce+42@example.com
Subject: Undelivered Mail Returned to Sender
Message-Id: <dsn.1@mx.example.com>
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="B"

--B
Content-Type: text/plain

Your message could not be delivered.
--B
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.com

Final-Recipient: rfc822; Gone@Customer.example
Action: failed
Status: 5.1.1
--B
Content-Type: text/rfc822-headers

Message-Id: <original.1@example.com>
Subject: Re: Printer on fire
--B--
`)
		email, err := ParseBytes([]byte(raw))
		require.NoError(t, err)
		assert.True(t, email.IsDeliveryReport())
		assert.Equal(t, []string{"gone@customer.example"}, email.FinalRecipients)
		assert.Equal(t, []string{"<original.1@example.com>"}, email.EmbeddedMessageIDs)
	})
}

func TestNormalizeEmail(t *testing.T) {
	tests := map[string]string{
		"":                               "",
		"John@Example.com":               "john@example.com",
		`"Doe, John" <John@Example.com>`: "john@example.com",
		"<bounce@example.com>":           "bounce@example.com",
		"broken <x@y.example":            "x@y.example",
		"no address here":                "",
	}
	for input, expected := range tests {
		assert.Equal(t, expected, NormalizeEmail(input), "input %q", input)
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain := SplitAddress("support+tag@example.com")
	assert.Equal(t, "support+tag", local)
	assert.Equal(t, "example.com", domain)

	local, domain = SplitAddress("nodomain")
	assert.Equal(t, "nodomain", local)
	assert.Equal(t, "", domain)
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "a@example.com", FormatAddress("", "a@example.com"))
	assert.Equal(t, `"Doe, John" <john@example.com>`, FormatAddress("Doe, John", "john@example.com"))
}

func TestGenerateMessageID(t *testing.T) {
	first := GenerateMessageID(ThreadContext("ticket", 7), "example.com")
	second := GenerateMessageID(ThreadContext("ticket", 7), "example.com")

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "<"))
	assert.True(t, strings.HasSuffix(first, "-ticket-7@example.com>"), first)
	assert.Equal(t, []string{first}, ParseMessageIDs(first))

	assert.True(t, strings.HasSuffix(GenerateMessageID(ThreadContext("", 0), ""), "-private@localhost>"))
}
