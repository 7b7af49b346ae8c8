package router

import (
	"slices"
	"strconv"
	"strings"

	"github.com/vdavid/threadmail/internal/mailparse"
)

// Bounce describes a delivery failure report.
type Bounce struct {
	// MailID is the outbound mail encoded in the bounce address, or zero.
	MailID int64
	// Recipients are the addresses that could not be delivered.
	Recipients []string
	// ReferencedMessageID is the Message-Id of the failed mail, when found.
	ReferencedMessageID string
	Reason              string
}

var daemonSenders = []string{"mailer-daemon", "postmaster"}

// BounceAddress returns the envelope sender used for an outbound mail, so
// that failure reports identify it: <bounce>+<mailID>@<domain>.
func BounceAddress(bounceAlias, domain string, mailID int64) string {
	if domain == "" {
		return ""
	}
	return bounceAlias + "+" + strconv.FormatInt(mailID, 10) + "@" + domain
}

// detectBounce reports a bounce when an envelope recipient is the bounce
// mailbox, the message is a delivery status report, or it comes from a mail daemon.
func (r *Router) detectBounce(email *mailparse.Email, recipients []string) *Bounce {
	var mailID int64
	matched := false
	for _, addr := range recipients {
		local, _ := mailparse.SplitAddress(addr)
		if local == r.cfg.BounceAlias {
			matched = true
			continue
		}
		if suffix, ok := strings.CutPrefix(local, r.cfg.BounceAlias+"+"); ok {
			matched = true
			if id, err := strconv.ParseInt(suffix, 10, 64); err == nil && mailID == 0 {
				mailID = id
			}
		}
	}

	if !matched && !email.IsDeliveryReport() && !isDaemon(email.FromAddress) {
		return nil
	}

	bounce := &Bounce{
		MailID:     mailID,
		Recipients: email.FinalRecipients,
		Reason:     email.Subject,
	}
	if len(email.EmbeddedMessageIDs) > 0 {
		bounce.ReferencedMessageID = email.EmbeddedMessageIDs[0]
	} else if chain := email.ReferenceChain(); len(chain) > 0 {
		bounce.ReferencedMessageID = chain[0]
	}
	return bounce
}

func isDaemon(addr string) bool {
	local, _ := mailparse.SplitAddress(addr)
	return slices.Contains(daemonSenders, local)
}
