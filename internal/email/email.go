// Package email reads unread mail over IMAP and sends Markdown mail
// over SMTP for the assistant's heartbeat, briefing and email tools.
package email

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// ErrNotConfigured is returned when the IMAP or SMTP side of the
// account has no host.
var ErrNotConfigured = errors.New("email not configured")

// Envelope is the summary metadata for an email message.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	Subject string
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

// summaryShown caps how many envelopes a summary lists.
const summaryShown = 5

// FormatSummary renders unread envelopes as the short text block used
// in heartbeat context and the check_email tool.
func FormatSummary(envs []Envelope) string {
	if len(envs) == 0 {
		return "No unread emails."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d unread:", len(envs))
	for i, e := range envs {
		if i == summaryShown {
			fmt.Fprintf(&b, "\n- ...and %d more", len(envs)-summaryShown)
			break
		}
		from, subject := e.From, e.Subject
		if from == "" {
			from = "?"
		}
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(&b, "\n- From: %s | Subject: %s", from, subject)
	}
	return b.String()
}
