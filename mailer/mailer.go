// Package mailer sends fire-and-forget notification emails.
package mailer

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

type Mailer struct {
	addr   string
	sender string
}

func New(addr, sender string) *Mailer {
	return &Mailer{addr: addr, sender: sender}
}

// Send delivers a plain-text email. Delivery failures are logged but not
// surfaced; no delivery confirmation is consumed.
func (m *Mailer) Send(to []string, subject, body string) {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.sender, strings.Join(to, ", "), subject, body)

	if err := smtp.SendMail(m.addr, nil, m.sender, to, []byte(msg)); err != nil {
		log.Printf("Failed to send email %q to %v: %v", subject, to, err)
		return
	}
	log.Printf("Sent email %q to %v", subject, to)
}
