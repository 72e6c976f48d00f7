// Package email defines the outbound mail contract. Delivery itself is an
// external collaborator; this package only shapes the messages the auth
// flows send.
package email

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages. Implementations own retries and transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// MagicLinkMessage builds the sign-in email carrying a single-use link.
func MagicLinkMessage(to, link string, ttl time.Duration) Message {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return Message{
		To:      to,
		Subject: "Your LiftLog sign-in link",
		Body: fmt.Sprintf(
			"Open this link to sign in to LiftLog:\n\n%s\n\nThe link works once and expires in %d minutes. If you did not request it, you can ignore this email.",
			link, minutes),
	}
}

// LogSender writes messages to the process log instead of delivering them.
// It backs local development and tests.
type LogSender struct{}

// Send logs the message destination and subject. The body is withheld because
// it carries the single-use secret.
func (LogSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("recipient is required")
	}
	log.Printf("email: to=%s subject=%q", msg.To, msg.Subject)
	return nil
}
