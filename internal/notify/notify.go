// Package notify tells humans how a run ended.
package notify

import (
	"fmt"

	"github.com/hochfrequenz/j2pr/internal/config"
	"github.com/hochfrequenz/j2pr/internal/domain"
)

// Severity classifies a notification
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

// Notification is one run outcome to deliver
type Notification struct {
	Title     string
	Message   string
	Severity  Severity
	TicketKey string
	PRURL     string
}

// Notifier delivers notifications
type Notifier interface {
	Send(n Notification) error
}

// ForOutcome builds the notification for a finished run
func ForOutcome(ticketKey string, status domain.RunStatus, prURL, detail string) Notification {
	n := Notification{TicketKey: ticketKey, PRURL: prURL, Message: detail}
	switch status {
	case domain.RunPROpened:
		n.Title = fmt.Sprintf("%s: draft PR opened", ticketKey)
		n.Severity = SeveritySuccess
		if detail == "" {
			n.Message = prURL
		}
	case domain.RunNeedsHuman:
		n.Title = fmt.Sprintf("%s: needs human", ticketKey)
		n.Severity = SeverityWarning
	case domain.RunFailed:
		n.Title = fmt.Sprintf("%s: run failed", ticketKey)
		n.Severity = SeverityError
	default:
		n.Title = fmt.Sprintf("%s: %s", ticketKey, status)
		n.Severity = SeverityInfo
	}
	return n
}

// MultiNotifier fans out to several notifiers. Delivery is best effort:
// every notifier is attempted and the last error wins.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig assembles the configured notifier chain
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhookURL))
	}
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}
