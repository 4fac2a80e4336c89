// Package notification delivers divergence alerts to external channels
// (log, webhook, Telegram) behind a dedup and freshness policy.
package notification

import (
	"context"
	"errors"
	"log"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	ID       string     `json:"id"`
	Level    AlertLevel `json:"level"`
	Stream   string     `json:"stream"`
	Title    string     `json:"title"`
	Subtitle string     `json:"subtitle"`
	Message  string     `json:"message"`
	TS       time.Time  `json:"ts"` // event time of the record the alert describes
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
	// Name labels the channel in logs and metrics.
	Name() string
}

// LogNotifier logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s (%s): %s", alert.Level, alert.Title, alert.Subtitle, alert.Message)
	return nil
}

func (n *LogNotifier) Name() string { return "log" }

// Multi fans an alert out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi struct {
	notifiers []Notifier

	// OnSent is called for each successful delivery (for metrics).
	OnSent func(channel string)
}

// NewMulti creates a fan-out notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) { m.notifiers = append(m.notifiers, n) }

// Len returns the number of registered notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
			continue
		}
		if m.OnSent != nil {
			m.OnSent(n.Name())
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Name() string { return "multi" }
