// Package notify delivers operator notifications about transfers and
// failures. Delivery happens off the processing path.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"arki-trader/internal/config"
	"arki-trader/internal/models"
	"arki-trader/pkg/utils"
)

// Notifier sends a notification somewhere.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTransfer NotificationType = "transfer"
	NotificationDeposit  NotificationType = "deposit"
	NotificationError    NotificationType = "error"
	NotificationInfo     NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll           NotificationLevel = "all"
	LevelTransfersOnly NotificationLevel = "transfers_only"
	LevelErrorsOnly    NotificationLevel = "errors_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{level: NotificationLevel(cfg.Level)}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	var names []string
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelTransfersOnly:
		return t == NotificationTransfer
	case LevelErrorsOnly:
		return t == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TransferNotification describes a committed sweep.
func TransferNotification(ev models.TransferExecuted, currency string) Notification {
	amount := utils.FormatMoney(ev.Amount, "")
	return Notification{
		Type:  NotificationTransfer,
		Title: fmt.Sprintf("Cash Transfer Notification - %s %s", amount, currency),
		Message: fmt.Sprintf("Transferred %s %s from %s to %s at %s.",
			amount, currency, ev.From, ev.To, ev.Timestamp.Format(time.RFC3339)),
		Data: map[string]interface{}{
			"transfer_id": ev.TransferID,
			"amount":      ev.Amount.String(),
			"from":        ev.From,
			"to":          ev.To,
		},
		Timestamp: ev.Timestamp,
	}
}

// DepositFailedNotification asks an operator to look at a deposit that ran out of attempts.
func DepositFailedNotification(d models.Deposit, currency string) Notification {
	return Notification{
		Type:  NotificationError,
		Title: fmt.Sprintf("Deposit %s needs attention", d.ID),
		Message: fmt.Sprintf("Allocation of %s into %s failed after %d attempts: %s",
			utils.FormatMoney(d.Amount, currency), d.AccountID, d.Attempts, d.LastError),
		Data: map[string]interface{}{
			"deposit_id": d.ID,
			"account":    d.AccountID,
			"amount":     d.Amount.String(),
			"attempts":   d.Attempts,
		},
	}
}

// HaltNotification reports that automated transfers stopped.
func HaltNotification(reason error) Notification {
	return Notification{
		Type:    NotificationError,
		Title:   "Automated transfers halted",
		Message: fmt.Sprintf("Transfers are paused until the ledger is verified: %v", reason),
	}
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// Send implements Notifier.
func (NoOpNotifier) Send(context.Context, Notification) error {
	return nil
}
