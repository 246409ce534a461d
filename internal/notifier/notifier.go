package notifier

import (
	"context"
	"time"

	"lawlibrary/internal/logger"
)

const (
	EventReservationAvailable = "reservation.available"
	EventCheckoutOverdue      = "checkout.overdue"
)

// Event is one notice for one user.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	UserID        uint      `json:"user_id"`
	BookID        uint      `json:"book_id"`
	CheckoutID    uint      `json:"checkout_id,omitempty"`
	ReservationID uint      `json:"reservation_id,omitempty"`
	FineAmount    string    `json:"fine_amount,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers events to users through some transport.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info("notification",
		"type", ev.Type,
		"user_id", ev.UserID,
		"book_id", ev.BookID,
		"checkout_id", ev.CheckoutID,
		"reservation_id", ev.ReservationID,
		"fine_amount", ev.FineAmount,
	)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// CloseableNotifier is a Notifier owning a connection.
type CloseableNotifier interface {
	Notifier
	Close() error
}

// Open returns a Kafka notifier when brokers are configured and a LogNotifier
// otherwise.
func Open(cfg KafkaConfig, log *logger.Logger) (CloseableNotifier, error) {
	if len(cfg.Brokers) == 0 {
		log.Info("no kafka brokers configured, notifications go to the log")
		return NewLogNotifier(log), nil
	}
	kn, err := NewKafkaNotifier(cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("kafka notifier configured", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return kn, nil
}
