package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"lawlibrary/internal/logger"
)

const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderSource    = "source"

	sourceName = "lawlibrary"
)

var (
	ErrNotifierClosed = errors.New("kafka notifier is closed")
	ErrNoBrokers      = errors.New("at least one kafka broker is required")
	ErrEmptyTopic     = errors.New("kafka topic cannot be empty")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	BatchTimeout time.Duration
}

// KafkaNotifier publishes events as JSON messages keyed by book id, so all
// events for one book land on one partition in order.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	log    *logger.Logger

	mu     sync.RWMutex
	closed bool
}

func NewKafkaNotifier(cfg KafkaConfig, log *logger.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, ErrEmptyTopic
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}

	log = log.With("component", "notifier", "topic", cfg.Topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Error(fmt.Sprintf(msg, args...))
		}),
	}
	return newKafkaNotifier(w, cfg.Topic, log), nil
}

func newKafkaNotifier(w messageWriter, topic string, log *logger.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, log: log}
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(ev.BookID), 10)),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(ev.ID)},
			{Key: HeaderEventType, Value: []byte(ev.Type)},
			{Key: HeaderSource, Value: []byte(sourceName)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	n.log.Debug("event published", "event_id", ev.ID, "type", ev.Type, "book_id", ev.BookID)
	return nil
}

func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.writer.Close()
}
