package notifier

import (
	"context"
	"sync"
	"time"

	"lawlibrary/internal/logger"
)

// AvailabilityHandler processes one returned book, typically by notifying
// the next reservers. It returns how many users were notified.
type AvailabilityHandler func(ctx context.Context, bookID uint) (int, error)

type DispatcherConfig struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single handler call.
	Timeout time.Duration
}

// Dispatcher hands returned books to a handler on background workers. The
// caller never waits and never sees handler errors.
type Dispatcher struct {
	handler AvailabilityHandler
	queue   chan uint
	timeout time.Duration
	log     *logger.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewDispatcher(handler AvailabilityHandler, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		handler: handler,
		queue:   make(chan uint, cfg.QueueSize),
		timeout: cfg.Timeout,
		log:     log.With("component", "dispatcher"),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// BookReturned enqueues the book. When the queue is full or the dispatcher is
// closed the book is dropped; the periodic availability job picks it up later.
func (d *Dispatcher) BookReturned(bookID uint) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("dispatcher closed, dropping book", "book_id", bookID)
		return
	}
	select {
	case d.queue <- bookID:
	default:
		d.log.Warn("dispatch queue full, dropping book", "book_id", bookID)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for bookID := range d.queue {
		d.handle(bookID)
	}
}

func (d *Dispatcher) handle(bookID uint) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("availability handler panicked", "book_id", bookID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	n, err := d.handler(ctx, bookID)
	if err != nil {
		d.log.Error("availability handler failed", "book_id", bookID, "error", err)
		return
	}
	d.log.Debug("availability handled", "book_id", bookID, "notified", n)
}

// Close stops accepting books, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
