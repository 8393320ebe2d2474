package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-ledger/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrFlushTimeout = errors.New("notification flush timed out")

// Sink accepts fire-and-forget notification requests. Callers never observe
// delivery failures.
type Sink interface {
	Notify(ctx context.Context, accountID, title, body, category string)
}

// Deliverer performs the actual delivery of one notification.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DispatcherConfig configures queueing behaviour.
type DispatcherConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of delivery goroutines (default: 2)
	Workers int

	// MaxWaitTime is how long Notify waits on a full queue before dropping
	// (default: 10ms)
	MaxWaitTime time.Duration
}

// Dispatcher is an asynchronous Sink. Each request is handed to every
// deliverer in order; a failing deliverer is logged and the next one still
// runs.
type Dispatcher struct {
	deliverers []Deliverer
	queue      chan Delivery
	config     DispatcherConfig
	metrics    metrics.Collector
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc

	pending   int64
	dropped   int64
	delivered int64
	failed    int64
}

// NewDispatcher starts the worker pool. It must be closed with Close.
func NewDispatcher(config DispatcherConfig, collector metrics.Collector, deliverers ...Deliverer) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		deliverers: deliverers,
		queue:      make(chan Delivery, config.QueueSize),
		config:     config,
		metrics:    collector,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Notify enqueues a notification. It never blocks longer than MaxWaitTime.
func (d *Dispatcher) Notify(ctx context.Context, accountID, title, body, category string) {
	logger := log.With().
		Str("account_id", accountID).
		Str("category", category).
		Str("component", "notification_dispatcher").
		Logger()

	select {
	case <-d.ctx.Done():
		logger.Warn().Msg("dispatcher closed, notification dropped")
		d.drop()
		return
	default:
	}

	item := Delivery{
		AccountID: accountID,
		Title:     title,
		Body:      body,
		Category:  category,
		CreatedAt: time.Now(),
	}

	timer := time.NewTimer(d.config.MaxWaitTime)
	defer timer.Stop()

	atomic.AddInt64(&d.pending, 1)
	select {
	case d.queue <- item:
	case <-timer.C:
		atomic.AddInt64(&d.pending, -1)
		logger.Warn().Msg("notification queue full, notification dropped")
		d.drop()
	case <-ctx.Done():
		atomic.AddInt64(&d.pending, -1)
		d.drop()
	}
}

func (d *Dispatcher) drop() {
	atomic.AddInt64(&d.dropped, 1)
	d.metrics.RecordNotificationDropped()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.ctx.Done():
			// Drain what is left before exiting
			for {
				select {
				case item := <-d.queue:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(item Delivery) {
	defer atomic.AddInt64(&d.pending, -1)

	ok := true
	for _, deliverer := range d.deliverers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := deliverer.Deliver(ctx, item)
		cancel()
		if err != nil {
			ok = false
			log.Error().
				Err(err).
				Str("account_id", item.AccountID).
				Str("category", item.Category).
				Msg("notification delivery failed")
		}
	}

	if ok {
		atomic.AddInt64(&d.delivered, 1)
	} else {
		atomic.AddInt64(&d.failed, 1)
	}
	d.metrics.RecordNotification(ok)
}

// Flush waits until every accepted notification has been delivered.
func (d *Dispatcher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadInt64(&d.pending) > 0 {
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Close stops accepting notifications, drains the queue and waits for the
// workers.
func (d *Dispatcher) Close() error {
	d.cancelFunc()
	d.wg.Wait()
	return nil
}

// DispatcherStats is a point-in-time snapshot of dispatcher counters.
type DispatcherStats struct {
	Pending   int64 `json:"pending"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Pending:   atomic.LoadInt64(&d.pending),
		Dropped:   atomic.LoadInt64(&d.dropped),
		Delivered: atomic.LoadInt64(&d.delivered),
		Failed:    atomic.LoadInt64(&d.failed),
	}
}
