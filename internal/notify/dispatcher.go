package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"arki-trader/internal/security"
	"arki-trader/pkg/utils"
)

// Dispatcher queues notifications and delivers them on a background
// goroutine with retries. Publish never blocks the caller.
type Dispatcher struct {
	notifier Notifier
	queue    chan Notification
	retry    utils.RetryConfig
	timeout  time.Duration
	logger   zerolog.Logger

	wg      sync.WaitGroup
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool

	// OnDelivery, when set, is called after every delivery attempt sequence.
	OnDelivery func(n Notification, err error)
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(n Notifier, buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		notifier: n,
		queue:    make(chan Notification, buffer),
		retry:    utils.DefaultRetryConfig(),
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// Start launches the delivery loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for n := range d.queue {
			d.deliver(ctx, n)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	// Channel errors can carry bot tokens or SMTP credentials.
	err := security.RedactError(utils.Retry(sendCtx, d.retry, func() error {
		return d.notifier.Send(sendCtx, n)
	}))
	if err != nil {
		d.logger.Warn().Err(err).Str("type", string(n.Type)).Str("title", n.Title).Msg("Notification delivery failed")
	} else {
		d.logger.Debug().Str("type", string(n.Type)).Str("title", n.Title).Msg("Notification delivered")
	}
	if d.OnDelivery != nil {
		d.OnDelivery(n, err)
	}
}

// Publish enqueues n. When the queue is full or the dispatcher is stopped
// the notification is dropped and logged.
func (d *Dispatcher) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.Debug().Str("title", n.Title).Msg("Dispatcher stopped, dropping notification")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("title", n.Title).Msg("Notification queue full, dropping")
	}
}

// Dropped returns how many notifications were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Stop closes the queue and waits for pending deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
