// Package notify fans newly created fraud flags out to external sinks.
//
// The Dispatcher implements fraud.Notifier. FlagRaised only enqueues, so a
// slow broker never stalls a processing lane; a background worker delivers
// each flag to every Publisher behind a per-sink circuit breaker and retry
// policy. Delivery is at-most-once: flags that cannot be delivered are
// counted and logged, never re-queued. The flag store stays authoritative.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// Publisher delivers one flag to one external sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, flag *fraud.FlaggedTransaction) error
	Close() error
}

// Message is the wire form of a flag on every sink.
type Message struct {
	Event  string                    `json:"event"`
	Flag   *fraud.FlaggedTransaction `json:"flag"`
	SentAt time.Time                 `json:"sent_at"`
}

// Encode returns the JSON payload for a flag.
func Encode(flag *fraud.FlaggedTransaction) ([]byte, error) {
	return json.Marshal(Message{Event: "flag_raised", Flag: flag, SentAt: time.Now().UTC()})
}

// Default dispatcher settings.
const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
)

var ErrDispatcherClosed = errors.New("notify: dispatcher closed")

// Dispatcher queues flags and delivers them to publishers and local notifiers.
type Dispatcher struct {
	publishers []Publisher
	local      []fraud.Notifier
	breaker    *circuitbreaker.Breaker
	policy     retry.Policy
	timeout    time.Duration
	logger     *slog.Logger

	queue chan *fraud.FlaggedTransaction
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Compile-time check.
var _ fraud.Notifier = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublishers adds external sinks.
func WithPublishers(p ...Publisher) Option {
	return func(d *Dispatcher) { d.publishers = append(d.publishers, p...) }
}

// WithLocal adds in-process notifiers (the websocket hub). They are called
// synchronously on the dispatch worker and must not block.
func WithLocal(n ...fraud.Notifier) Option {
	return func(d *Dispatcher) { d.local = append(d.local, n...) }
}

// WithBreaker replaces the default breaker (5 failures, 30s open).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithQueueSize sets the number of flags that can wait for delivery.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan *fraud.FlaggedTransaction, n)
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher and starts its delivery worker.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Publish,
		timeout: DefaultPublishTimeout,
		logger:  slog.Default(),
		queue:   make(chan *fraud.FlaggedTransaction, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.breaker.OnTransition(func(t circuitbreaker.Transition) {
		d.logger.Warn("notification sink circuit changed", "sink", t.Key, "from", t.From.String(), "to", t.To.String())
	})

	d.wg.Add(1)
	go d.run()
	return d
}

// FlagRaised implements fraud.Notifier. It never blocks: when the queue is
// full the flag is dropped from notification and counted.
func (d *Dispatcher) FlagRaised(_ context.Context, flag *fraud.FlaggedTransaction) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- flag:
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping flag", "flag_id", flag.ID, "transaction_id", flag.TransactionID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for flag := range d.queue {
		d.deliver(flag)
	}
}

func (d *Dispatcher) deliver(flag *fraud.FlaggedTransaction) {
	// Delivery outlives the request that raised the flag.
	ctx := context.Background()

	for _, n := range d.local {
		n.FlagRaised(ctx, flag)
	}

	for _, p := range d.publishers {
		policy := d.policy
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			d.logger.Debug("retrying flag notification", "sink", p.Name(), "attempt", attempt, "wait", wait, "error", err)
		}
		err := d.breaker.Execute(p.Name(), func() error {
			return policy.Do(ctx, func(ctx context.Context) error {
				pctx, cancel := context.WithTimeout(ctx, d.timeout)
				defer cancel()
				return p.Publish(pctx, flag)
			})
		})

		switch {
		case err == nil:
			metrics.NotificationsTotal.WithLabelValues(p.Name(), "ok").Inc()
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.NotificationsTotal.WithLabelValues(p.Name(), "circuit_open").Inc()
		default:
			metrics.NotificationsTotal.WithLabelValues(p.Name(), "error").Inc()
			d.logger.Error("flag notification failed",
				"sink", p.Name(),
				"flag_id", flag.ID,
				"transaction_id", flag.TransactionID,
				"error", err,
			)
		}
	}
}

// SinkStates reports the circuit state of every publisher.
func (d *Dispatcher) SinkStates() map[string]circuitbreaker.State {
	out := make(map[string]circuitbreaker.State, len(d.publishers))
	for _, p := range d.publishers {
		out[p.Name()] = d.breaker.State(p.Name())
	}
	return out
}

// Close stops accepting flags, delivers what is queued and closes every
// publisher.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()

	var errs []error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
