// Package bus is the cross-process event bus. One hub process owns a Unix
// socket; peers dial it. Messages are NDJSON envelopes whose payloads are
// validated per topic.
package bus

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/basket/flightrec/internal/otel"
)

const (
	defaultQueueSize      = 256
	defaultDedupSize      = 1024
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 10
	defaultWriteTimeout   = 5 * time.Second
)

// Publisher is what mutating components need from either endpoint.
type Publisher interface {
	Publish(topic Topic, payload Payload) error
}

// Handler receives a decoded payload. Switch on its concrete type.
type Handler func(msg Message)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher routes messages to per-topic handlers in registration order.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Topic][]subscription)}
}

// Subscribe registers fn for topic. The returned func removes it and may be
// called more than once.
func (d *Dispatcher) Subscribe(topic Topic, fn Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[topic] = append(d.subs[topic], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.subs[topic]
			for i, s := range subs {
				if s.id == id {
					d.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Dispatch calls every handler for msg.Topic. Handlers run outside the lock
// so they may subscribe or unsubscribe.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs[msg.Topic]...)
	d.mu.RUnlock()

	for _, s := range subs {
		s.fn(msg)
	}
}

// SubscriberCount returns the number of handlers across all topics.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, subs := range d.subs {
		n += len(subs)
	}
	return n
}

// dedup remembers recently seen message ids.
type dedup struct {
	seen *lru.Cache[string, struct{}]
}

func newDedup(size int) *dedup {
	if size <= 0 {
		size = defaultDedupSize
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err) // size is positive
	}
	return &dedup{seen: c}
}

// Seen records id and reports whether it was already present.
func (d *dedup) Seen(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}

// Option configures a Hub or Peer.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	metrics        *otel.Metrics
	queueSize      int
	dedupSize      int
	connectTimeout time.Duration
	reconnect      bool
	reconnectDelay time.Duration
	maxReconnects  int
	writeTimeout   time.Duration
}

func defaultOptions() options {
	return options{
		logger:         slog.Default(),
		metrics:        otel.NoopMetrics(),
		queueSize:      defaultQueueSize,
		dedupSize:      defaultDedupSize,
		connectTimeout: defaultConnectTimeout,
		reconnectDelay: defaultReconnectDelay,
		maxReconnects:  defaultMaxReconnects,
		writeTimeout:   defaultWriteTimeout,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithQueueSize bounds each hub connection's outbound queue, and a peer's.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithDedupSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dedupSize = n
		}
	}
}

// WithConnectTimeout bounds a peer's dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithWriteTimeout bounds one frame write from a peer. A write that times out
// drops the connection, since the hub may have seen part of the frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithReconnect makes a peer redial after losing the hub, backing off
// exponentially from delay for at most maxAttempts tries.
func WithReconnect(delay time.Duration, maxAttempts int) Option {
	return func(o *options) {
		o.reconnect = true
		if delay > 0 {
			o.reconnectDelay = delay
		}
		if maxAttempts > 0 {
			o.maxReconnects = maxAttempts
		}
	}
}

// DefaultSocketPath returns the hub socket under stateDir.
func DefaultSocketPath(stateDir string) string {
	return filepath.Join(stateDir, "run", "eventbus.sock")
}

// recordDrop counts a frame refused at the transport boundary.
func recordDrop(o *options, reason string, err error) {
	o.metrics.BusDropped.Add(context.Background(), 1)
	o.logger.Warn("bus message dropped", "reason", reason, "error", err)
}
