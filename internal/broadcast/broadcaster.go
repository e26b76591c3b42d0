// Package broadcast pushes periodic snapshots of the metric registry and
// the recent-trace ring to connected dashboard subscribers. Delivery is
// fire-and-forget: a slow subscriber loses pushes, it never delays the
// registry or the other subscribers.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulse-io/pulse/internal/logging"
	"github.com/pulse-io/pulse/internal/metrics"
	"github.com/pulse-io/pulse/internal/telemetry"
)

// SnapshotSource produces the point-in-time metric state to push. The
// registry satisfies it; tests substitute fixtures.
type SnapshotSource interface {
	Snapshot() *metrics.Snapshot
}

// TraceSource produces the recent finished spans to push. The telemetry
// span recorder satisfies it.
type TraceSource interface {
	Records() []telemetry.SpanRecord
}

// Push is one broadcast unit: a metric snapshot plus the trace ring as it
// looked at the same moment.
type Push struct {
	Snapshot *metrics.Snapshot      `json:"snapshot"`
	Traces   []telemetry.SpanRecord `json:"traces"`
}

// Self-metric names the broadcaster registers.
const (
	MetricPushesTotal      = "pulse_broadcast_pushes_total"
	MetricDroppedTotal     = "pulse_broadcast_dropped_total"
	MetricSubscribersGauge = "pulse_broadcast_subscribers"
)

// DefaultInterval is the broadcast tick used when Config.Interval is zero.
const DefaultInterval = 5 * time.Second

// DefaultQueueSize is the per-subscriber queue depth used when
// Config.QueueSize is zero.
const DefaultQueueSize = 16

// Config controls the broadcaster.
type Config struct {
	// Interval between pushes. Zero means DefaultInterval.
	Interval time.Duration

	// QueueSize is the per-subscriber buffer. Once a subscriber's queue
	// is full, further pushes to it are dropped until it drains.
	QueueSize int

	Logger *logging.Logger

	// Heartbeat, when set, is called on every tick so the health server
	// can watch the loop.
	Heartbeat func()
}

// Subscriber is one registered push consumer.
type Subscriber struct {
	id string
	ch chan Push
}

// ID returns the subscriber's unique id, used in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// C is the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Push {
	return s.ch
}

// Broadcaster periodically reads its sources and fans the result out.
type Broadcaster struct {
	cfg       Config
	logger    *logging.Logger
	snapshots SnapshotSource
	traces    TraceSource

	pushes      *metrics.Metric
	dropped     *metrics.Metric
	subscribers *metrics.Metric

	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a broadcaster reading from snapshots and traces. Its own
// counters are registered on reg, which is usually the same registry the
// snapshots come from. A nil traces source pushes empty trace lists.
func New(snapshots SnapshotSource, traces TraceSource, reg *metrics.Registry, cfg Config) (*Broadcaster, error) {
	if snapshots == nil {
		return nil, fmt.Errorf("broadcast: nil snapshot source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	pushes, err := reg.Register(metrics.Descriptor{
		Name: MetricPushesTotal,
		Help: "Snapshot pushes delivered to subscriber queues.",
		Kind: metrics.KindCounter,
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricPushesTotal, err)
	}
	dropped, err := reg.Register(metrics.Descriptor{
		Name: MetricDroppedTotal,
		Help: "Snapshot pushes dropped because a subscriber queue was full.",
		Kind: metrics.KindCounter,
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricDroppedTotal, err)
	}
	subscribers, err := reg.Register(metrics.Descriptor{
		Name: MetricSubscribersGauge,
		Help: "Currently connected broadcast subscribers.",
		Kind: metrics.KindGauge,
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", MetricSubscribersGauge, err)
	}

	return &Broadcaster{
		cfg:         cfg,
		logger:      cfg.Logger.WithComponent("broadcast"),
		snapshots:   snapshots,
		traces:      traces,
		pushes:      pushes,
		dropped:     dropped,
		subscribers: subscribers,
		subs:        make(map[*Subscriber]struct{}),
	}, nil
}

// Start launches the broadcast loop. Calling it again while running is a
// no-op.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.run()
}

// Stop halts the loop and waits for it to exit. Subscribers stay
// registered; they simply stop receiving pushes.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	close(b.stopCh)
	b.mu.Unlock()

	<-b.doneCh

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (b *Broadcaster) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if b.cfg.Heartbeat != nil {
				b.cfg.Heartbeat()
			}
			b.fanOut(b.buildPush())
		}
	}
}

// Subscribe registers a consumer and immediately queues a fresh push for
// it, so a newly connected dashboard renders without waiting a tick.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan Push, b.cfg.QueueSize),
	}

	push := b.buildPush()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	sub.ch <- push // fresh buffered channel, cannot block
	b.mu.Unlock()

	b.record(b.subscribers.Add(1))
	b.record(b.pushes.Inc())
	b.logger.Debugf("subscriber joined", map[string]any{"subscriber": sub.id})
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// twice; unknown subscribers are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()

	if ok {
		b.record(b.subscribers.Sub(1))
		b.logger.Debugf("subscriber left", map[string]any{"subscriber": sub.id})
	}
}

// SubscriberCount returns the current fan-out set size.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// buildPush materializes one push from the sources. The snapshot is an
// immutable copy, so later registry mutation cannot change a push already
// queued.
func (b *Broadcaster) buildPush() Push {
	push := Push{Snapshot: b.snapshots.Snapshot()}
	if b.traces != nil {
		push.Traces = b.traces.Records()
	}
	return push
}

// fanOut delivers the push to every subscriber without blocking. A full
// queue drops the push for that subscriber only.
func (b *Broadcaster) fanOut(push Push) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- push:
			b.record(b.pushes.Inc())
		default:
			b.record(b.dropped.Inc())
			b.logger.Warnf("push dropped, subscriber queue full", map[string]any{"subscriber": sub.id})
		}
	}
}

// record logs and drops self-metric errors; the broadcast itself must not
// fail over bookkeeping.
func (b *Broadcaster) record(err error) {
	if err != nil {
		b.logger.Warnf("self-metric update skipped", map[string]any{"error": err.Error()})
	}
}
