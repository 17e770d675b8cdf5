package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"livebus/internal/domain"
	"livebus/internal/infra/tracer"
)

// DefaultInterval bounds how long the loop waits for a wake-up before
// polling every subscriber anyway.
const DefaultInterval = 50 * time.Second

// Subscriber is a live connection as seen by the dispatcher. Values must be
// comparable; the same connection must always map to an equal value.
type Subscriber interface {
	ID() string
	SessionID() string
	// Send queues a batch of notifications. It returns domain.ErrInvalidState
	// once the connection has started closing.
	Send(message any) error
	// Expire closes the connection with SESSION_EXPIRED.
	Expire() error
}

// Poller reads notifications.
type Poller interface {
	Poll(ctx context.Context, channels []domain.ChannelKey, since int64) ([]domain.Notification, error)
}

// Recorder receives dispatcher metrics.
type Recorder interface {
	NotificationsDelivered(n int)
	DispatchError(stage string)
	ObserveDispatch(d time.Duration)
	SetSubscribers(n int)
}

type nopRecorder struct{}

func (nopRecorder) NotificationsDelivered(int)    {}
func (nopRecorder) DispatchError(string)          {}
func (nopRecorder) ObserveDispatch(time.Duration) {}
func (nopRecorder) SetSubscribers(int)            {}

type subscription struct {
	channels []domain.ChannelKey
	last     int64
	// deliverMu serializes delivery passes of one subscriber so that two
	// passes cannot send the same records. It survives re-subscription.
	deliverMu *sync.Mutex
}

// Dispatcher keeps the channel → subscriber registry and fans notifications
// out to subscribers when the transport signals new records.
type Dispatcher struct {
	store    Poller
	sessions domain.SessionStore
	waker    domain.Waker
	logger   *slog.Logger
	metrics  Recorder
	interval time.Duration
	workers  int

	mu       sync.Mutex
	channels map[domain.ChannelKey]map[Subscriber]struct{}
	subs     map[Subscriber]*subscription

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(d *Dispatcher) { d.metrics = r }
}

// WithInterval sets the wake-up timeout, which is also the delay before a
// failed loop is restarted.
func WithInterval(iv time.Duration) Option {
	return func(d *Dispatcher) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithWorkers bounds the number of concurrent delivery passes per fan-out.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New creates a dispatcher. The background loop starts with the first
// subscription.
func New(store Poller, sessions domain.SessionStore, waker domain.Waker, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    store,
		sessions: sessions,
		waker:    waker,
		logger:   slog.Default(),
		metrics:  nopRecorder{},
		interval: DefaultInterval,
		workers:  8,
		channels: make(map[domain.ChannelKey]map[Subscriber]struct{}),
		subs:     make(map[Subscriber]*subscription),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe registers sub on channels of tenant, replacing its previous
// subscription, and runs a delivery pass for it right away so records
// produced since the client's last poll are not missed. The effective
// last-seen id never moves backwards.
func (d *Dispatcher) Subscribe(ctx context.Context, channels []string, last int64, tenant string, sub Subscriber) error {
	keys := make([]domain.ChannelKey, 0, len(channels))
	seen := make(map[domain.ChannelKey]struct{}, len(channels))
	for _, c := range channels {
		k := domain.NewChannelKey(tenant, c)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	d.mu.Lock()
	deliverMu := &sync.Mutex{}
	if prev, ok := d.subs[sub]; ok {
		d.detach(sub, prev)
		last = max(last, prev.last)
		deliverMu = prev.deliverMu
	}
	d.subs[sub] = &subscription{channels: keys, last: last, deliverMu: deliverMu}
	for _, k := range keys {
		set, ok := d.channels[k]
		if !ok {
			set = make(map[Subscriber]struct{})
			d.channels[k] = set
		}
		set[sub] = struct{}{}
	}
	n := len(d.subs)
	d.mu.Unlock()

	d.metrics.SetSubscribers(n)
	d.start()
	return d.deliver(ctx, sub)
}

// Unsubscribe forgets sub. It is safe to call for unknown subscribers.
func (d *Dispatcher) Unsubscribe(sub Subscriber) {
	d.mu.Lock()
	if s, ok := d.subs[sub]; ok {
		d.detach(sub, s)
		delete(d.subs, sub)
	}
	n := len(d.subs)
	d.mu.Unlock()
	d.metrics.SetSubscribers(n)
}

// detach removes sub from the channel sets of s. Caller holds d.mu.
func (d *Dispatcher) detach(sub Subscriber, s *subscription) {
	for _, k := range s.channels {
		set := d.channels[k]
		delete(set, sub)
		if len(set) == 0 {
			delete(d.channels, k)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close stops the background loop and waits for it to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.startOnce.Do(func() { close(d.done) })
	<-d.done
}

func (d *Dispatcher) start() {
	d.startOnce.Do(func() { go d.supervise() })
}

// supervise keeps the loop alive: a failed or panicking loop is logged and
// restarted after the interval.
func (d *Dispatcher) supervise() {
	defer close(d.done)
	for {
		err := d.loop(d.ctx)
		if d.ctx.Err() != nil {
			return
		}
		d.metrics.DispatchError("loop")
		d.logger.Error("dispatcher loop failed, restarting", "error", err, "after", d.interval)
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.interval):
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	// Each attempt owns its listener; a restarted loop must not leave the
	// previous one registered.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake, err := d.waker.Listen(lctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case keys, ok := <-wake:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("wake-up channel closed")
			}
			keys = drain(wake, keys)
			d.fanOut(ctx, d.interested(keys))
		case <-timer.C:
			// No wake-up for a whole interval: poll everyone in case one was lost.
			d.fanOut(ctx, d.all())
		}
		timer.Reset(d.interval)
	}
}

// drain merges wake-ups already queued behind the first one.
func drain(wake <-chan []domain.ChannelKey, keys []domain.ChannelKey) []domain.ChannelKey {
	for {
		select {
		case more, ok := <-wake:
			if !ok {
				return keys
			}
			keys = append(keys, more...)
		default:
			return keys
		}
	}
}

func (d *Dispatcher) interested(keys []domain.ChannelKey) []Subscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[Subscriber]struct{})
	var out []Subscriber
	for _, k := range keys {
		for sub := range d.channels[k] {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				out = append(out, sub)
			}
		}
	}
	return out
}

func (d *Dispatcher) all() []Subscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscriber, 0, len(d.subs))
	for sub := range d.subs {
		out = append(out, sub)
	}
	return out
}

// fanOut runs one delivery pass per subscriber on a bounded worker group.
// A failing subscriber never stops delivery to the others.
func (d *Dispatcher) fanOut(ctx context.Context, subs []Subscriber) {
	if len(subs) == 0 {
		return
	}
	start := time.Now()
	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, sub := range subs {
		g.Go(func() error {
			d.deliverIsolated(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
	d.metrics.ObserveDispatch(time.Since(start))
}

func (d *Dispatcher) deliverIsolated(ctx context.Context, sub Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.DispatchError("panic")
			d.logger.Error("delivery panicked", "conn_id", sub.ID(), "panic", r)
		}
	}()
	if err := d.deliver(ctx, sub); err != nil {
		d.metrics.DispatchError("deliver")
		d.logger.Error("delivery failed", "conn_id", sub.ID(), "error", err)
	}
}

// deliver sends sub everything newer than its last-seen id.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber) (err error) {
	d.mu.Lock()
	s, ok := d.subs[sub]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	// Re-read: a re-subscribe may have replaced the record meanwhile.
	d.mu.Lock()
	cur, ok := d.subs[sub]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	channels, last := cur.channels, cur.last
	d.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "dispatch.deliver")
	span.SetAttributes(tracer.ConnAttrs(sub.ID(), sub.SessionID())...)
	span.SetAttributes(tracer.Int64Attr("bus.last", last))
	defer func() { tracer.End(span, err) }()

	sess, err := d.sessions.Resolve(ctx, sub.SessionID())
	if errors.Is(err, domain.ErrSessionNotFound) {
		return d.expire(sub)
	}
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if !d.sessions.IsValid(ctx, sess) {
		return d.expire(sub)
	}

	notes, err := d.store.Poll(ctx, channels, last)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if len(notes) == 0 {
		return nil
	}

	newest := notes[len(notes)-1].ID
	d.mu.Lock()
	if cur, ok := d.subs[sub]; ok && cur.last < newest {
		cur.last = newest
	}
	d.mu.Unlock()

	if err := sub.Send(notes); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("send: %w", err)
	}
	d.metrics.NotificationsDelivered(len(notes))
	return nil
}

func (d *Dispatcher) expire(sub Subscriber) error {
	d.logger.Debug("session expired, closing subscriber", "conn_id", sub.ID())
	d.Unsubscribe(sub)
	if err := sub.Expire(); err != nil && !errors.Is(err, domain.ErrInvalidState) {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}
