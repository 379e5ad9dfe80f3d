package router

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seamless-hci/glovelink/internal/glove"
)

const (
	// DefaultQueueSize is the per-subscriber frame queue depth.
	DefaultQueueSize = 64
)

// WithLogger sets the logger for the router.
func WithLogger(logger *slog.Logger) func(r *Router) {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithQueueSize sets the default queue depth for new subscriptions.
func WithQueueSize(size int) func(r *Router) {
	return func(r *Router) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// Router is the single ingress point for decoded frames. Each Publish
// fans the frame out to every subscription without ever blocking the
// caller: a full subscription queue sheds its OLDEST frame to make room
// and the loss is counted against that subscription only. Frames reach
// every subscription in arrival order as long as Publish is driven from
// a single goroutine.
type Router struct {
	mu   sync.RWMutex
	subs []*Subscription

	queueSize int
	published atomic.Uint64
	logger    *slog.Logger
}

// New creates a Router with a discard logger.
func New(options ...func(r *Router)) *Router {
	r := Router{
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Subscription is one consumer's bounded frame queue.
type Subscription struct {
	name   string
	ch     chan glove.Frame
	router *Router

	delivered atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
}

// Subscribe registers a consumer under a name used in stats and logs.
func (r *Router) Subscribe(name string) *Subscription {
	return r.SubscribeBuffered(name, r.queueSize)
}

// SubscribeBuffered registers a consumer with an explicit queue depth.
func (r *Router) SubscribeBuffered(name string, depth int) *Subscription {
	if depth <= 0 {
		depth = r.queueSize
	}

	s := &Subscription{
		name:   name,
		ch:     make(chan glove.Frame, depth),
		router: r,
	}

	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()

	r.logger.Debug("subscriber registered", slog.String("name", name), slog.Int("depth", depth))
	return s
}

// Frames returns the subscription's receive channel. The channel is
// closed by Cancel.
func (s *Subscription) Frames() <-chan glove.Frame {
	return s.ch
}

// Name returns the name the subscription was registered under.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many frames this subscription has lost to
// backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.closeOnce.Do(func() {
		r := s.router

		r.mu.Lock()
		for i, sub := range r.subs {
			if sub == s {
				r.subs[i] = r.subs[len(r.subs)-1]
				r.subs = r.subs[:len(r.subs)-1]
				break
			}
		}
		r.mu.Unlock()

		close(s.ch)
	})
}

// Publish delivers the frame to every subscription. Never blocks.
func (r *Router) Publish(frame glove.Frame) {
	r.mu.RLock()
	subs := make([]*Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	r.published.Add(1)

	for _, s := range subs {
		select {
		case s.ch <- frame:
			s.delivered.Add(1)
			continue
		default:
		}

		// Queue full: shed the oldest queued frame for this
		// subscriber only, then retry once.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}

		select {
		case s.ch <- frame:
			s.delivered.Add(1)
		default:
			s.dropped.Add(1) // still full, concurrent producer won the slot
		}
	}
}

// SubscriptionStats is a point-in-time snapshot of one subscription.
type SubscriptionStats struct {
	Name      string
	Queued    int
	Delivered uint64
	Dropped   uint64
}

// Stats reports the published total and per-subscription counters.
type Stats struct {
	Published     uint64
	Subscriptions []SubscriptionStats
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Published:     r.published.Load(),
		Subscriptions: make([]SubscriptionStats, 0, len(r.subs)),
	}
	for _, s := range r.subs {
		stats.Subscriptions = append(stats.Subscriptions, SubscriptionStats{
			Name:      s.name,
			Queued:    len(s.ch),
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
		})
	}
	return stats
}
