// Package pipeline fans venue events into the downstream consumers
// through bounded queues.
//
// Three queues sit between the venue sessions and the rest of the
// process: order-book updates, ticker updates, and change notifications
// for the analysis worker. All three drop the oldest item on
// saturation; a stalled consumer can never block a venue session's read
// loop or heartbeats.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"crossarb/pkg/types"
)

const (
	defaultBookCapacity     = 500
	defaultTickerCapacity   = 200
	defaultAnalysisCapacity = 200
)

// Notification tells the analysis worker that something changed for a
// (venue, symbol). The worker joins current state by lookup; the
// notification itself carries no market data.
type Notification struct {
	Venue  types.Venue
	Symbol types.Symbol
}

// Queue is a bounded drop-oldest queue. Push never blocks.
type Queue[T any] struct {
	ch      chan entry[T]
	name    string
	metrics *Metrics
}

type entry[T any] struct {
	item     T
	enqueued time.Time
}

// NewQueue creates a queue of the given capacity.
func NewQueue[T any](name string, capacity int, metrics *Metrics) *Queue[T] {
	return &Queue[T]{
		ch:      make(chan entry[T], capacity),
		name:    name,
		metrics: metrics,
	}
}

// Push enqueues the item, evicting the oldest entry when full.
func (q *Queue[T]) Push(item T) {
	e := entry[T]{item: item, enqueued: time.Now()}
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case <-q.ch:
			q.metrics.dropped.WithLabelValues(q.name).Inc()
		default:
		}
	}
}

// Pop dequeues the next item, blocking until one is available or ctx is
// cancelled. The second return is the queue latency of the item.
func (q *Queue[T]) Pop(ctx context.Context) (T, time.Duration, bool) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, 0, false
	case e := <-q.ch:
		return e.item, time.Since(e.enqueued), true
	}
}

// TryPop dequeues without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case e := <-q.ch:
		return e.item, true
	default:
		var zero T
		return zero, false
	}
}

// Len is the current depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Pipeline owns the three queues and the per-second depth observer.
type Pipeline struct {
	Books    *Queue[types.Event]
	Tickers  *Queue[types.Event]
	Analysis *Queue[Notification]

	metrics *Metrics
	logger  *slog.Logger
}

// Config sizes the queues. Zero fields take the defaults.
type Config struct {
	BookCapacity     int
	TickerCapacity   int
	AnalysisCapacity int
}

// New builds the pipeline.
func New(cfg Config, metrics *Metrics, logger *slog.Logger) *Pipeline {
	if cfg.BookCapacity <= 0 {
		cfg.BookCapacity = defaultBookCapacity
	}
	if cfg.TickerCapacity <= 0 {
		cfg.TickerCapacity = defaultTickerCapacity
	}
	if cfg.AnalysisCapacity <= 0 {
		cfg.AnalysisCapacity = defaultAnalysisCapacity
	}
	return &Pipeline{
		Books:    NewQueue[types.Event]("orderbook", cfg.BookCapacity, metrics),
		Tickers:  NewQueue[types.Event]("ticker", cfg.TickerCapacity, metrics),
		Analysis: NewQueue[Notification]("analysis", cfg.AnalysisCapacity, metrics),
		metrics:  metrics,
		logger:   logger.With("component", "pipeline"),
	}
}

// Ingest routes one session event into the right queue and emits the
// change notification for symbols with market-data updates.
func (p *Pipeline) Ingest(ev types.Event) {
	switch ev.Kind {
	case types.EventBookSnapshot, types.EventBookDelta:
		p.Books.Push(ev)
		p.Analysis.Push(Notification{Venue: ev.Venue, Symbol: ev.Symbol})
	case types.EventTicker:
		p.Tickers.Push(ev)
		p.Analysis.Push(Notification{Venue: ev.Venue, Symbol: ev.Symbol})
	}
}

// ObserveDepths runs the per-second gauge sampler until ctx is
// cancelled.
func (p *Pipeline) ObserveDepths(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.metrics.depth.WithLabelValues("orderbook").Set(float64(p.Books.Len()))
			p.metrics.depth.WithLabelValues("ticker").Set(float64(p.Tickers.Len()))
			p.metrics.depth.WithLabelValues("analysis").Set(float64(p.Analysis.Len()))
		}
	}
}

// RunAnalysis is the single analysis worker: it drains the notification
// queue and invokes the handler synchronously. Latency from enqueue to
// pickup is recorded per item.
func (p *Pipeline) RunAnalysis(ctx context.Context, handle func(Notification)) {
	for {
		note, latency, ok := p.Analysis.Pop(ctx)
		if !ok {
			p.drainAnalysis(handle)
			return
		}
		p.metrics.analysisLatency.Observe(latency.Seconds())
		handle(note)
	}
}

// drainAnalysis flushes what is left in the queue at shutdown.
func (p *Pipeline) drainAnalysis(handle func(Notification)) {
	for {
		note, ok := p.Analysis.TryPop()
		if !ok {
			return
		}
		handle(note)
	}
}
