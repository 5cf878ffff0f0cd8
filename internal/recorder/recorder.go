package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink persists batches of events. Both sinks are best-effort: a write
// failure is logged and counted, never propagated to the request path.
type Sink interface {
	Name() string
	Write(events []*Event) error
	Close() error
}

// Recorder is the asynchronous session recorder. Producers enqueue events
// into a bounded channel; a single background consumer batches them and
// flushes to every sink. When the queue is full the oldest unflushed event
// is dropped rather than applying backpressure to live requests.
type Recorder struct {
	queue    chan *Event
	sinks    []Sink
	redactor Redactor
	logger   zerolog.Logger

	batchSize     int
	flushInterval time.Duration

	drops        atomic.Uint64
	sinkFailures atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a recorder with the given queue capacity, flush batching, and
// sinks. A nil redactor disables redaction. Call Start to begin consuming.
func New(queueSize, batchSize int, flushInterval time.Duration, sinks []Sink, redactor Redactor, logger zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	if redactor == nil {
		redactor = NopRedactor{}
	}
	return &Recorder{
		queue:         make(chan *Event, queueSize),
		sinks:         sinks,
		redactor:      redactor,
		logger:        logger.With().Str("component", "recorder").Logger(),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background consumer.
func (r *Recorder) Start() {
	go r.consume()
}

// Record enqueues an event. It never blocks: when the queue is full, the
// oldest unflushed event is dropped to make room and the drop counter is
// incremented. Nothing past this boundary can fail into the caller.
func (r *Recorder) Record(ev *Event) {
	if ev == nil {
		return
	}
	for {
		select {
		case r.queue <- ev:
			return
		default:
		}
		// Queue full: drop the oldest and retry the send. If the consumer
		// drained in between, the receive misses and the next send wins.
		select {
		case <-r.queue:
			r.drops.Add(1)
		default:
		}
	}
}

// Drops returns how many events have been dropped to queue overflow.
func (r *Recorder) Drops() uint64 { return r.drops.Load() }

// SinkFailures returns how many sink writes have failed or panicked.
func (r *Recorder) SinkFailures() uint64 { return r.sinkFailures.Load() }

// QueueDepth returns the number of events waiting in the queue.
func (r *Recorder) QueueDepth() int { return len(r.queue) }

// QueueCapacity returns the queue's configured capacity.
func (r *Recorder) QueueCapacity() int { return cap(r.queue) }

// Close stops the consumer, flushes everything still queued, and closes the
// sinks. It blocks until the final flush completes.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				r.logger.Warn().Err(err).Str("sink", s.Name()).Msg("sink close failed")
			}
		}
	})
}

// consume is the single background consumer: it batches by size and by
// interval, whichever comes first.
func (r *Recorder) consume() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, r.batchSize)

	for {
		select {
		case ev := <-r.queue:
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stop:
			// Drain whatever producers managed to enqueue, then flush once.
			for {
				select {
				case ev := <-r.queue:
					batch = append(batch, ev)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// flush redacts and writes one batch to every sink. Each sink write runs
// inside its own recover so one failing sink neither blocks nor rolls back
// the other, and nothing escapes into the consumer loop.
func (r *Recorder) flush(batch []*Event) {
	if len(batch) == 0 {
		return
	}
	out := r.redactBatch(batch)
	for _, s := range r.sinks {
		r.writeSink(s, out)
	}
}

func (r *Recorder) writeSink(s Sink, batch []*Event) {
	defer func() {
		if p := recover(); p != nil {
			r.sinkFailures.Add(1)
			r.logger.Error().Interface("panic", p).Str("sink", s.Name()).Msg("sink write panicked")
		}
	}()
	if err := s.Write(batch); err != nil {
		r.sinkFailures.Add(1)
		r.logger.Warn().Err(err).Str("sink", s.Name()).Int("events", len(batch)).Msg("sink write failed")
	}
}

// redactBatch applies the redactor to text fields. Events are shared with
// the stats aggregator, so redaction copies instead of mutating in place.
func (r *Recorder) redactBatch(batch []*Event) []*Event {
	if _, ok := r.redactor.(NopRedactor); ok {
		return batch
	}
	out := make([]*Event, len(batch))
	for i, ev := range batch {
		if ev.ErrorDetail == "" {
			out[i] = ev
			continue
		}
		clean, _ := r.redactor.Redact(ev.ErrorDetail)
		cp := *ev
		cp.ErrorDetail = clean
		out[i] = &cp
	}
	return out
}
