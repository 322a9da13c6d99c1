package fabric

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrOverloaded is returned when a sheddable stream exceeds its credit
// window. Callers observe it and back off; the event is not appended.
var ErrOverloaded = errors.New("fabric overloaded")

// Handler consumes one event. Returning an error triggers redelivery; after
// MaxRetries consecutive failures for the same event-id the event is
// dead-lettered and the partition moves on.
type Handler func(ctx context.Context, e *Event) error

// Config holds fabric tuning.
type Config struct {
	Partitions   int           // partitions per stream
	CreditWindow int           // per-partition publish credit window
	MaxRetries   int           // consecutive failures before dead-lettering
	DedupWindow  time.Duration // fingerprint retention
}

type subscription struct {
	consumer string
	handler  Handler
}

type partitionWorker struct {
	stream    Stream
	partition int
	ch        chan *Event
	halted    bool
	mu        sync.Mutex
}

// Fabric is the in-process event transport. Each (stream, partition) is
// served by one goroutine, so consumers see strict FIFO per partition key and
// the single-writer discipline holds for everything downstream.
type Fabric struct {
	cfg  Config
	log  *EventLog
	zlog zerolog.Logger

	dedup *Deduper

	mu      sync.RWMutex
	subs    map[Stream][]subscription
	workers map[Stream][]*partitionWorker

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a fabric over the given event log.
func New(cfg Config, eventLog *EventLog, log zerolog.Logger) *Fabric {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.CreditWindow <= 0 {
		cfg.CreditWindow = 65536
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Fabric{
		cfg:     cfg,
		log:     eventLog,
		zlog:    log.With().Str("component", "fabric").Logger(),
		dedup:   NewDeduper(cfg.DedupWindow),
		subs:    make(map[Stream][]subscription),
		workers: make(map[Stream][]*partitionWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a consumer handler for a stream. Must be called before
// Start.
func (f *Fabric) Subscribe(consumer string, stream Stream, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[stream] = append(f.subs[stream], subscription{consumer: consumer, handler: h})
}

// Start launches the partition workers.
func (f *Fabric) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true

	for stream := range f.subs {
		workers := make([]*partitionWorker, f.cfg.Partitions)
		for p := 0; p < f.cfg.Partitions; p++ {
			w := &partitionWorker{
				stream:    stream,
				partition: p,
				ch:        make(chan *Event, f.cfg.CreditWindow),
			}
			workers[p] = w
			f.wg.Add(1)
			go f.runPartition(w)
		}
		f.workers[stream] = workers
	}
}

// Stop drains the workers and waits for them to exit.
func (f *Fabric) Stop() {
	f.cancel()
	f.wg.Wait()
}

// Publish appends the event to the log and dispatches it to subscribers.
// Duplicate (source, event-id, schema-version) deliveries are dropped
// silently after the first. Sheddable streams over their credit window fail
// with ErrOverloaded; critical streams always enqueue.
func (f *Fabric) Publish(e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.WallTime.IsZero() {
		e.WallTime = time.Now()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	e.Partition = PartitionFor(e.PartitionKey, f.cfg.Partitions)

	if f.dedup.Check(e.Fingerprint()) {
		f.zlog.Debug().
			Str("event_id", e.ID).
			Str("source", e.Source).
			Msg("Duplicate event dropped")
		return nil
	}

	if err := f.log.Append(e); err != nil {
		return err
	}

	f.mu.RLock()
	workers := f.workers[e.Stream]
	f.mu.RUnlock()

	if workers == nil {
		// No subscribers; the event is logged and replayable.
		return nil
	}

	w := workers[e.Partition]
	if Sheddable(e.Stream) {
		select {
		case w.ch <- e:
			return nil
		default:
			f.zlog.Warn().
				Str("stream", string(e.Stream)).
				Int("partition", e.Partition).
				Msg("Credit window exceeded, shedding event")
			return ErrOverloaded
		}
	}

	select {
	case w.ch <- e:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

// runPartition delivers events to every subscriber in order. A handler error
// is retried up to MaxRetries times; a poison event is then dead-lettered and
// the partition continues.
func (f *Fabric) runPartition(w *partitionWorker) {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case e := <-w.ch:
			f.deliver(w, e)
		}
	}
}

func (f *Fabric) deliver(w *partitionWorker, e *Event) {
	w.mu.Lock()
	halted := w.halted
	w.mu.Unlock()
	if halted {
		return
	}

	f.mu.RLock()
	subs := f.subs[e.Stream]
	f.mu.RUnlock()

	for _, sub := range subs {
		var lastErr error
		delivered := false
		for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
			if err := sub.handler(f.ctx, e); err != nil {
				lastErr = err
				continue
			}
			delivered = true
			break
		}
		if !delivered {
			f.zlog.Error().
				Err(lastErr).
				Str("event_id", e.ID).
				Str("stream", string(e.Stream)).
				Str("consumer", sub.consumer).
				Int("failures", f.cfg.MaxRetries).
				Msg("Poison event quarantined to dead-letter stream")
			if dlqErr := f.log.DeadLetter(e, f.cfg.MaxRetries, lastErr.Error()); dlqErr != nil {
				f.zlog.Error().Err(dlqErr).Str("event_id", e.ID).Msg("Failed to dead-letter event")
			}
		}
		_ = f.log.SaveCursor(sub.consumer, e.Stream, e.Partition, e.Sequence)
	}
}

// HaltPartition stops consumption on one partition after an engine invariant
// violation. State is preserved; recovery is by replay.
func (f *Fabric) HaltPartition(stream Stream, partition int) {
	f.mu.RLock()
	workers := f.workers[stream]
	f.mu.RUnlock()
	if workers == nil || partition < 0 || partition >= len(workers) {
		return
	}
	w := workers[partition]
	w.mu.Lock()
	w.halted = true
	w.mu.Unlock()

	f.zlog.Error().
		Str("stream", string(stream)).
		Int("partition", partition).
		Msg("Partition halted")
}

// Replay re-reads the log from the given cursor and feeds each event to the
// handler in sequence order. After dedup-aware handlers this is
// indistinguishable from first delivery.
func (f *Fabric) Replay(stream Stream, partition int, from uint64, h Handler) error {
	const batch = 1024
	cursor := from
	for {
		events, err := f.log.ReadFrom(stream, partition, cursor, batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := h(f.ctx, e); err != nil {
				return err
			}
			cursor = e.Sequence + 1
		}
	}
}

// Partitions returns the configured partition count.
func (f *Fabric) Partitions() int { return f.cfg.Partitions }

// Deduper exposes the dedup index for the scheduler's sweep job.
func (f *Fabric) Deduper() *Deduper { return f.dedup }

// Log returns the underlying event log.
func (f *Fabric) Log() *EventLog { return f.log }
