// Package optimizer deduplicates, batches and compresses outbound messages
// per delivery target.
package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	DedupWindow    time.Duration
	DedupCacheSize int
	// BatchSize of 1 or less disables batching.
	BatchSize    int
	BatchTimeout time.Duration
	// CompressionThreshold of 0 disables compression.
	CompressionThreshold int
}

// FlushFunc receives a batch that is ready to be sent to targetID. It is
// called without any optimizer lock held.
type FlushFunc func(targetID string, batch []*OutboundMessage)

// Result is the outcome of Optimize. Message is always set; callers send it
// only when neither Suppressed nor Batched is true.
type Result struct {
	Message    *OutboundMessage
	Suppressed bool
	Batched    bool
}

// Deliverable reports whether the caller should send Message now.
func (r Result) Deliverable() bool {
	return !r.Suppressed && !r.Batched
}

type Stats struct {
	Targets    int   `json:"targets"`
	Processed  int64 `json:"processed"`
	Suppressed int64 `json:"suppressed"`
	Batched    int64 `json:"batched"`
	Flushes    int64 `json:"flushes"`
	Compressed int64 `json:"compressed"`
	BytesSaved int64 `json:"bytesSaved"`
}

// target holds everything the optimizer knows about one recipient. Each
// target has its own lock so unrelated recipients never contend.
type target struct {
	mu      sync.Mutex
	seen    *lru.Cache[uint64, time.Time]
	pending []*OutboundMessage
	timer   *clock.Timer
	// gen advances every time a pending batch is taken.
	gen uint64
}

type Optimizer struct {
	cfg      Config
	clock    clock.Clock
	flush    FlushFunc
	observer metrics.Observer
	logger   *slog.Logger

	targets sync.Map // targetID -> *target
	closed  atomic.Bool

	processed  atomic.Int64
	suppressed atomic.Int64
	batched    atomic.Int64
	flushes    atomic.Int64
	compressed atomic.Int64
	bytesSaved atomic.Int64
}

func New(cfg Config, flush FlushFunc, clk clock.Clock, observer metrics.Observer, logger *slog.Logger) *Optimizer {
	if clk == nil {
		clk = clock.New()
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 1024
	}
	if flush == nil {
		flush = func(string, []*OutboundMessage) {}
	}
	return &Optimizer{
		cfg:      cfg,
		clock:    clk,
		flush:    flush,
		observer: observer,
		logger:   logger.With(slog.String("component", "optimizer")),
	}
}

func (o *Optimizer) target(targetID string) *target {
	if t, ok := o.targets.Load(targetID); ok {
		return t.(*target)
	}
	// size is validated positive in New, so the error cannot occur
	seen, _ := lru.New[uint64, time.Time](o.cfg.DedupCacheSize)
	t, _ := o.targets.LoadOrStore(targetID, &target{seen: seen})
	return t.(*target)
}

// Optimize runs msg through dedup, batching and compression for targetID.
func (o *Optimizer) Optimize(msg *OutboundMessage, targetID string) Result {
	o.processed.Add(1)
	now := o.clock.Now()
	hash := msg.ContentHash()
	t := o.target(targetID)

	t.mu.Lock()
	if o.cfg.DedupWindow > 0 {
		if seenAt, ok := t.seen.Get(hash); ok && now.Sub(seenAt) < o.cfg.DedupWindow {
			t.mu.Unlock()
			o.suppressed.Add(1)
			o.observer.Observe(metrics.MessageSuppressed)
			return Result{Message: msg, Suppressed: true}
		}
		t.seen.Add(hash, now)
	}

	if msg.Priority.bypassesBatching() || o.cfg.BatchSize <= 1 || o.closed.Load() {
		t.mu.Unlock()
		return Result{Message: o.compress(msg)}
	}

	t.pending = append(t.pending, msg)
	o.batched.Add(1)
	if len(t.pending) >= o.cfg.BatchSize {
		batch := t.takeLocked()
		t.mu.Unlock()
		o.deliver(targetID, batch)
		return Result{Message: msg, Batched: true}
	}
	if t.timer == nil {
		gen := t.gen
		t.timer = o.clock.AfterFunc(o.cfg.BatchTimeout, func() {
			o.flushExpired(targetID, t, gen)
		})
	}
	t.mu.Unlock()
	return Result{Message: msg, Batched: true}
}

// takeLocked removes and returns the pending batch. t.mu must be held.
func (t *target) takeLocked() []*OutboundMessage {
	batch := t.pending
	t.pending = nil
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return batch
}

func (o *Optimizer) flushTarget(targetID string, t *target) {
	t.mu.Lock()
	batch := t.takeLocked()
	t.mu.Unlock()
	o.deliver(targetID, batch)
}

// flushExpired flushes t only if the batch generation the timer was armed
// for is still pending. A timer that fired while a size flush held the lock
// belongs to a batch that is already gone.
func (o *Optimizer) flushExpired(targetID string, t *target, gen uint64) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	batch := t.takeLocked()
	t.mu.Unlock()
	o.deliver(targetID, batch)
}

func (o *Optimizer) deliver(targetID string, batch []*OutboundMessage) {
	if len(batch) == 0 {
		return
	}
	for i, msg := range batch {
		batch[i] = o.compress(msg)
	}
	o.flushes.Add(1)
	o.observer.Observe(metrics.BatchFlushed)
	o.flush(targetID, batch)
}

func (o *Optimizer) compress(msg *OutboundMessage) *OutboundMessage {
	out, saved, err := maybeCompress(msg, o.cfg.CompressionThreshold)
	if err != nil {
		o.logger.Warn("compression failed, sending uncompressed", slog.String("msgID", msg.ID), slog.Any("error", err))
		return msg
	}
	if out != msg {
		o.compressed.Add(1)
		o.bytesSaved.Add(int64(saved))
		o.observer.Observe(metrics.MessageCompressed)
	}
	return out
}

// Flush sends targetID's pending batch now.
func (o *Optimizer) Flush(targetID string) {
	if t, ok := o.targets.Load(targetID); ok {
		o.flushTarget(targetID, t.(*target))
	}
}

// Forget drops all state for a target that went away. Its pending batch is
// discarded.
func (o *Optimizer) Forget(targetID string) {
	v, ok := o.targets.LoadAndDelete(targetID)
	if !ok {
		return
	}
	t := v.(*target)
	t.mu.Lock()
	dropped := len(t.takeLocked())
	t.mu.Unlock()
	if dropped > 0 {
		o.logger.Debug("discarded pending batch", slog.String("target", targetID), slog.Int("messages", dropped))
	}
}

// Sweep evicts dedup entries older than the window and forgets idle targets.
// It returns the number of entries removed.
func (o *Optimizer) Sweep() int {
	now := o.clock.Now()
	removed := 0
	o.targets.Range(func(key, value any) bool {
		t := value.(*target)
		t.mu.Lock()
		for _, hash := range t.seen.Keys() {
			if seenAt, ok := t.seen.Peek(hash); ok && now.Sub(seenAt) >= o.cfg.DedupWindow {
				t.seen.Remove(hash)
				removed++
			}
		}
		idle := t.seen.Len() == 0 && len(t.pending) == 0
		t.mu.Unlock()
		if idle {
			o.targets.CompareAndDelete(key, value)
		}
		return true
	})
	return removed
}

// Run sweeps every interval until ctx is done.
func (o *Optimizer) Run(ctx context.Context, interval time.Duration) {
	ticker := o.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Sweep(); n > 0 {
				o.logger.Debug("swept dedup entries", slog.Int("removed", n))
			}
		}
	}
}

// Close flushes every pending batch. Later messages bypass batching.
func (o *Optimizer) Close() {
	o.closed.Store(true)
	o.targets.Range(func(key, value any) bool {
		o.flushTarget(key.(string), value.(*target))
		return true
	})
}

func (o *Optimizer) Stats() Stats {
	targets := 0
	o.targets.Range(func(any, any) bool {
		targets++
		return true
	})
	return Stats{
		Targets:    targets,
		Processed:  o.processed.Load(),
		Suppressed: o.suppressed.Load(),
		Batched:    o.batched.Load(),
		Flushes:    o.flushes.Load(),
		Compressed: o.compressed.Load(),
		BytesSaved: o.bytesSaved.Load(),
	}
}
