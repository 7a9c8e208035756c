package optimizer_test

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-fanout/pkg/logging"
	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/optimizer"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][][]*optimizer.OutboundMessage
}

func (r *flushRecorder) flush(targetID string, batch []*optimizer.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = make(map[string][][]*optimizer.OutboundMessage)
	}
	r.batches[targetID] = append(r.batches[targetID], batch)
}

func (r *flushRecorder) get(targetID string) [][]*optimizer.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[targetID]
}

func newOptimizer(cfg optimizer.Config) (*optimizer.Optimizer, *clock.Mock, *flushRecorder, *metrics.Counting) {
	clk := clock.NewMock()
	rec := &flushRecorder{}
	obs := metrics.NewCounting()
	return optimizer.New(cfg, rec.flush, clk, obs, logging.Discard()), clk, rec, obs
}

func msg(clk clock.Clock, payload string, p optimizer.Priority) *optimizer.OutboundMessage {
	return optimizer.NewMessage("event", "project:p1", json.RawMessage(payload), p, clk.Now())
}

// --- Deduplication ---

func TestOptimize_DedupWithinWindow(t *testing.T) {
	o, clk, _, obs := newOptimizer(optimizer.Config{DedupWindow: 5 * time.Second})

	first := o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityNormal), "c1")
	require.True(t, first.Deliverable())

	clk.Add(time.Second)
	dup := o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityNormal), "c1")
	assert.True(t, dup.Suppressed)
	assert.NotNil(t, dup.Message, "suppressed messages are still returned")

	// same content for another target is independent
	other := o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityNormal), "c2")
	assert.True(t, other.Deliverable())

	assert.Equal(t, int64(1), obs.Count(metrics.MessageSuppressed))
}

func TestOptimize_DedupIgnoresIDAndKeyOrder(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{DedupWindow: 5 * time.Second})

	a := msg(clk, `{"a":1,"b":2}`, optimizer.PriorityNormal)
	b := msg(clk, `{ "b":2, "a":1 }`, optimizer.PriorityNormal)
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash(), b.ContentHash())

	require.True(t, o.Optimize(a, "c1").Deliverable())
	assert.True(t, o.Optimize(b, "c1").Suppressed)

	differentType := optimizer.NewMessage("other", "project:p1", json.RawMessage(`{"a":1,"b":2}`), optimizer.PriorityNormal, clk.Now())
	assert.True(t, o.Optimize(differentType, "c1").Deliverable())
}

func TestOptimize_DedupAfterWindow(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{DedupWindow: 5 * time.Second})

	require.True(t, o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityNormal), "c1").Deliverable())
	clk.Add(5 * time.Second)
	assert.True(t, o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityNormal), "c1").Deliverable())
}

// --- Batching ---

func TestOptimize_BatchWaitsForTimeout(t *testing.T) {
	o, clk, rec, _ := newOptimizer(optimizer.Config{BatchSize: 5, BatchTimeout: 100 * time.Millisecond})

	for i := 0; i < 4; i++ {
		res := o.Optimize(msg(clk, `{"n":`+strconv.Itoa(i)+`}`, optimizer.PriorityLow), "c1")
		assert.True(t, res.Batched)
	}
	clk.Add(99 * time.Millisecond)
	assert.Empty(t, rec.get("c1"), "must not flush before the timeout")

	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.get("c1")) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, rec.get("c1")[0], 4)
}

func TestOptimize_BatchFlushesAtSize(t *testing.T) {
	o, clk, rec, obs := newOptimizer(optimizer.Config{BatchSize: 3, BatchTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		o.Optimize(msg(clk, `{"n":`+strconv.Itoa(i)+`}`, optimizer.PriorityNormal), "c1")
	}
	batches := rec.get("c1")
	require.Len(t, batches, 1, "reaching the size flushes immediately")
	require.Len(t, batches[0], 3)
	assert.JSONEq(t, `{"n":0}`, string(batches[0][0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(batches[0][2].Payload))
	assert.Equal(t, int64(1), obs.Count(metrics.BatchFlushed))
}

func TestOptimize_HighPriorityBypassesBatching(t *testing.T) {
	o, clk, rec, _ := newOptimizer(optimizer.Config{BatchSize: 10, BatchTimeout: time.Hour})

	for _, p := range []optimizer.Priority{optimizer.PriorityHigh, optimizer.PriorityCritical} {
		res := o.Optimize(msg(clk, `{"p":"`+string(p)+`"}`, p), "c1")
		assert.True(t, res.Deliverable())
	}
	assert.Empty(t, rec.get("c1"))
}

func TestOptimize_ForgetDropsPendingAndCloseFlushes(t *testing.T) {
	o, clk, rec, _ := newOptimizer(optimizer.Config{BatchSize: 10, BatchTimeout: time.Hour})

	o.Optimize(msg(clk, `{"n":1}`, optimizer.PriorityNormal), "gone")
	o.Optimize(msg(clk, `{"n":1}`, optimizer.PriorityNormal), "kept")
	o.Forget("gone")
	o.Close()

	assert.Empty(t, rec.get("gone"))
	assert.Len(t, rec.get("kept"), 1)

	// after Close nothing waits in a batch
	assert.True(t, o.Optimize(msg(clk, `{"n":2}`, optimizer.PriorityNormal), "kept").Deliverable())
}

// --- Compression ---

func TestOptimize_CompressesLargeCompressiblePayloads(t *testing.T) {
	o, clk, _, obs := newOptimizer(optimizer.Config{CompressionThreshold: 256})

	payload := `{"text":"` + strings.Repeat("fan-out ", 200) + `"}`
	res := o.Optimize(msg(clk, payload, optimizer.PriorityHigh), "c1")
	require.True(t, res.Deliverable())
	require.True(t, res.Message.Compressed)
	assert.Equal(t, optimizer.EncodingGzip, res.Message.Encoding)
	assert.Less(t, len(res.Message.Payload), len(payload))

	plain, err := optimizer.Decompress(res.Message)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(plain))

	assert.Equal(t, int64(1), obs.Count(metrics.MessageCompressed))
	assert.Positive(t, o.Stats().BytesSaved)
}

func TestOptimize_SkipsSmallOrIncompressiblePayloads(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{CompressionThreshold: 256})

	small := o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityHigh), "c1")
	assert.False(t, small.Message.Compressed)

	random := make([]byte, 2048)
	_, err := rand.Read(random)
	require.NoError(t, err)
	noisy := o.Optimize(optimizer.NewMessage("event", "project:p1", random, optimizer.PriorityHigh, clk.Now()), "c1")
	assert.False(t, noisy.Message.Compressed)
}

func TestOptimize_CompressedFormIsSmallerOnTheWire(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{CompressionThreshold: 100})

	noise := make([]byte, 1500)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	text := base64.StdEncoding.EncodeToString(noise)

	// random base64 text gzips to roughly 0.75 of its size; the padding
	// walks the ratio across the range where base64 overhead decides
	for pad := 0; pad <= 2000; pad += 100 {
		payload := `{"text":"` + text + strings.Repeat("a", pad) + `"}`
		res := o.Optimize(optimizer.NewMessage("event", "project:p1", json.RawMessage(payload), optimizer.PriorityHigh, clk.Now()), "c"+strconv.Itoa(pad))
		require.True(t, res.Deliverable())
		if !res.Message.Compressed {
			assert.Equal(t, payload, string(res.Message.Payload), "pad=%d", pad)
			continue
		}
		assert.Less(t, float64(len(res.Message.Payload)), 0.8*float64(len(payload)), "pad=%d", pad)
		plain, err := optimizer.Decompress(res.Message)
		require.NoError(t, err)
		assert.JSONEq(t, payload, string(plain))
	}
	assert.Positive(t, o.Stats().Compressed, "long padding is worth compressing")
}

// --- Housekeeping ---

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{DedupWindow: time.Second})

	o.Optimize(msg(clk, `{"a":1}`, optimizer.PriorityHigh), "c1")
	o.Optimize(msg(clk, `{"a":2}`, optimizer.PriorityHigh), "c2")
	assert.Equal(t, 2, o.Stats().Targets)
	assert.Zero(t, o.Sweep())

	clk.Add(2 * time.Second)
	assert.Equal(t, 2, o.Sweep())
	assert.Zero(t, o.Stats().Targets)
}

func TestOptimize_ConcurrentTargets(t *testing.T) {
	o, clk, _, _ := newOptimizer(optimizer.Config{DedupWindow: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "c" + strconv.Itoa(i)
			for j := 0; j < 50; j++ {
				o.Optimize(msg(clk, `{"same":true}`, optimizer.PriorityHigh), target)
			}
		}(i)
	}
	wg.Wait()

	stats := o.Stats()
	assert.Equal(t, int64(1000), stats.Processed)
	assert.Equal(t, int64(980), stats.Suppressed)
}
