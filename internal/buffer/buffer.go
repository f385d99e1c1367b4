// Package buffer implements the in-memory write buffer that sits between
// span ingestion and the database writer. Spans are held in a bounded FIFO;
// when the buffer is full, the oldest span is dropped to make room for the
// newest one, so ingestion never blocks on a slow or unavailable database.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hikarihq/collector/internal/ingest"
)

const (
	PressureOK        = "ok"
	PressureElevated  = "elevated"
	PressureHigh      = "high"
	PressureSaturated = "saturated"
)

// Diagnostics is a point-in-time snapshot of buffer occupancy and drop
// counters for operator visibility via the health endpoint and metrics.
type Diagnostics struct {
	Capacity                int
	Depth                   int
	DepthHighWatermark      int
	UtilizationPct          int
	HighWatermarkUtilPct    int
	PressureState           string
	HighWatermarkPressure   string
	AcceptedTotal           int64
	DroppedTotal            int64
	LastDropAt              *time.Time
}

// Buffer is a bounded, mutex-protected FIFO of decoded spans awaiting
// database persistence. Writers pop batches off the front; ingestion
// pushes new spans onto the back. When full, the oldest queued span is
// dropped rather than rejecting the newest arrival, because the newest
// span is the one most likely to still be relevant once the database
// writer catches up.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	items    []ingest.Span
	capacity int
	closed   bool

	acceptedTotal      atomic.Int64
	droppedTotal       atomic.Int64
	depthHighWatermark atomic.Int64
	lastDropUnixNano   atomic.Int64
}

// New creates a Buffer with room for capacity spans. A non-positive
// capacity is rejected by config validation before it reaches here, but a
// defensive minimum keeps the type usable in isolation.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer{
		items:    make([]ingest.Span, 0, capacity),
		capacity: capacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends span to the back of the buffer. It reports whether an
// older span had to be dropped to make room.
func (b *Buffer) Push(span ingest.Span) (dropped bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		dropped = true
	}
	b.items = append(b.items, span)
	b.observeDepthLocked()
	if dropped {
		b.droppedTotal.Add(1)
		b.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
	} else {
		b.acceptedTotal.Add(1)
	}
	b.mu.Unlock()
	b.cond.Signal()
	return dropped
}

// PushBatch pushes spans in order, returning the number dropped to make
// room for them.
func (b *Buffer) PushBatch(spans []ingest.Span) (droppedCount int) {
	for _, s := range spans {
		if b.Push(s) {
			droppedCount++
		}
	}
	return droppedCount
}

// Requeue places spans back at the front of the buffer, for a writer that
// failed to persist a batch and wants it retried before newer arrivals.
// Requeue never drops: a batch that was already accepted once should not
// be silently lost because of a transient write failure. If the buffer
// would overflow capacity as a result, it grows a single time to absorb
// the retried batch rather than dropping spans the caller is actively
// trying to save.
func (b *Buffer) Requeue(spans []ingest.Span) {
	if len(spans) == 0 {
		return
	}
	b.mu.Lock()
	combined := make([]ingest.Span, 0, len(spans)+len(b.items))
	combined = append(combined, spans...)
	combined = append(combined, b.items...)
	b.items = combined
	if len(b.items) > b.capacity {
		b.capacity = len(b.items)
	}
	b.observeDepthLocked()
	b.mu.Unlock()
	b.cond.Broadcast()
}

// PopBatch blocks until at least one span is available, the buffer is
// closed, or ctx is done, then removes and returns up to maxBatch spans
// from the front of the buffer in FIFO order.
func (b *Buffer) PopBatch(ctx context.Context, maxBatch int) ([]ingest.Span, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-stop:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.items) == 0 {
		return nil, nil
	}

	n := maxBatch
	if n > len(b.items) {
		n = len(b.items)
	}
	batch := make([]ingest.Span, n)
	copy(batch, b.items[:n])
	b.items = b.items[n:]
	return batch, nil
}

// Close marks the buffer closed and wakes any goroutine blocked in
// PopBatch. Subsequent Push calls are ignored.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Len returns the number of spans currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Usage returns the buffer's occupancy as a fraction of capacity, in
// [0, 1], for the health endpoint's buffer_usage field.
func (b *Buffer) Usage() float64 {
	b.mu.Lock()
	depth := len(b.items)
	capacity := b.capacity
	b.mu.Unlock()
	if capacity <= 0 {
		return 0
	}
	return float64(depth) / float64(capacity)
}

// Diagnostics returns a point-in-time snapshot of occupancy and drop
// counters.
func (b *Buffer) Diagnostics() Diagnostics {
	b.mu.Lock()
	depth := len(b.items)
	capacity := b.capacity
	b.mu.Unlock()

	highWatermark := int(b.depthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}

	utilPct := utilizationPct(depth, capacity)
	highWatermarkUtilPct := utilizationPct(highWatermark, capacity)

	snapshot := Diagnostics{
		Capacity:              capacity,
		Depth:                 depth,
		DepthHighWatermark:    highWatermark,
		UtilizationPct:        utilPct,
		HighWatermarkUtilPct:  highWatermarkUtilPct,
		PressureState:         pressureState(utilPct),
		HighWatermarkPressure: pressureState(highWatermarkUtilPct),
		AcceptedTotal:         b.acceptedTotal.Load(),
		DroppedTotal:          b.droppedTotal.Load(),
	}
	if ts := b.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	return snapshot
}

func (b *Buffer) observeDepthLocked() {
	depth := int64(len(b.items))
	for {
		current := b.depthHighWatermark.Load()
		if depth <= current {
			return
		}
		if b.depthHighWatermark.CompareAndSwap(current, depth) {
			return
		}
	}
}

func utilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return (depth * 100) / capacity
}

func pressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return PressureSaturated
	case utilizationPct >= 80:
		return PressureHigh
	case utilizationPct >= 50:
		return PressureElevated
	default:
		return PressureOK
	}
}
