package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hikarihq/collector/internal/buffer"
	"github.com/hikarihq/collector/internal/ingest"
)

// WriteFailure describes a batch of spans that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key points
// in the drain pipeline, mirroring the instrumentation hooks a caller
// wires into OpenTelemetry.
type WriterMetrics struct {
	// OnFlush is called once a batch has been written or dropped, with the
	// time spent on it including retries. It is not called for a batch that
	// is requeued.
	OnFlush func(batchSize int, duration time.Duration)
	// OnWriteStart is called once before a batch's first write attempt. It
	// returns an end function invoked once with the batch's final outcome
	// (nil on success).
	OnWriteStart func(batchSize int) func(error)
	// OnDBConnectedChange is called on the writer's first observation of
	// database reachability and whenever that observation flips afterwards.
	OnDBConnectedChange func(connected bool)
}

const (
	writerPanicBackoffInitial = 500 * time.Millisecond
	writerPanicBackoffMax     = 30 * time.Second
	writerMaxWriteAttempts    = 5
)

// Writer is the single background loop that drains the write buffer into
// the span store. There is exactly one writer goroutine per process: a
// single drain loop keeps the store interface simple (no concurrent
// batch ordering to reason about) and gives the buffer a single,
// predictable consumer.
type Writer struct {
	store         SpanStore
	buf           *buffer.Buffer
	batchSize     int
	retryInterval time.Duration
	logger        *slog.Logger

	dbConnected atomic.Bool
	dbObserved  atomic.Bool

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	writeFailureHandle atomic.Value // WriteFailureHandler
	metrics            atomic.Value // *WriterMetrics
}

func NewWriter(store SpanStore, buf *buffer.Buffer, batchSize int, retryInterval time.Duration, logger *slog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:         store,
		buf:           buf,
		batchSize:     batchSize,
		retryInterval: retryInterval,
		logger:        logger,
		done:          make(chan struct{}),
	}
	w.writeFailureHandle.Store(noopWriteFailureHandler)
	w.metrics.Store(&WriterMetrics{})
	return w
}

// SetWriteFailureHandler replaces the callback used for write failure
// signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

// DBConnected reports the writer's most recent observation of database
// reachability, for the health endpoint.
func (w *Writer) DBConnected() bool {
	return w.dbConnected.Load()
}

// Start launches the background drain loop. It is safe to call only
// once; subsequent calls are ignored.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go w.supervise(loopCtx)
}

// supervise runs the drain loop and restarts it with bounded backoff if it
// panics, so a single malformed batch or driver bug cannot permanently
// stop span persistence.
func (w *Writer) supervise(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)

	backoff := writerPanicBackoffInitial
	for {
		stopped := w.runLoopGuarded(ctx)
		if stopped {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > writerPanicBackoffMax {
			backoff = writerPanicBackoffMax
		}
	}
}

// runLoopGuarded runs runLoop and recovers a panic, logging it instead of
// crashing the process. It returns true when the loop exited because the
// writer is shutting down (no restart needed).
func (w *Writer) runLoopGuarded(ctx context.Context) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("span writer loop panicked, restarting", "panic", r)
			stopped = false
		}
	}()
	return w.runLoop(ctx)
}

// runLoop pops and writes batches until the buffer is closed and drained
// or ctx is canceled. A caller that wants a clean, fully-drained shutdown
// must close the buffer before canceling ctx: PopBatch then keeps
// returning whatever remains until the buffer is empty, at which point it
// returns (nil, nil) and the loop exits normally.
func (w *Writer) runLoop(ctx context.Context) bool {
	for {
		batch, err := w.buf.PopBatch(ctx, w.batchSize)
		if err != nil {
			return true
		}
		if batch == nil {
			// Buffer closed with nothing left to drain.
			return true
		}
		w.writeWithRetry(ctx, batch)
	}
}

func (w *Writer) writeWithRetry(ctx context.Context, batch []ingest.Span) {
	start := time.Now()
	var endSpan func(error)
	if m := w.loadMetrics(); m != nil && m.OnWriteStart != nil {
		endSpan = m.OnWriteStart(len(batch))
	}

	var lastErr error
	permanentRetried := false
	for attempt := 0; attempt < writerMaxWriteAttempts; attempt++ {
		err := w.store.WriteBatch(ctx, batch)
		if err == nil {
			w.setDBConnected(true)
			if endSpan != nil {
				endSpan(nil)
			}
			if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
				m.OnFlush(len(batch), time.Since(start))
			}
			return
		}

		lastErr = err
		class := ClassifyWriteError(err)
		w.setDBConnected(class != WriteErrorClassConnection && class != WriteErrorClassTimeout)

		if !IsTransient(class) {
			// A poison batch must not stall the writer indefinitely, but it
			// still gets the one retry the permanent-error policy promises.
			if permanentRetried {
				break
			}
			permanentRetried = true
		}

		select {
		case <-ctx.Done():
			// Give up retrying under cancellation but preserve the batch
			// by requeuing it rather than dropping it.
			w.buf.Requeue(batch)
			if endSpan != nil {
				endSpan(ctx.Err())
			}
			return
		case <-time.After(w.retryInterval):
		}
	}

	if IsTransient(ClassifyWriteError(lastErr)) {
		// Transient failures never drop a batch: it goes back to the front
		// of the buffer so the next drain retries it.
		w.buf.Requeue(batch)
		if endSpan != nil {
			endSpan(lastErr)
		}
		return
	}

	if endSpan != nil {
		endSpan(lastErr)
	}
	if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
		m.OnFlush(len(batch), time.Since(start))
	}
	w.reportWriteFailure(WriteFailure{
		Operation:   "write_batch",
		BatchSize:   len(batch),
		FailedCount: len(batch),
		Err:         lastErr,
	})
}

func (w *Writer) setDBConnected(connected bool) {
	previous := w.dbConnected.Swap(connected)
	if w.dbObserved.Swap(true) && previous == connected {
		return
	}
	if m := w.loadMetrics(); m != nil && m.OnDBConnectedChange != nil {
		m.OnDBConnectedChange(connected)
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.logger.Error("dropping span batch after exhausting write retries",
		"batch_size", failure.BatchSize,
		"error_class", failure.ErrorClass,
		"error", failure.Err,
	)
	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Stop requests shutdown with no deadline.
func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown waits for the drain loop to finish, bounded by ctx. The
// caller is expected to have closed the write buffer beforehand so the
// loop drains everything remaining and exits on its own; if ctx expires
// first, the loop is force-canceled and Shutdown returns ctx.Err(),
// leaving whatever is still queued in the buffer.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.stopOnce.Do(func() {
		if !w.started.Load() {
			// Never started: nothing to wait for.
			w.cancelMu.Lock()
			cancel := w.cancel
			w.cancelMu.Unlock()
			if cancel != nil {
				cancel()
			}
			close(w.done)
		}
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancelMu.Lock()
		cancel := w.cancel
		w.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-w.done
		return ctx.Err()
	}
}
