package fraud

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// Default lane settings.
const (
	DefaultLaneCount  = 8
	DefaultLaneBuffer = 256
)

// Result is the outcome of one submitted transaction.
type Result struct {
	Input       TransactionInput
	Transaction *Transaction
	Err         error
}

// BatchResult aggregates a batch run. Per-record errors are logged, not returned.
type BatchResult struct {
	Processed int `json:"processed_count"`
	Flagged   int `json:"flagged_count"`
	Failed    int `json:"failed_count"`
}

type job struct {
	ctx   context.Context
	input TransactionInput
	done  chan<- Result
}

// Lanes partitions transactions by user across a fixed set of workers. All
// transactions of one user go to the same lane and are processed in
// submission order; different lanes run concurrently.
type Lanes struct {
	engine *Engine
	lanes  []chan job
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLanes starts n workers in front of engine, each with a queue of buffer jobs.
func NewLanes(engine *Engine, n, buffer int, logger *slog.Logger) *Lanes {
	if n <= 0 {
		n = DefaultLaneCount
	}
	if buffer < 0 {
		buffer = DefaultLaneBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lanes{
		engine: engine,
		lanes:  make([]chan job, n),
		logger: logger,
	}
	for i := range l.lanes {
		l.lanes[i] = make(chan job, buffer)
		l.wg.Add(1)
		go l.run(i)
	}
	return l
}

// Len returns the number of lanes.
func (l *Lanes) Len() int {
	return len(l.lanes)
}

// laneFor returns the lane index for a user.
func (l *Lanes) laneFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(l.lanes)))
}

func (l *Lanes) run(idx int) {
	defer l.wg.Done()
	label := strconv.Itoa(idx)
	for j := range l.lanes[idx] {
		metrics.LaneQueueDepth.WithLabelValues(label).Set(float64(len(l.lanes[idx])))

		// Abandoned before it started: nothing was written.
		if err := j.ctx.Err(); err != nil {
			j.done <- Result{Input: j.input, Err: err}
			continue
		}

		tx, err := l.engine.Process(j.ctx, j.input)
		j.done <- Result{Input: j.input, Transaction: tx, Err: err}
	}
}

// submit enqueues one job on the user's lane. It blocks while the lane is full.
func (l *Lanes) submit(ctx context.Context, in TransactionInput, done chan<- Result) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLanesClosed
	}

	idx := l.laneFor(in.UserID)
	select {
	case l.lanes[idx] <- job{ctx: ctx, input: in, done: done}:
		metrics.LaneQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(l.lanes[idx])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one transaction on its lane and waits for the result.
func (l *Lanes) Process(ctx context.Context, in TransactionInput) (*Transaction, error) {
	done := make(chan Result, 1)
	if err := l.submit(ctx, in, done); err != nil {
		return nil, err
	}
	res := <-done
	return res.Transaction, res.Err
}

// ProcessBatch submits every input and waits for all submitted work. A bad
// record never aborts the batch. When ctx is cancelled submission stops;
// transactions already committed stay committed.
func (l *Lanes) ProcessBatch(ctx context.Context, inputs []TransactionInput) BatchResult {
	results := make(chan Result, len(inputs))
	submitted := 0
	for _, in := range inputs {
		if err := l.submit(ctx, in, results); err != nil {
			l.logger.Warn("batch submission stopped", "error", err, "submitted", submitted, "total", len(inputs))
			break
		}
		submitted++
	}

	var out BatchResult
	for i := 0; i < submitted; i++ {
		res := <-results
		if res.Err != nil {
			out.Failed++
			l.logFailure(res)
			continue
		}
		out.Processed++
		if res.Transaction.IsFlagged {
			out.Flagged++
		}
	}
	out.Failed += len(inputs) - submitted
	return out
}

func (l *Lanes) logFailure(res Result) {
	var ve *ValidationError
	switch {
	case errors.As(res.Err, &ve):
		l.logger.Warn("transaction skipped", "transaction_id", res.Input.TransactionID, "error", res.Err)
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		l.logger.Info("transaction abandoned", "transaction_id", res.Input.TransactionID)
	default:
		l.logger.Error("transaction failed", "transaction_id", res.Input.TransactionID, "error", res.Err)
	}
}

// Close stops accepting work, drains queued jobs and waits for the workers.
func (l *Lanes) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, ch := range l.lanes {
		close(ch)
	}
	l.mu.Unlock()
	l.wg.Wait()
}
