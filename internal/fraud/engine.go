package fraud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/syncutil"
	"github.com/mbd888/fraudwatch/internal/traces"
)

// Notifier receives every newly created flag. Implementations must not block
// for long; they run on the processing lane.
type Notifier interface {
	FlagRaised(ctx context.Context, flag *FlaggedTransaction)
}

// Engine is the detection orchestrator. It owns the window state for every
// user it has seen; construct one per process.
type Engine struct {
	store    Store
	tracker  *WindowTracker
	rules    []Rule
	notifier Notifier
	logger   *slog.Logger
	users    *syncutil.KeyLock
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRuleConfig replaces the default thresholds and rebuilds the tracker and rules.
func WithRuleConfig(cfg RuleConfig, scope ResetScope) Option {
	return func(e *Engine) {
		e.tracker = NewWindowTracker(cfg.FrequencyWindow, scope)
		e.rules = DefaultRules(cfg)
	}
}

// WithRules overrides the rule set. Rules run in the given order.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithNotifier sets the sink for newly created flags.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine creates an engine with the default rules and a global daily reset.
func NewEngine(store Store, opts ...Option) *Engine {
	cfg := DefaultRuleConfig()
	e := &Engine{
		store:   store,
		tracker: NewWindowTracker(cfg.FrequencyWindow, ResetGlobal),
		rules:   DefaultRules(cfg),
		logger:  slog.Default(),
		users:   syncutil.NewKeyLock(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker exposes the window state, mainly for inspection in tests.
func (e *Engine) Tracker() *WindowTracker {
	return e.tracker
}

// Store returns the backing store.
func (e *Engine) Store() Store {
	return e.store
}

// Process stores (or looks up) the transaction, updates the user's window
// state, runs every rule and records one flag per firing rule. Calls for the
// same user are serialized; submission order is the caller's concern, which
// Lanes takes care of.
//
// On a store failure the user's window state is restored to what it was
// before the call and a *StoreError is returned.
func (e *Engine) Process(ctx context.Context, in TransactionInput) (*Transaction, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "fraud.Process",
		traces.UserID(in.UserID),
		traces.TransactionID(in.TransactionID),
	)
	defer span.End()

	if err := in.Validate(); err != nil {
		metrics.TransactionsProcessedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock, err := e.users.Lock(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, created, err := e.store.ResolveTransaction(ctx, in.transaction())
	if err != nil {
		metrics.TransactionsProcessedTotal.WithLabelValues("store_error").Inc()
		traces.Fail(span, err)
		return nil, storeErr("resolve transaction", err)
	}
	if !created {
		e.logger.Debug("transaction already stored", "transaction_id", tx.TransactionID)
	}

	snap := e.tracker.snapshot(tx.UserID)
	ec := &EvalContext{
		Transaction: tx,
		WindowCount: e.tracker.Observe(tx.UserID, tx.Timestamp),
		DailyTotal:  e.tracker.AccumulateDaily(tx.UserID, dayOf(tx.Timestamp), tx.Amount),
		Store:       e.store,
	}

	for _, rule := range e.rules {
		label, err := rule.Evaluate(ctx, ec)
		if err != nil {
			return nil, e.fail(tx, snap, span, err)
		}
		if label == "" {
			continue
		}

		flag, created, err := e.store.RecordFlag(ctx, tx, label)
		if err != nil {
			return nil, e.fail(tx, snap, span, storeErr("record flag", err))
		}
		if !created {
			e.logger.Debug("duplicate flag suppressed",
				"transaction_id", tx.TransactionID,
				"rule", rule.Name(),
			)
			continue
		}

		tx.IsFlagged = true
		fraudType := label
		tx.FraudType = &fraudType
		metrics.FlagsTotal.WithLabelValues(rule.Name()).Inc()
		traces.FlagRaised(span, rule.Name(), flag.ID)
		e.logger.Info("transaction flagged",
			"transaction_id", tx.TransactionID,
			"user_id", tx.UserID,
			"rule", rule.Name(),
		)
		if e.notifier != nil {
			e.notifier.FlagRaised(ctx, flag)
		}
	}

	outcome := "clean"
	if tx.IsFlagged {
		outcome = "flagged"
	}
	metrics.TransactionsProcessedTotal.WithLabelValues(outcome).Inc()
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	return tx, nil
}

func (e *Engine) fail(tx *Transaction, snap userSnapshot, span trace.Span, err error) error {
	e.tracker.restore(tx.UserID, snap)
	traces.Fail(span, err)
	metrics.TransactionsProcessedTotal.WithLabelValues("store_error").Inc()

	var se *StoreError
	if !errors.As(err, &se) {
		err = storeErr("evaluate rules", err)
	}
	return err
}

// Recover rebuilds window state from stored transactions whose timestamps lie
// within lookback of the most recent stored transaction. It must run before
// any new transaction is processed.
func (e *Engine) Recover(ctx context.Context, lookback time.Duration) (int, error) {
	latest, err := e.store.LatestTimestamp(ctx)
	if err != nil {
		return 0, storeErr("latest timestamp", err)
	}
	if latest.IsZero() {
		return 0, nil
	}

	txs, err := e.store.ListTransactionsSince(ctx, latest.Add(-lookback))
	if err != nil {
		return 0, storeErr("list transactions", err)
	}
	for _, tx := range txs {
		e.tracker.Observe(tx.UserID, tx.Timestamp)
		e.tracker.AccumulateDaily(tx.UserID, dayOf(tx.Timestamp), tx.Amount)
	}
	e.logger.Info("window state recovered", "transactions", len(txs), "since", latest.Add(-lookback))
	return len(txs), nil
}
