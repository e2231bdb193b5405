package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"creditledger/internal/ledger"
	"creditledger/internal/metrics"
	"creditledger/internal/model"

	"github.com/robfig/cron/v3"
)

// Auditor is the part of ledger.Store the reconciler reads.
type Auditor interface {
	AccountIDs(ctx context.Context, after string, limit int) ([]string, error)
	AuditAccount(ctx context.Context, accountID string) (model.AccountAudit, error)
}

const (
	DefaultSchedule = "@every 15m"
	batchSize       = 200
)

// Reconciler periodically recomputes every account's balance from its entries and
// raises an alert for each account whose stored balance disagrees.
type Reconciler struct {
	store    Auditor
	alerts   ledger.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cron     *cron.Cron
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

func NewReconciler(store Auditor, alerts ledger.Publisher, m *metrics.Metrics, schedule string, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("worker: invalid reconcile schedule %q: %w", schedule, err)
	}
	cl := cronLogger{logger: logger}
	return &Reconciler{
		store:    store,
		alerts:   alerts,
		metrics:  m,
		logger:   logger,
		schedule: schedule,
		now:      time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start schedules reconciliation runs and blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconcile run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("worker: schedule reconcile: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reconciler is running", "schedule", r.schedule)

	<-ctx.Done()
	return nil
}

// Stop stops scheduling and waits for a running pass, bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce audits every account and returns the inconsistent ones. A mismatch never
// stops the pass.
func (r *Reconciler) RunOnce(ctx context.Context) ([]model.AccountAudit, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.New("worker: reconcile already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := r.now()
	var (
		mismatches []model.AccountAudit
		checked    int
		after      string
	)
	for {
		ids, err := r.store.AccountIDs(ctx, after, batchSize)
		if err != nil {
			r.metrics.ReconcileRun("error", checked)
			return mismatches, fmt.Errorf("worker: list accounts: %w", err)
		}
		for _, id := range ids {
			audit, err := r.store.AuditAccount(ctx, id)
			if errors.Is(err, ledger.ErrAccountNotFound) {
				continue // deleted mid-pass
			}
			if err != nil {
				r.metrics.ReconcileRun("error", checked)
				return mismatches, fmt.Errorf("worker: audit %s: %w", id, err)
			}
			checked++
			if !audit.Consistent() {
				mismatches = append(mismatches, audit)
				r.raise(audit)
			}
		}
		if len(ids) < batchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	result := "ok"
	if len(mismatches) > 0 {
		result = "mismatch"
	}
	r.metrics.ReconcileRun(result, checked)
	r.logger.Info("reconcile run finished",
		"accounts", checked,
		"mismatches", len(mismatches),
		"elapsed", time.Since(start),
	)
	return mismatches, nil
}

func (r *Reconciler) raise(audit model.AccountAudit) {
	r.metrics.ReconcileMismatch()
	r.logger.Error("LEDGER MISMATCH: balance disagrees with entries",
		"account_id", audit.AccountID,
		"balance", audit.Balance,
		"entry_sum", audit.EntrySum,
		"entries", audit.EntryCount,
		"chain_break_id", audit.ChainBreakID,
	)
	if r.alerts == nil {
		return
	}
	data, err := json.Marshal(model.ReconcileMismatchAlert{Audit: audit, At: r.now().UTC()})
	if err != nil {
		r.logger.Error("failed to encode reconcile alert", "error", err)
		return
	}
	if err := r.alerts.Publish(model.SubjectReconcileMismatch, data); err != nil {
		r.logger.Error("failed to publish reconcile alert", "account_id", audit.AccountID, "error", err)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
