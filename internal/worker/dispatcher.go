package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

const pollInterval = 100 * time.Millisecond

// DispatcherConfig holds dispatch timing knobs.
type DispatcherConfig struct {
	FindTimeout time.Duration
	AckTimeout  time.Duration
	RetryBudget int
}

// Dispatcher assigns tasks to free workers, enforcing the ack timeout and
// retrying against a different worker on worker faults.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	return &Dispatcher{registry: registry, cfg: cfg, logger: logger, metrics: metrics}
}

// Registry exposes the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// findAvailable wait-polls for a free worker bound to the account, atomically
// claiming it with the task context. Returns nil on timeout.
func (d *Dispatcher) findAvailable(ctx context.Context, accountName string, excluded map[string]bool, task *Task, sink *Sink, callerToken string) *Worker {
	deadline := time.Now().Add(d.cfg.FindTimeout)
	for {
		if w := d.registry.acquire(accountName, excluded, task, sink, callerToken); w != nil {
			return w
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// Dispatch sends the task to a free worker for the account and returns the
// serving worker's id once it has acknowledged. On ack timeout the worker is
// purged and dispatch is retried against a different worker, up to the retry
// budget. The sink is not completed here on success; the streaming relay owns
// it from ack onward.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task, sink *Sink, accountName, callerToken string) (string, error) {
	tried := make(map[string]bool)

	for attempt := 0; attempt < d.cfg.RetryBudget; attempt++ {
		if attempt > 0 && d.metrics != nil {
			d.metrics.DispatchRetries.Inc()
		}

		w := d.findAvailable(ctx, accountName, tried, task, sink, callerToken)
		if w == nil {
			if d.metrics != nil {
				d.metrics.RecordDispatch(accountName, "no_capacity")
			}
			return "", apperr.New(apperr.KindNoCapacity, "no workers available for account "+accountName)
		}
		tried[w.ID] = true

		if err := w.Send(&Message{Type: MsgAssignTask, Task: task}); err != nil {
			d.logger.Warn("task send failed, purging worker",
				zap.String("worker", w.ID), zap.Error(err))
			d.registry.Purge(w.ID)
			continue
		}

		select {
		case <-w.ackCh:
			d.logger.Debug("task acknowledged",
				zap.String("worker", w.ID), zap.String("task", task.ID))
			if d.metrics != nil {
				d.metrics.RecordDispatch(accountName, "acked")
			}
			return w.ID, nil

		case <-time.After(d.cfg.AckTimeout):
			// The worker never acknowledged: force-close it and retry
			// elsewhere. A late ack from this worker is harmless, its
			// registry entry is gone.
			d.logger.Warn("ack timeout, purging worker",
				zap.String("worker", w.ID), zap.String("task", task.ID))
			if d.metrics != nil {
				d.metrics.AckTimeouts.Inc()
			}
			d.registry.Purge(w.ID)

		case <-ctx.Done():
			d.registry.Purge(w.ID)
			return "", apperr.Wrap(apperr.KindClient, "caller went away during dispatch", ctx.Err())
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch(accountName, "exhausted")
	}
	return "", apperr.New(apperr.KindNoCapacity, "dispatch retries exhausted, please resend")
}

// StopGeneration asks the worker currently serving the task to cancel it.
func (d *Dispatcher) StopGeneration(workerID string) {
	if w, ok := d.registry.Get(workerID); ok {
		if err := w.Send(&Message{Type: MsgStopGeneration}); err != nil {
			d.logger.Warn("stop generation send failed", zap.String("worker", workerID), zap.Error(err))
		}
	}
}
