package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

// Conn is the worker's bidirectional connection handle.
type Conn interface {
	Send(msg *Message) error
	Close() error
}

// Worker is one live automation session bound to exactly one account.
// At most one task is in flight per worker; available is false iff a task
// is currently assigned.
type Worker struct {
	ID      string
	Account string

	conn        Conn
	available   bool
	task        *Task
	sink        *Sink
	callerToken string
	assignedAt  time.Time
	lastSeen    time.Time
	ackCh       chan struct{}
	ackOnce     sync.Once
}

// Task returns the in-flight task, or nil.
func (w *Worker) Task() *Task { return w.task }

// Sink returns the bound caller response sink, or nil.
func (w *Worker) Sink() *Sink { return w.sink }

// CallerToken returns the access token of the requesting user.
func (w *Worker) CallerToken() string { return w.callerToken }

// Send writes a message to the worker's connection.
func (w *Worker) Send(msg *Message) error { return w.conn.Send(msg) }

// Registry is the single shared table of connected workers. All state
// transitions happen under one lock so concurrent dispatch attempts for the
// same account can never double-assign a worker.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	logger  *logging.Logger

	// silentWindow bounds how long a busy worker may go without any message
	// before it is treated as disconnected.
	silentWindow    time.Duration
	disconnectGrace time.Duration
}

// NewRegistry creates an empty worker registry.
func NewRegistry(silentWindow, disconnectGrace time.Duration, logger *logging.Logger) *Registry {
	return &Registry{
		workers:         make(map[string]*Worker),
		logger:          logger,
		silentWindow:    silentWindow,
		disconnectGrace: disconnectGrace,
	}
}

// Register adds a worker in available state. Both a worker id and an account
// name are required.
func (r *Registry) Register(workerID, accountName string, conn Conn) (*Worker, error) {
	if workerID == "" || accountName == "" {
		return nil, apperr.New(apperr.KindClient, "registration requires both worker id and account name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.workers[workerID]; exists {
		// A reconnecting worker replaces its stale registration.
		old.conn.Close()
		r.logger.Warn("worker re-registered, replacing stale entry", zap.String("worker", workerID))
	}

	w := &Worker{
		ID:        workerID,
		Account:   accountName,
		conn:      conn,
		available: true,
		lastSeen:  time.Now(),
		ackCh:     make(chan struct{}),
	}
	r.workers[workerID] = w
	r.logger.Info("worker registered",
		zap.String("worker", workerID),
		zap.String("account", accountName),
	)
	return w, nil
}

// Get looks up a worker by id.
func (r *Registry) Get(workerID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// Counts returns (connected, busy) worker counts for an account.
func (r *Registry) Counts(accountName string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected, busy := 0, 0
	for _, w := range r.workers {
		if w.Account != accountName {
			continue
		}
		connected++
		if !w.available {
			busy++
		}
	}
	return connected, busy
}

// acquire atomically claims an available worker for the account, binding the
// task, sink and caller context before any other dispatcher can see it.
// Workers in the excluded set (already tried this dispatch) are skipped.
func (r *Registry) acquire(accountName string, excluded map[string]bool, task *Task, sink *Sink, callerToken string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, w := range r.workers {
		if w.Account != accountName || !w.available || excluded[w.ID] {
			continue
		}
		if r.silentWindow > 0 && now.Sub(w.lastSeen) > r.silentWindow {
			// Registered but silent beyond the window: indistinguishable
			// from a disconnect.
			continue
		}
		w.available = false
		w.task = task
		w.sink = sink
		w.callerToken = callerToken
		w.assignedAt = now
		w.ackCh = make(chan struct{})
		w.ackOnce = sync.Once{}
		return w
	}
	return nil
}

// Release returns a worker to the pool after its task completed.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.available = true
	w.task = nil
	w.sink = nil
	w.callerToken = ""
}

// Ack records the worker's task acknowledgment. The close happens under the
// registry lock; acquire resets ackCh and ackOnce under the same lock, so a
// late ack can never fire against the next task's channel.
func (r *Registry) Ack(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.ackOnce.Do(func() { close(w.ackCh) })
}

// Touch refreshes a worker's liveness timestamp.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.lastSeen = time.Now()
	}
}

// Purge forcibly removes a worker: the connection is closed and every registry
// entry for the id disappears. The in-flight sink, if any, is returned so the
// caller can decide how to fail it.
func (r *Registry) Purge(workerID string) *Sink {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	w.conn.Close()
	r.logger.Info("worker purged", zap.String("worker", workerID), zap.String("account", w.Account))
	return w.sink
}

// HandleDisconnect removes a worker whose connection dropped. If a task was
// outstanding, the caller's response is failed after a short grace period so
// a final completion signal racing the disconnect can still win.
func (r *Registry) HandleDisconnect(workerID string) {
	sink := r.Purge(workerID)
	if sink == nil || sink.Completed() {
		return
	}

	grace := r.disconnectGrace
	go func() {
		if grace > 0 {
			time.Sleep(grace)
		}
		if !sink.Completed() {
			sink.Fail(apperr.New(apperr.KindWorkerFault, "worker disconnected unexpectedly, please resend"))
		}
	}()
}
