// Package relay turns worker-reported network chunks into the caller's HTTP
// response body.
package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/worker"
)

// pathAlias maps the one known URL-path alias onto its canonical form so
// events reported against either spelling match the task's expected endpoint.
var pathAlias = strings.NewReplacer("/backend-alt/", "/backend-api/")

// streamEvent is the subset of the upstream streaming payload the relay
// inspects for side-channel signals.
type streamEvent struct {
	ConversationID string `json:"conversation_id"`
	AsyncTaskID    string `json:"async_task_id"`
}

// Relay forwards matching network events into caller response sinks and
// records the two embedded side-channel signals: newly assigned conversation
// ids (granted to the requesting token before the caller can observe them)
// and async long-running task markers for out-of-band polling.
type Relay struct {
	registry *worker.Registry
	store    *access.Store
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	mu sync.Mutex
	// Correlation state is scoped per task id, never per caller token, so two
	// concurrent conversation starts by one caller cannot cross-contaminate.
	conversations map[string]string // task id -> discovered conversation id
	asyncTasks    map[string]string // task id -> async task marker
}

// New creates a relay over the given registry and access store.
func New(registry *worker.Registry, store *access.Store, logger *logging.Logger, metrics *monitoring.Metrics) *Relay {
	return &Relay{
		registry:      registry,
		store:         store,
		logger:        logger,
		metrics:       metrics,
		conversations: make(map[string]string),
		asyncTasks:    make(map[string]string),
	}
}

// OnHeaders forwards the worker's captured response status and headers to the
// caller, once.
func (r *Relay) OnHeaders(workerID string, status int, headers map[string]string) {
	w, ok := r.registry.Get(workerID)
	if !ok || w.Sink() == nil {
		return
	}
	sanitized := make(map[string]string, len(headers))
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "content-length", "content-encoding", "transfer-encoding", "set-cookie":
			// Chunked relay invalidates these; cookies stay on the account.
		default:
			sanitized[k] = v
		}
	}
	w.Sink().SendHeaders(status, sanitized)
}

// OnNetworkEvent handles one reported chunk of in-page network activity.
// Events whose URL does not match the task's expected endpoint are dropped.
func (r *Relay) OnNetworkEvent(workerID, url, text string, done bool) {
	w, ok := r.registry.Get(workerID)
	if !ok {
		// Purged worker reporting late; nothing to relay into.
		return
	}
	task := w.Task()
	sink := w.Sink()
	if task == nil || sink == nil {
		return
	}

	if !matchesExpected(url, task.ExpectedURL) {
		return
	}

	if text != "" {
		r.sniffSignals(task.ID, w.CallerToken(), text)

		if err := sink.Write([]byte(text)); err != nil {
			r.logger.Warn("caller stream write failed",
				zap.String("worker", workerID), zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.RelayChunks.Inc()
		}
	}

	if done {
		sink.Done()
		r.registry.Release(workerID)
		if r.metrics != nil {
			r.metrics.RelayStreams.WithLabelValues("done").Inc()
		}
	}
}

// matchesExpected compares a reported URL against the task's expected
// endpoint, tolerating the known path alias and an absolute-URL prefix.
func matchesExpected(url, expected string) bool {
	if expected == "" {
		return false
	}
	normalized := pathAlias.Replace(url)
	expected = pathAlias.Replace(expected)
	return strings.Contains(normalized, expected)
}

// sniffSignals scans streamed text for embedded signals. Chunks arrive as
// server-sent-event lines; partial or garbled JSON fragments are skipped with
// a log line, never fatal.
func (r *Relay) sniffSignals(taskID, callerToken, text string) {
	for _, line := range strings.Split(text, "\n") {
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := sonic.UnmarshalString(payload, &ev); err != nil {
			r.logger.Debug("skipping malformed stream fragment",
				zap.String("task", taskID), zap.Error(err))
			continue
		}

		if ev.ConversationID != "" {
			r.recordConversation(taskID, callerToken, ev.ConversationID)
		}
		if ev.AsyncTaskID != "" {
			r.recordAsyncTask(taskID, ev.AsyncTaskID)
		}
	}
}

// recordConversation grants the caller ownership of a newly assigned
// conversation id. The grant lands before the chunk containing the id is
// written to the caller, so the id is never observable without access.
func (r *Relay) recordConversation(taskID, callerToken, conversationID string) {
	r.mu.Lock()
	if r.conversations[taskID] == conversationID {
		r.mu.Unlock()
		return
	}
	r.conversations[taskID] = conversationID
	r.mu.Unlock()

	err := r.store.GrantAccess(context.Background(), conversationID, callerToken,
		access.ResourceConversation, access.AccessOwner)
	if err != nil {
		r.logger.Error("conversation grant failed",
			zap.String("task", taskID),
			zap.String("conversation", conversationID),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("conversation id recorded",
		zap.String("task", taskID),
		zap.String("conversation", conversationID),
	)
}

func (r *Relay) recordAsyncTask(taskID, asyncTaskID string) {
	r.mu.Lock()
	r.asyncTasks[taskID] = asyncTaskID
	r.mu.Unlock()
	r.logger.Info("async task marker recorded",
		zap.String("task", taskID), zap.String("async_task", asyncTaskID))
}

// ConversationID returns the conversation id discovered for a task, if any.
func (r *Relay) ConversationID(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conversations[taskID]
	return id, ok
}

// AsyncTaskID returns the async task marker recorded for a task, if any.
func (r *Relay) AsyncTaskID(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.asyncTasks[taskID]
	return id, ok
}

// Forget drops correlation state once a task's caller has gone away.
func (r *Relay) Forget(taskID string) {
	r.mu.Lock()
	delete(r.conversations, taskID)
	delete(r.asyncTasks, taskID)
	r.mu.Unlock()
}
