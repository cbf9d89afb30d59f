package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

// ackingConn acks every assigned task back into the registry, like a healthy
// worker would over its live connection.
type ackingConn struct {
	mu       sync.Mutex
	registry *Registry
	workerID string
	ack      bool
	assigned []*Task
}

func (c *ackingConn) Send(msg *Message) error {
	if msg.Type == MsgAssignTask {
		c.mu.Lock()
		c.assigned = append(c.assigned, msg.Task)
		c.mu.Unlock()
		if c.ack {
			go c.registry.Ack(c.workerID)
		}
	}
	return nil
}

func (c *ackingConn) Close() error { return nil }

func (c *ackingConn) assignments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}

func newTestDispatcher(r *Registry, ackTimeout time.Duration) *Dispatcher {
	return NewDispatcher(r, DispatcherConfig{
		FindTimeout: 500 * time.Millisecond,
		AckTimeout:  ackTimeout,
		RetryBudget: 3,
	}, logging.NewNop(), nil)
}

func registerAcking(t *testing.T, r *Registry, id string, ack bool) *ackingConn {
	t.Helper()
	conn := &ackingConn{registry: r, workerID: id, ack: ack}
	_, err := r.Register(id, "acct-a", conn)
	require.NoError(t, err)
	return conn
}

func TestDispatchHappyPath(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	registerAcking(t, r, "w1", true)
	d := newTestDispatcher(r, time.Second)

	task := NewConversationTask("POST", "/backend-api/conversation", nil, "/backend-api/conversation")
	sink := NewSink(newRecorder())

	workerID, err := d.Dispatch(context.Background(), task, sink, "acct-a", "tok")
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)

	// The worker stays busy until the stream finishes.
	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Same(t, task, w.Task())
	assert.Same(t, sink, w.Sink())
	assert.Equal(t, "tok", w.CallerToken())
}

func TestDispatchNoWorkers(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	d := newTestDispatcher(r, time.Second)

	task := NewConversationTask("POST", "/p", nil, "/p")
	_, err := d.Dispatch(context.Background(), task, NewSink(newRecorder()), "acct-a", "tok")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoCapacity, apperr.KindOf(err))
}

func TestDispatchRetriesOnAckTimeout(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	silent := registerAcking(t, r, "w-silent", false)
	healthy := registerAcking(t, r, "w-healthy", true)
	d := newTestDispatcher(r, 50*time.Millisecond)

	task := NewConversationTask("POST", "/p", nil, "/p")
	workerID, err := d.Dispatch(context.Background(), task, NewSink(newRecorder()), "acct-a", "tok")
	require.NoError(t, err)
	assert.Equal(t, "w-healthy", workerID)

	// The silent worker was tried at most once and then purged.
	assert.LessOrEqual(t, silent.assignments(), 1)
	assert.Equal(t, 1, healthy.assignments())
	_, stillThere := r.Get("w-silent")
	if silent.assignments() == 1 {
		assert.False(t, stillThere)
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		registerAcking(t, r, id, false)
	}
	d := newTestDispatcher(r, 20*time.Millisecond)

	task := NewConversationTask("POST", "/p", nil, "/p")
	_, err := d.Dispatch(context.Background(), task, NewSink(newRecorder()), "acct-a", "tok")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoCapacity, apperr.KindOf(err))
}

func TestDispatchCallerCancellation(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	registerAcking(t, r, "w1", false)
	d := NewDispatcher(r, DispatcherConfig{
		FindTimeout: 500 * time.Millisecond,
		AckTimeout:  5 * time.Second,
		RetryBudget: 3,
	}, logging.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	task := NewConversationTask("POST", "/p", nil, "/p")
	_, err := d.Dispatch(ctx, task, NewSink(newRecorder()), "acct-a", "tok")
	require.Error(t, err)
	assert.Equal(t, apperr.KindClient, apperr.KindOf(err))
}

func TestStopGeneration(t *testing.T) {
	r := NewRegistry(30*time.Minute, 0, logging.NewNop())
	conn := &fakeConn{}
	_, err := r.Register("w1", "acct-a", conn)
	require.NoError(t, err)
	d := newTestDispatcher(r, time.Second)

	d.StopGeneration("w1")
	d.StopGeneration("missing")

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgStopGeneration, msgs[0].Type)
}
