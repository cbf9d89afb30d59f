package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

// fakeConn records sent messages for assertions.
type fakeConn struct {
	mu     sync.Mutex
	sent   []*Message
	closed bool
}

func (c *fakeConn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(30*time.Minute, 10*time.Millisecond, logging.NewNop())
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name      string
		workerID  string
		account   string
		expectErr bool
	}{
		{"valid", "w1", "acct-a", false},
		{"missing worker id", "", "acct-a", true},
		{"missing account", "w1", "", true},
		{"both missing", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			w, err := r.Register(tt.workerID, tt.account, &fakeConn{})
			if tt.expectErr {
				require.Error(t, err)
				assert.Equal(t, apperr.KindClient, apperr.KindOf(err))
				assert.Nil(t, w)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.workerID, w.ID)
			}
		})
	}
}

func TestReRegisterReplacesStaleEntry(t *testing.T) {
	r := newTestRegistry(t)
	old := &fakeConn{}
	_, err := r.Register("w1", "acct-a", old)
	require.NoError(t, err)

	_, err = r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)
	assert.True(t, old.closed)
}

func TestAcquireIsExclusive(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/backend-api/conversation", nil, "/backend-api/conversation")
	first := r.acquire("acct-a", nil, task, nil, "tok")
	require.NotNil(t, first)

	// The worker is claimed; nothing else can grab it.
	second := r.acquire("acct-a", nil, task, nil, "tok")
	assert.Nil(t, second)

	r.Release(first.ID)
	third := r.acquire("acct-a", nil, task, nil, "tok")
	require.NotNil(t, third)
	assert.Equal(t, first.ID, third.ID)
}

func TestConcurrentAcquireNeverDoubleAssigns(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"w1", "w2"} {
		_, err := r.Register(id, "acct-a", &fakeConn{})
		require.NoError(t, err)
	}

	task := NewConversationTask("POST", "/p", nil, "/p")
	const attempts = 20
	results := make(chan *Worker, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.acquire("acct-a", nil, task, nil, "tok")
		}()
	}
	wg.Wait()
	close(results)

	claimed := make(map[string]int)
	for w := range results {
		if w != nil {
			claimed[w.ID]++
		}
	}
	// Two workers, so exactly two claims total and at most one per worker.
	total := 0
	for id, n := range claimed {
		assert.Equal(t, 1, n, "worker %s claimed more than once", id)
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestAcquireSkipsExcluded(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")
	w := r.acquire("acct-a", map[string]bool{"w1": true}, task, nil, "tok")
	assert.Nil(t, w)
}

func TestAcquireSkipsSilentWorkers(t *testing.T) {
	r := NewRegistry(time.Millisecond, 0, logging.NewNop())
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	task := NewConversationTask("POST", "/p", nil, "/p")
	assert.Nil(t, r.acquire("acct-a", nil, task, nil, "tok"))

	// A message from the worker restores eligibility.
	r.Touch("w1")
	assert.NotNil(t, r.acquire("acct-a", nil, task, nil, "tok"))
}

func TestAcquireIgnoresOtherAccounts(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")
	assert.Nil(t, r.acquire("acct-b", nil, task, nil, "tok"))
}

func TestPurgeReturnsBoundSink(t *testing.T) {
	r := newTestRegistry(t)
	conn := &fakeConn{}
	_, err := r.Register("w1", "acct-a", conn)
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")
	sink := NewSink(newRecorder())
	w := r.acquire("acct-a", nil, task, sink, "tok")
	require.NotNil(t, w)

	got := r.Purge("w1")
	assert.Same(t, sink, got)
	assert.True(t, conn.closed)

	_, ok := r.Get("w1")
	assert.False(t, ok)
}

func TestHandleDisconnectFailsSinkAfterGrace(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")
	sink := NewSink(newRecorder())
	require.NotNil(t, r.acquire("acct-a", nil, task, sink, "tok"))

	r.HandleDisconnect("w1")

	err = sink.Wait()
	require.Error(t, err)
	assert.Equal(t, apperr.KindWorkerFault, apperr.KindOf(err))
}

func TestHandleDisconnectLosesToLateCompletion(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")
	sink := NewSink(newRecorder())
	require.NotNil(t, r.acquire("acct-a", nil, task, sink, "tok"))

	r.HandleDisconnect("w1")
	// A completion racing inside the grace window wins.
	sink.Done()

	assert.NoError(t, sink.Wait())
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, sink.Wait())
}

func TestAckRacingReacquire(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", "acct-a", &fakeConn{})
	require.NoError(t, err)

	task := NewConversationTask("POST", "/p", nil, "/p")

	// Stray acks concurrent with acquire/release cycles must never panic by
	// double-closing a freshly armed channel.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Ack("w1")
		}
	}()
	for i := 0; i < 500; i++ {
		if w := r.acquire("acct-a", nil, task, nil, "tok"); w != nil {
			r.Release(w.ID)
		}
	}
	wg.Wait()

	// The channel armed by the latest acquire still closes exactly once.
	w := r.acquire("acct-a", nil, task, nil, "tok")
	require.NotNil(t, w)
	r.Ack("w1")
	r.Ack("w1")
	select {
	case <-w.ackCh:
	default:
		t.Fatal("ack did not close the armed channel")
	}
}

func TestCounts(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := r.Register(id, "acct-a", &fakeConn{})
		require.NoError(t, err)
	}

	task := NewConversationTask("POST", "/p", nil, "/p")
	require.NotNil(t, r.acquire("acct-a", nil, task, nil, "tok"))

	connected, busy := r.Counts("acct-a")
	assert.Equal(t, 3, connected)
	assert.Equal(t, 1, busy)
}
