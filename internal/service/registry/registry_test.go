package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []interface{}
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestAddLastWriterWins(t *testing.T) {
	reg := NewRegistry()

	var conns []*fakeConn
	var last *Session
	for i := 0; i < 5; i++ {
		conn := &fakeConn{}
		conns = append(conns, conn)
		last = NewSession(fmt.Sprintf("session-%d", i), "alice", "", nil, conn)
		reg.Add(last)
	}

	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Equal(t, last.ID, got.ID)

	// every superseded connection ends up closed
	require.Eventually(t, func() bool {
		for _, c := range conns[:4] {
			if !c.isClosed() {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
	assert.False(t, conns[4].isClosed())
}

func TestRemoveWithStaleIDIsNoOp(t *testing.T) {
	reg := NewRegistry()

	old := NewSession("session-old", "bob", "", nil, &fakeConn{})
	reg.Add(old)
	current := NewSession("session-new", "bob", "", nil, &fakeConn{})
	reg.Add(current)

	// a disconnect handler for the evicted session fires late
	reg.Remove("bob", "session-old")

	got, ok := reg.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "session-new", got.ID)

	reg.Remove("bob", "session-new")
	assert.False(t, reg.IsConnected("bob"))
}

func TestConcurrentAddsLeaveOneSession(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Add(NewSession(fmt.Sprintf("s-%d", i), "carol", "", nil, &fakeConn{}))
		}(i)
	}
	wg.Wait()

	_, ok := reg.Get("carol")
	assert.True(t, ok)
}
