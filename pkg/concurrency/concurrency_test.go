package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfPipeSignalUnblocksWaiters(t *testing.T) {
	p := NewSelfPipe()
	done := make(chan struct{})
	go func() {
		<-p.C()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waiter returned before signal")
	case <-time.After(20 * time.Millisecond):
	}

	p.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter did not unblock after signal")
	}
	assert.True(t, p.Signalled())
}

func TestSelfPipeResetAllowsReuse(t *testing.T) {
	p := NewSelfPipe()
	p.Signal()
	require.True(t, p.Signalled())
	p.Reset()
	assert.False(t, p.Signalled())

	select {
	case <-p.C():
		t.Fatal("pipe should not be signalled after reset")
	default:
	}
}

func TestMailboxReceiveBlocksUntilPost(t *testing.T) {
	m := NewMailbox[string]()
	got := make(chan string, 1)
	go func() { got <- m.Receive() }()

	time.Sleep(20 * time.Millisecond)
	m.Post("outcome")

	select {
	case v := <-got:
		assert.Equal(t, "outcome", v)
	case <-time.After(time.Second):
		t.Fatal("receive never unblocked")
	}
}

func TestMailboxTryReceive(t *testing.T) {
	m := NewMailbox[int]()
	_, ok := m.TryReceive()
	assert.False(t, ok)

	m.Post(42)
	v, ok := m.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = m.TryReceive()
	assert.False(t, ok)
}

func TestFlexMutexTracksHolder(t *testing.T) {
	fm := NewFlexMutex()
	const tok int64 = 7

	fm.Lock(tok)
	assert.True(t, fm.Held(tok))
	assert.False(t, fm.Held(8))

	fm.UnlockIfHeld(8) // not held by 8, no-op
	assert.True(t, fm.Held(tok))

	fm.UnlockIfHeld(tok)
	assert.False(t, fm.Held(tok))
}
