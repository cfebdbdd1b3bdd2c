package logging

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

func (m *memSink) Write(e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestEmitterStampsComponentAndMarshalsData(t *testing.T) {
	sink := &memSink{}
	e := NewEmitter("server", sink)

	err := e.Emit(KindClientConnected, "client connected", ClientConnectedData{PeerAddr: "10.0.0.1:4242"})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	assert.Equal(t, "server", got.Component)
	assert.Equal(t, KindClientConnected, got.Kind)

	var data ClientConnectedData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "10.0.0.1:4242", data.PeerAddr)
}

func TestEmitterCloseClosesAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	e := NewEmitter("server", a, b)
	require.NoError(t, e.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNilEmitterEmitIsSafeToGuard(t *testing.T) {
	var e *Emitter
	if e != nil {
		_ = e.Emit(KindClientConnected, "unreachable", nil)
	}
}
