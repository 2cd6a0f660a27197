package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/core"
)

func queueOnly(size int) *wsStream {
	return &wsStream{send: make(chan []byte, size), done: make(chan struct{})}
}

func TestReplyWaitsBehindFullQueue(t *testing.T) {
	s := queueOnly(1)
	conn := &WsSignalConn{stream: s}
	require.NoError(t, conn.Notify("new-producer", map[string]string{"userId": "a"}))
	assert.ErrorIs(t, conn.Notify("new-producer", map[string]string{"userId": "b"}), core.ErrBackpressure)

	result := json.RawMessage(`{"ok":true}`)
	errc := make(chan error, 1)
	go func() {
		errc <- s.WriteObject(&jsonrpc2.Response{ID: jsonrpc2.ID{Num: 7}, Result: &result})
	}()
	select {
	case err := <-errc:
		t.Fatalf("reply returned before the queue drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	<-s.send
	require.NoError(t, <-errc)
	var resp jsonrpc2.Response
	require.NoError(t, json.Unmarshal(<-s.send, &resp))
	assert.Equal(t, uint64(7), resp.ID.Num)
}

func TestCloseReleasesBlockedReply(t *testing.T) {
	s := queueOnly(1)
	require.NoError(t, s.TrySend([]byte(`{}`)))

	errc := make(chan error, 1)
	go func() { errc <- s.WriteObject(map[string]int{"id": 1}) }()
	time.Sleep(20 * time.Millisecond)

	s.stop.Do(func() { close(s.done) })
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked reply not released")
	}
}
