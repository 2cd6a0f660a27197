package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/app/orch"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/testutils"
)

type inbox struct {
	mu    sync.Mutex
	notes []*jsonrpc2.Request
}

func (b *inbox) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	b.mu.Lock()
	b.notes = append(b.notes, req)
	b.mu.Unlock()
}

func (b *inbox) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.notes {
		if r.Method == method {
			n++
		}
	}
	return n
}

type server struct {
	o   *orch.Orchestrator
	ctl *SignalWSController
	url string
}

func newServer(t *testing.T, opts Options) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	o := orch.New(testutils.NewEngine(), nil, orch.Options{})
	ctl := NewSignalWSController(o, opts)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctl.ServeWS(ctx, w, r, domain.UserID(r.URL.Query().Get("user")))
	}))
	t.Cleanup(func() {
		cancel()
		hs.Close()
		ctl.Wait()
		o.Close()
	})
	return &server{o: o, ctl: ctl, url: "ws" + strings.TrimPrefix(hs.URL, "http")}
}

type client struct {
	rpc   *jsonrpc2.Conn
	inbox *inbox
}

func (s *server) dial(t *testing.T, user string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url+"?user="+user, nil)
	require.NoError(t, err)
	in := &inbox{}
	rpc := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), in)
	t.Cleanup(func() { _ = rpc.Close() })
	return &client{rpc: rpc, inbox: in}
}

func (c *client) call(t *testing.T, method string, params, result any) {
	t.Helper()
	require.NoError(t, c.rpc.Call(context.Background(), method, params, result))
}

func (c *client) joinWithTransports(t *testing.T) {
	t.Helper()
	var joined protocol.JoinVoiceResult
	c.call(t, protocol.MethodJoinVoice, protocol.JoinVoiceParams{ChannelID: "general"}, &joined)
	for _, m := range []string{protocol.MethodCreateProducerTransport, protocol.MethodCreateConsumerTransport} {
		var tp core.TransportParams
		c.call(t, m, nil, &tp)
		var ack protocol.Ack
		c.call(t, protocol.MethodConnectTransport, protocol.ConnectTransportParams{TransportID: tp.ID}, &ack)
		require.True(t, ack.OK)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	s := newServer(t, Options{})
	a := s.dial(t, "a")
	b := s.dial(t, "b")
	a.joinWithTransports(t)
	b.joinWithTransports(t)

	var prod protocol.ProduceResult
	a.call(t, protocol.MethodProduce, protocol.ProduceParams{
		Kind:          domain.KindAudio,
		RtpParameters: testutils.AudioParameters(1),
	}, &prod)
	require.NotEmpty(t, prod.ProducerID)

	require.Eventually(t, func() bool { return b.inbox.count(protocol.EventNewProducer) == 1 }, time.Second, 10*time.Millisecond)

	var list protocol.ProducersResult
	b.call(t, protocol.MethodGetProducers, nil, &list)
	assert.Equal(t, []domain.UserID{"a"}, list.Audio)

	var cons protocol.ConsumeResult
	b.call(t, protocol.MethodConsume, protocol.ConsumeParams{
		Kind:            domain.KindAudio,
		RemoteUserID:    "a",
		RtpCapabilities: protocol.RouterCapabilities(),
	}, &cons)
	assert.Equal(t, prod.ProducerID, cons.ProducerID)

	var st protocol.UpdateStateResult
	a.call(t, protocol.MethodUpdateState, protocol.UpdateStateParams{MicMuted: domain.Bool(true)}, &st)
	assert.True(t, st.State.MicMuted)
	require.Eventually(t, func() bool { return b.inbox.count(protocol.EventVoiceStateUpdated) == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.o.Metrics.Requests.WithLabelValues(protocol.MethodProduce, "ok")))
}

func TestSignalErrorsCarryCodes(t *testing.T) {
	s := newServer(t, Options{})
	a := s.dial(t, "a")

	err := a.rpc.Call(context.Background(), protocol.MethodCreateProducerTransport, nil, nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.CodeBadRequest, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "not in a voice channel")

	a.joinWithTransports(t)
	err = a.rpc.Call(context.Background(), protocol.MethodConsume, protocol.ConsumeParams{
		Kind: domain.KindVideo, RemoteUserID: "ghost", RtpCapabilities: protocol.RouterCapabilities(),
	}, nil)
	assert.ErrorIs(t, protocol.FromRPCError(err), core.ErrNotFound)

	err = a.rpc.Call(context.Background(), protocol.MethodProduce, json.RawMessage(`"nope"`), nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = a.rpc.Call(context.Background(), "teleport", nil, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestSignalRateLimit(t *testing.T) {
	s := newServer(t, Options{RateLimit: 0.001, RateBurst: 1})
	a := s.dial(t, "a")

	var ack protocol.Ack
	a.call(t, protocol.MethodPing, nil, &ack)
	err := a.rpc.Call(context.Background(), protocol.MethodPing, nil, &ack)
	assert.ErrorIs(t, protocol.FromRPCError(err), protocol.ErrRateLimited)
}

func TestReplacedConnectionKeepsRateBucket(t *testing.T) {
	s := newServer(t, Options{RateLimit: 0.001, RateBurst: 2})
	first := s.dial(t, "a")
	var ack protocol.Ack
	first.call(t, protocol.MethodPing, nil, &ack)

	second := s.dial(t, "a")
	select {
	case <-first.rpc.DisconnectNotify():
	case <-time.After(time.Second):
		t.Fatal("replaced connection stays open")
	}
	// Let the server finish the old connection's teardown.
	time.Sleep(100 * time.Millisecond)

	second.call(t, protocol.MethodPing, nil, &ack)
	err := second.rpc.Call(context.Background(), protocol.MethodPing, nil, &ack)
	assert.ErrorIs(t, protocol.FromRPCError(err), protocol.ErrRateLimited)
}

func TestSignalDisconnectLeaves(t *testing.T) {
	s := newServer(t, Options{})
	a := s.dial(t, "a")
	b := s.dial(t, "b")
	a.joinWithTransports(t)
	b.joinWithTransports(t)

	require.NoError(t, a.rpc.Close())
	require.Eventually(t, func() bool {
		_, ok := s.o.Rooms.FindByUserID("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.inbox.count(protocol.EventUserLeftVoice) == 1 }, time.Second, 10*time.Millisecond)
}

func TestSignalReconnectReplacesSession(t *testing.T) {
	s := newServer(t, Options{})
	first := s.dial(t, "a")
	first.joinWithTransports(t)

	second := s.dial(t, "a")
	select {
	case <-first.rpc.DisconnectNotify():
	case <-time.After(time.Second):
		t.Fatal("replaced connection stays open")
	}
	second.joinWithTransports(t)
	rt, ok := s.o.Rooms.FindByUserID("a")
	require.True(t, ok)
	assert.Equal(t, 1, rt.ParticipantCount())
}

func TestUserRateLimiter(t *testing.T) {
	rl := NewUserRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}
