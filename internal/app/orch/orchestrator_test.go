package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/app"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/testutils"
)

type note struct {
	method string
	params any
}

type fakeConn struct {
	mu    sync.Mutex
	notes []note
	full  bool
}

func (c *fakeConn) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return core.ErrBackpressure
	}
	c.notes = append(c.notes, note{method, params})
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.notes {
		if e.method == method {
			n++
		}
	}
	return n
}

type harness struct {
	engine *testutils.Engine
	o      *Orchestrator
	conns  map[domain.UserID]*fakeConn
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{engine: testutils.NewEngine(), conns: map[domain.UserID]*fakeConn{}}
	h.o = New(h.engine, nil, opts)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) connect(u domain.UserID) *fakeConn {
	c := &fakeConn{}
	h.conns[u] = c
	h.o.Connect(u, c, func() {})
	return c
}

// join connects u, joins general and opens both transports.
func (h *harness) join(t *testing.T, u domain.UserID) *fakeConn {
	t.Helper()
	ctx := context.Background()
	c := h.connect(u)
	_, err := h.o.Join(ctx, u, protocol.JoinVoiceParams{ChannelID: "general"})
	require.NoError(t, err)
	for _, create := range []func(context.Context, domain.UserID) (core.TransportParams, error){
		h.o.CreateProducerTransport, h.o.CreateConsumerTransport,
	} {
		tp, err := create(ctx, u)
		require.NoError(t, err)
		_, err = h.o.ConnectTransport(ctx, u, protocol.ConnectTransportParams{TransportID: tp.ID})
		require.NoError(t, err)
	}
	return c
}

func TestJoinPublishesToOthers(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.join(t, "a")
	b := h.connect("b")

	res, err := h.o.Join(context.Background(), "b", protocol.JoinVoiceParams{ChannelID: "general"})
	require.NoError(t, err)
	assert.Len(t, res.Participants, 2)
	assert.NotEmpty(t, res.RouterRtpCapabilities.Codecs)

	assert.Equal(t, 1, a.count(protocol.EventUserJoinedVoice))
	assert.Zero(t, b.count(protocol.EventUserJoinedVoice), "joiner is not told about itself")

	// Joining again changes nothing.
	_, err = h.o.Join(context.Background(), "b", protocol.JoinVoiceParams{ChannelID: "general"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.count(protocol.EventUserJoinedVoice))
}

func TestJoinRequiresSessionAndChannel(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.Join(context.Background(), "a", protocol.JoinVoiceParams{ChannelID: "general"})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	h.connect("a")
	_, err = h.o.Join(context.Background(), "a", protocol.JoinVoiceParams{ChannelID: ""})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestJoinOtherChannelLeavesFirst(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "a")
	b := h.join(t, "b")

	_, err := h.o.Join(context.Background(), "a", protocol.JoinVoiceParams{ChannelID: "music"})
	require.NoError(t, err)

	assert.Equal(t, 1, b.count(protocol.EventUserLeftVoice))
	snap := h.o.Rooms.Snapshot()
	assert.NotContains(t, snap["general"], domain.UserID("a"))
	assert.Contains(t, snap["music"], domain.UserID("a"))
}

func TestProduceRequiresCapability(t *testing.T) {
	h := newHarness(t, Options{Auth: app.StaticAuthorizer{
		Default: domain.Capabilities{Speak: true},
	}})
	h.join(t, "a")

	_, err := h.o.Produce(context.Background(), "a", protocol.ProduceParams{
		Kind: domain.KindVideo, RtpParameters: testutils.VideoParameters(2),
	})
	require.ErrorIs(t, err, core.ErrForbidden)
	assert.Contains(t, err.Error(), "missing capability for video")

	_, err = h.o.Produce(context.Background(), "a", protocol.ProduceParams{
		Kind: "hologram", RtpParameters: testutils.VideoParameters(2),
	})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	res, err := h.o.Produce(context.Background(), "a", protocol.ProduceParams{
		Kind: domain.KindAudio, RtpParameters: testutils.AudioParameters(1),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProducerID)
}

func TestJoinSeedsStateFromCapabilities(t *testing.T) {
	h := newHarness(t, Options{Auth: app.StaticAuthorizer{Default: domain.Capabilities{}}})
	h.connect("a")
	res, err := h.o.Join(context.Background(), "a", protocol.JoinVoiceParams{
		ChannelID: "general",
		State:     domain.VoiceState{WebcamEnabled: true, SharingScreen: true},
	})
	require.NoError(t, err)
	require.Len(t, res.Participants, 1)
	assert.Equal(t, domain.VoiceState{MicMuted: true}, res.Participants[0].State)
}

func TestUpdateStateDropsUngrantedFlags(t *testing.T) {
	h := newHarness(t, Options{Auth: app.StaticAuthorizer{Default: domain.Capabilities{Video: true}}})
	a := h.join(t, "a")
	b := h.join(t, "b")

	res, err := h.o.UpdateState(context.Background(), "a", protocol.UpdateStateParams{MicMuted: domain.Bool(false)})
	require.NoError(t, err)
	assert.True(t, res.State.MicMuted, "mic stays muted without speak")
	assert.Zero(t, b.count(protocol.EventVoiceStateUpdated))

	res, err = h.o.UpdateState(context.Background(), "a", protocol.UpdateStateParams{
		MicMuted:      domain.Bool(false),
		WebcamEnabled: domain.Bool(true),
	})
	require.NoError(t, err)
	assert.True(t, res.State.MicMuted)
	assert.True(t, res.State.WebcamEnabled)
	assert.Equal(t, 1, b.count(protocol.EventVoiceStateUpdated))
	assert.Equal(t, 1, a.count(protocol.EventVoiceStateUpdated), "originator hears its own change")
}

func TestProducerCloseReachesConsumerOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.join(t, "a")
	b := h.join(t, "b")

	prod, err := h.o.Produce(ctx, "a", protocol.ProduceParams{Kind: domain.KindAudio, RtpParameters: testutils.AudioParameters(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, b.count(protocol.EventNewProducer))

	list, err := h.o.GetProducers("b")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"a"}, list.Audio)
	assert.Empty(t, list.Video)

	cons, err := h.o.Consume(ctx, "b", protocol.ConsumeParams{
		Kind:            domain.KindAudio,
		RemoteUserID:    "a",
		RtpCapabilities: protocol.RouterCapabilities(),
	})
	require.NoError(t, err)
	assert.Equal(t, prod.ProducerID, cons.ProducerID)
	assert.Equal(t, domain.KindAudio, cons.Kind)

	_, err = h.o.CloseProducer("a", protocol.CloseProducerParams{Kind: domain.KindAudio})
	require.NoError(t, err)
	assert.Equal(t, 1, b.count(protocol.EventProducerClosed))

	rt, ok := h.o.Rooms.FindByID("general")
	require.True(t, ok)
	_, ok = rt.Consumer("b", "a", domain.KindAudio)
	assert.False(t, ok)
}

func TestLeaveReleasesMediaAndNotifies(t *testing.T) {
	h := newHarness(t, Options{DestroyEmpty: true})
	ctx := context.Background()
	h.join(t, "a")
	b := h.join(t, "b")
	_, err := h.o.Produce(ctx, "a", protocol.ProduceParams{Kind: domain.KindAudio, RtpParameters: testutils.AudioParameters(1)})
	require.NoError(t, err)

	assert.True(t, h.o.Leave("a"))
	assert.False(t, h.o.Leave("a"))
	assert.Equal(t, 1, b.count(protocol.EventUserLeftVoice))
	assert.Equal(t, 1, b.count(protocol.EventProducerClosed))

	_, err = h.o.Produce(ctx, "a", protocol.ProduceParams{Kind: domain.KindAudio, RtpParameters: testutils.AudioParameters(1)})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	h.o.Leave("b")
	_, ok := h.o.Rooms.FindByID("general")
	assert.False(t, ok, "empty runtime is destroyed")
}

func TestDisconnectOfReplacedConnection(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "a")
	old := h.conns["a"]

	fresh := &fakeConn{}
	cancelled := false
	h.o.Connect("a", fresh, func() { cancelled = true })
	_, ok := h.o.Rooms.FindByUserID("a")
	assert.False(t, ok, "replacement releases the old participation")

	assert.False(t, h.o.Disconnect("a", old))
	cur, ok := h.o.Registry.GetSession("a")
	require.True(t, ok)
	assert.Same(t, fresh, cur)
	assert.False(t, cancelled)

	assert.True(t, h.o.Disconnect("a", fresh))
	_, ok = h.o.Registry.GetSession("a")
	assert.False(t, ok)
}

func TestBackpressureDropCountsEvent(t *testing.T) {
	h := newHarness(t, Options{Policy: app.DropPolicy{}})
	h.join(t, "a")
	b := h.join(t, "b")
	b.full = true

	_, err := h.o.Produce(context.Background(), "a", protocol.ProduceParams{Kind: domain.KindAudio, RtpParameters: testutils.AudioParameters(1)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.o.Metrics.DroppedEvents))
	_, ok := h.o.Rooms.FindByUserID("b")
	assert.True(t, ok)
}

func TestBackpressureKickEndsSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "a")
	b := &fakeConn{}
	kicked := make(chan struct{})
	h.o.Connect("b", b, func() { close(kicked) })
	_, err := h.o.Join(context.Background(), "b", protocol.JoinVoiceParams{ChannelID: "general"})
	require.NoError(t, err)
	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	_, err = h.o.UpdateState(context.Background(), "a", protocol.UpdateStateParams{SoundMuted: domain.Bool(true)})
	require.NoError(t, err)

	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatal("slow member was not kicked")
	}
}

func TestEvictChannel(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.join(t, "a")
	b := h.join(t, "b")

	assert.True(t, h.o.EvictChannel("general"))
	assert.Equal(t, 1, a.count(protocol.EventUserLeftVoice), "evicted users hear about themselves")
	assert.Equal(t, 2, b.count(protocol.EventUserLeftVoice))
	assert.False(t, h.o.EvictChannel("general"))
	_, ok := h.o.Registry.ChannelOf("a")
	assert.False(t, ok)
	for _, r := range h.engine.Routers() {
		assert.True(t, r.Closed())
	}
}

func TestRefreshGauges(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "a")
	h.join(t, "b")
	_, err := h.o.Produce(context.Background(), "a", protocol.ProduceParams{Kind: domain.KindScreen, RtpParameters: testutils.VideoParameters(3)})
	require.NoError(t, err)

	h.o.refreshGauges()
	m := h.o.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rooms))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Participants))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transports.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Producers.WithLabelValues("screen")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Producers.WithLabelValues("video")))
}

func TestSplitSourceID(t *testing.T) {
	ch, dir := splitSourceID("team/general/in")
	assert.Equal(t, "team/general", ch)
	assert.Equal(t, "in", dir)
}
