package voice

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/testutils"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t core.EventType) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine *testutils.Engine
	reg    *Registry
	rt     *Runtime
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{engine: testutils.NewEngine(), events: &recorder{}}
	f.reg = NewRegistry(f.engine, f.events, nil)
	rt, err := f.reg.Create(context.Background(), "general")
	require.NoError(t, err)
	f.rt = rt
	t.Cleanup(f.reg.Close)
	return f
}

// join adds u with both transports connected.
func (f *fixture) join(t *testing.T, u domain.UserID) {
	t.Helper()
	ctx := context.Background()
	require.True(t, f.rt.AddParticipant(u, domain.VoiceState{}))
	send, err := f.rt.CreateProducerTransport(ctx, u)
	require.NoError(t, err)
	require.NoError(t, f.rt.ConnectTransport(ctx, u, send.ID, core.ConnectParams{}))
	recv, err := f.rt.CreateConsumerTransport(ctx, u)
	require.NoError(t, err)
	require.NoError(t, f.rt.ConnectTransport(ctx, u, recv.ID, core.ConnectParams{}))
}

func (f *fixture) produce(t *testing.T, u domain.UserID, kind domain.MediaKind) core.Producer {
	t.Helper()
	params := testutils.AudioParameters(1)
	if kind != domain.KindAudio {
		params = testutils.VideoParameters(2)
	}
	p, err := f.rt.Produce(context.Background(), u, "", kind, params)
	require.NoError(t, err)
	return p
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.rt.AddParticipant("a", domain.VoiceState{MicMuted: true}))
	assert.False(t, f.rt.AddParticipant("a", domain.VoiceState{}))
	assert.True(t, f.rt.AddParticipant("b", domain.VoiceState{}))

	ps := f.rt.Participants()
	require.Len(t, ps, 2)
	assert.Equal(t, domain.UserID("a"), ps[0].UserID)
	assert.True(t, ps[0].State.MicMuted, "second add keeps the original flags")
}

func TestUpdateStateMerges(t *testing.T) {
	f := newFixture(t)
	f.rt.AddParticipant("a", domain.VoiceState{MicMuted: true})

	st, ok := f.rt.UpdateState("a", domain.StatePatch{WebcamEnabled: domain.Bool(true)})
	require.True(t, ok)
	assert.Equal(t, domain.VoiceState{MicMuted: true, WebcamEnabled: true}, st)

	_, ok = f.rt.UpdateState("ghost", domain.StatePatch{MicMuted: domain.Bool(true)})
	assert.False(t, ok)
}

func TestTransportRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.rt.CreateProducerTransport(context.Background(), "a")
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestConnectUnknownTransport(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	err := f.rt.ConnectTransport(context.Background(), "a", "nope", core.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestProduceScreenTravelsAsVideo(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	p := f.produce(t, "a", domain.KindScreen)

	assert.Equal(t, core.MediaTypeVideo, p.Kind())
	assert.Equal(t, "screen", p.AppData()[core.AppDataKind])
	_, ok := f.rt.Producer("a", domain.KindVideo)
	assert.False(t, ok, "screen never lands in the webcam slot")
}

func TestProduceWithoutTransport(t *testing.T) {
	f := newFixture(t)
	f.rt.AddParticipant("a", domain.VoiceState{})
	_, err := f.rt.Produce(context.Background(), "a", "", domain.KindAudio, testutils.AudioParameters(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestProduceWrongTransportID(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	_, err := f.rt.Produce(context.Background(), "a", "other", domain.KindAudio, testutils.AudioParameters(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestProduceThenCloseEmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	p := f.produce(t, "a", domain.KindAudio)

	assert.True(t, f.rt.CloseProducer("a", domain.KindAudio))
	assert.False(t, f.rt.CloseProducer("a", domain.KindAudio))

	assert.Zero(t, f.rt.Counts().Producers[domain.KindAudio])
	closed := f.events.ofType(core.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, p.ID(), closed[0].ProducerID)
	assert.Equal(t, domain.KindAudio, closed[0].Kind)
	assert.True(t, p.Closed())
}

func TestProduceReplacesPreviousProducer(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	first := f.produce(t, "a", domain.KindAudio)
	second := f.produce(t, "a", domain.KindAudio)

	assert.True(t, first.Closed())
	cur, ok := f.rt.Producer("a", domain.KindAudio)
	require.True(t, ok)
	assert.Equal(t, second.ID(), cur.ID())
	assert.Len(t, f.events.ofType(core.EventProducerClosed), 1)
}

func TestConcurrentProduceLeavesOneProducer(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")

	var wg sync.WaitGroup
	producers := make([]core.Producer, 8)
	for i := range producers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.rt.Produce(context.Background(), "a", "", domain.KindAudio, testutils.AudioParameters(uint32(i+1)))
			assert.NoError(t, err)
			producers[i] = p
		}(i)
	}
	wg.Wait()

	live := 0
	for _, p := range producers {
		if !p.Closed() {
			live++
		}
	}
	assert.Equal(t, 1, live, "older producers are closed, never orphaned")
	assert.Equal(t, 1, f.rt.Counts().Producers[domain.KindAudio])
	assert.Zero(t, f.rt.locks.size())
}

func TestConsumeWithoutProducerFailsNotFound(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")

	_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, protocol.RouterCapabilities())
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, f.rt.Counts().Consumers)
}

func TestConsumeWithoutConsumerTransport(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.produce(t, "a", domain.KindAudio)
	f.rt.AddParticipant("b", domain.VoiceState{})

	_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, protocol.RouterCapabilities())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Contains(t, err.Error(), "consumer transport")
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.produce(t, "a", domain.KindAudio)

	videoOnly := core.RtpCapabilities{Codecs: protocol.SupportedCodecs()[1:]}
	_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, videoOnly)
	assert.ErrorIs(t, err, core.ErrBadRequest)
	assert.Zero(t, f.rt.Counts().Consumers)
}

func TestConsumeReplacesSameKey(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.produce(t, "a", domain.KindAudio)
	f.produce(t, "a", domain.KindVideo)

	caps := protocol.RouterCapabilities()
	first, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, caps)
	require.NoError(t, err)
	second, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, caps)
	require.NoError(t, err)
	_, err = f.rt.Consume(context.Background(), "b", "a", domain.KindVideo, caps)
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, 2, f.rt.Counts().Consumers, "audio and video of the same remote coexist")
}

func TestConcurrentConsumeLeavesOneConsumer(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.produce(t, "a", domain.KindAudio)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, protocol.RouterCapabilities())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.rt.Counts().Consumers)
}

func TestProducerCloseClosesItsConsumers(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	p := f.produce(t, "a", domain.KindAudio)
	c, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, protocol.RouterCapabilities())
	require.NoError(t, err)

	// Engine-side close, as when the sending peer goes away.
	require.NoError(t, p.Close())

	assert.True(t, c.Closed())
	_, ok := f.rt.Consumer("b", "a", domain.KindAudio)
	assert.False(t, ok)
	closed := f.events.ofType(core.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.UserID("a"), closed[0].UserID)
	assert.Equal(t, domain.ChannelID("general"), closed[0].ChannelID)
}

func TestTransportCloseCascades(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.produce(t, "a", domain.KindAudio)
	f.produce(t, "a", domain.KindScreen)
	_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindScreen, protocol.RouterCapabilities())
	require.NoError(t, err)

	send, _ := f.engine.Routers()[0].Transport(f.sendTransportID(t, "a"))
	require.NoError(t, send.Close())

	c := f.rt.Counts()
	assert.Zero(t, c.Producers[domain.KindAudio])
	assert.Zero(t, c.Producers[domain.KindScreen])
	assert.Zero(t, c.Consumers)
	assert.Equal(t, 1, c.ProducerTransports, "only b's send transport is left")
	assert.Len(t, f.events.ofType(core.EventProducerClosed), 2)
}

func (f *fixture) sendTransportID(t *testing.T, u domain.UserID) string {
	t.Helper()
	f.rt.mu.RLock()
	defer f.rt.mu.RUnlock()
	tr, ok := f.rt.producerTransports[u]
	require.True(t, ok)
	return tr.ID()
}

func TestRemoveParticipantLeavesNoReferences(t *testing.T) {
	f := newFixture(t)
	for _, u := range []domain.UserID{"a", "b", "c"} {
		f.join(t, u)
	}
	caps := protocol.RouterCapabilities()
	for _, u := range []domain.UserID{"a", "b", "c"} {
		f.produce(t, u, domain.KindAudio)
		f.produce(t, u, domain.KindVideo)
	}
	for _, local := range []domain.UserID{"a", "b", "c"} {
		for _, remote := range []domain.UserID{"a", "b", "c"} {
			if local == remote {
				continue
			}
			_, err := f.rt.Consume(context.Background(), local, remote, domain.KindAudio, caps)
			require.NoError(t, err)
		}
	}

	f.rt.RemoveParticipant("a")

	assert.False(t, f.rt.Has("a"))
	assert.False(t, f.rt.References("a"))
	assert.Equal(t, 2, f.rt.Counts().Consumers, "b and c still consume each other")
	assert.Len(t, f.events.ofType(core.EventProducerClosed), 2)
	assert.Equal(t, 4, f.engine.Routers()[0].OpenTransports())

	// Nothing to clean up is still fine.
	f.rt.RemoveParticipant("a")
	f.rt.RemoveParticipant("ghost")
}

func TestRemoteProducerIDsExcludesCaller(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.join(t, "c")
	f.produce(t, "a", domain.KindAudio)
	f.produce(t, "b", domain.KindAudio)
	f.produce(t, "b", domain.KindScreen)

	got := f.rt.RemoteProducerIDs("a")
	assert.Equal(t, []domain.UserID{"b"}, got[domain.KindAudio])
	assert.Empty(t, got[domain.KindVideo])
	assert.Equal(t, []domain.UserID{"b"}, got[domain.KindScreen])

	got = f.rt.RemoteProducerIDs("c")
	assert.Equal(t, []domain.UserID{"a", "b"}, got[domain.KindAudio])
}

func TestRuntimeCloseReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	p := f.produce(t, "a", domain.KindAudio)
	_, err := f.rt.Consume(context.Background(), "b", "a", domain.KindAudio, protocol.RouterCapabilities())
	require.NoError(t, err)

	assert.True(t, f.reg.Destroy("general"))
	assert.False(t, f.reg.Destroy("general"))

	assert.True(t, p.Closed())
	assert.True(t, f.engine.Routers()[0].Closed())
	assert.Zero(t, f.engine.Routers()[0].OpenTransports())
	assert.Empty(t, f.events.ofType(core.EventProducerClosed))
	assert.False(t, f.rt.AddParticipant("c", domain.VoiceState{}))
}

func TestEngineFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.rt.AddParticipant("a", domain.VoiceState{})
	f.engine.FailCreateTransport = errors.New("boom")

	_, err := f.rt.CreateConsumerTransport(context.Background(), "a")
	assert.ErrorIs(t, err, core.ErrInternal)
}
