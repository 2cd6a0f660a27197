package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/dkeye/voicertc/internal/adapters/signal"
	"github.com/dkeye/voicertc/internal/app"
	"github.com/dkeye/voicertc/internal/app/orch"
	"github.com/dkeye/voicertc/internal/app/voice"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/testutils"
)

const (
	channel = domain.ChannelID("general")
	wait    = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(msg string, _ error) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *notes) has(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type env struct {
	o   *orch.Orchestrator
	url string
}

func newEnv(t *testing.T, opts orch.Options) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	o := orch.New(testutils.NewEngine(), nil, opts)
	ctl := sig.NewSignalWSController(o, sig.Options{})
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(TokenCookie)
		if err != nil {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		ctl.ServeWS(ctx, w, r, domain.UserID(c.Value))
	}))
	t.Cleanup(func() {
		cancel()
		hs.Close()
		ctl.Wait()
		o.Close()
	})
	return &env{o: o, url: "ws" + strings.TrimPrefix(hs.URL, "http")}
}

func (e *env) runtime(t *testing.T) *voice.Runtime {
	t.Helper()
	rt, ok := e.o.Rooms.FindByID(channel)
	require.True(t, ok)
	return rt
}

func (e *env) producing(user domain.UserID, kind domain.MediaKind) bool {
	rt, ok := e.o.Rooms.FindByID(channel)
	if !ok {
		return false
	}
	_, ok = rt.Producer(user, kind)
	return ok
}

type peer struct {
	s     *Session
	dev   *testutils.Device
	media *testutils.MediaDevices
	notes *notes
}

func (e *env) peer(t *testing.T, user string, autoMic bool) *peer {
	t.Helper()
	sg, err := Dial(context.Background(), e.url, user)
	require.NoError(t, err)
	p := &peer{dev: testutils.NewDevice(), media: testutils.NewMediaDevices(), notes: &notes{}}
	p.s = NewSession(sg, p.dev, p.media, Options{
		Self:           domain.UserID(user),
		Notifier:       p.notes,
		AutoMicrophone: autoMic,
	})
	t.Cleanup(func() { _ = p.s.Close() })
	return p
}

func (p *peer) join(t *testing.T) {
	t.Helper()
	require.NoError(t, p.s.Join(context.Background(), channel))
}

func (p *peer) recvConsumer(t *testing.T, consumerID string) *testutils.LocalConsumer {
	t.Helper()
	for _, tr := range p.dev.Transports() {
		if c, ok := tr.Consumer(consumerID); ok {
			return c
		}
	}
	t.Fatalf("no local consumer %s", consumerID)
	return nil
}

func TestJoinConnectsAndPublishesMicrophone(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)

	ch, joined := alice.s.Channel()
	assert.True(t, joined)
	assert.Equal(t, channel, ch)
	require.Len(t, alice.dev.Transports(), 2)
	for _, tr := range alice.dev.Transports() {
		assert.Equal(t, core.TransportStateConnected, tr.State())
	}
	assert.True(t, e.producing("alice", domain.KindAudio))
	require.Len(t, alice.s.Participants(), 1)
	assert.Equal(t, domain.UserID("alice"), alice.s.Participants()[0].UserID)
}

func TestJoinBootstrapsAndFollowsNewProducers(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	bob := e.peer(t, "bob", false)
	bob.join(t)

	_, ok := bob.s.Streams().Get("alice", domain.KindAudio)
	assert.True(t, ok, "bootstrap consumes what is already produced")
	assert.Len(t, bob.s.Participants(), 2)

	require.NoError(t, alice.s.StartLocalProducer(context.Background(), domain.KindVideo))
	require.Eventually(t, func() bool {
		_, ok := bob.s.Streams().Get("alice", domain.KindVideo)
		return ok
	}, wait, tick)
	require.Eventually(t, func() bool { return len(alice.s.Participants()) == 2 }, wait, tick)
}

func TestProducerCloseRemovesRemoteStreamOnce(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	bob := e.peer(t, "bob", false)
	bob.join(t)

	info, ok := bob.s.Streams().Get("alice", domain.KindAudio)
	require.True(t, ok)
	c := bob.recvConsumer(t, info.ConsumerID)

	require.NoError(t, alice.s.StopLocalProducer(context.Background(), domain.KindAudio))
	assert.True(t, alice.media.Last("microphone").Stopped())
	require.Eventually(t, func() bool {
		_, ok := bob.s.Streams().Get("alice", domain.KindAudio)
		return !ok
	}, wait, tick)
	assert.True(t, c.Closed())
	assert.Equal(t, 1, c.CloseCalls())
}

func TestConcurrentConsumeRemoteKeepsOneStream(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	bob := e.peer(t, "bob", false)
	bob.join(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- bob.s.ConsumeRemote(context.Background(), "alice", domain.KindAudio)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, e.runtime(t).Counts().Consumers)
	assert.Equal(t, 1, bob.s.Streams().Len())
	info, ok := bob.s.Streams().Get("alice", domain.KindAudio)
	require.True(t, ok)
	assert.False(t, bob.recvConsumer(t, info.ConsumerID).Closed())
}

func TestLeaveRemovesStreamsOfUser(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	bob := e.peer(t, "bob", false)
	bob.join(t)

	require.NoError(t, alice.s.Leave(context.Background()))
	_, joined := alice.s.Channel()
	assert.False(t, joined)
	for _, tr := range alice.dev.Transports() {
		assert.True(t, tr.Closed())
	}

	require.Eventually(t, func() bool {
		return bob.s.Streams().Len() == 0 && len(bob.s.Participants()) == 1
	}, wait, tick)
	assert.False(t, e.runtime(t).Has("alice"))
}

func TestWebcamRejectedRollsBack(t *testing.T) {
	e := newEnv(t, orch.Options{Auth: app.StaticAuthorizer{
		Default: domain.Capabilities{Speak: true, Video: true, ShareScreen: true},
		Users:   map[domain.UserID]domain.Capabilities{"carol": {Speak: true}},
	}})
	carol := e.peer(t, "carol", false)
	carol.join(t)

	err := carol.s.SetWebcamEnabled(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.False(t, carol.s.State().WebcamEnabled)
	assert.True(t, carol.notes.has("could not start the camera"))
	assert.True(t, carol.media.Last("camera").Stopped())
	assert.False(t, e.producing("carol", domain.KindVideo))
}

func TestDroppedFlagRollsBack(t *testing.T) {
	e := newEnv(t, orch.Options{Auth: app.StaticAuthorizer{
		Users: map[domain.UserID]domain.Capabilities{"dave": {}},
	}})
	dave := e.peer(t, "dave", true)
	dave.join(t)
	assert.True(t, dave.s.State().MicMuted, "the server mutes users who cannot speak")
	assert.False(t, e.producing("dave", domain.KindAudio))

	err := dave.s.SetMicMuted(context.Background(), false)
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.True(t, dave.s.State().MicMuted)

	// Sound muting is always allowed.
	require.NoError(t, dave.s.SetSoundMuted(context.Background(), true))
	assert.True(t, dave.s.State().SoundMuted)
	st, ok := e.runtime(t).State("dave")
	require.True(t, ok)
	assert.True(t, st.SoundMuted)
}

func TestMicrophoneDeniedRollsBack(t *testing.T) {
	e := newEnv(t, orch.Options{})
	erin := e.peer(t, "erin", false)
	require.NoError(t, erin.s.SetMicMuted(context.Background(), true))
	erin.join(t)
	assert.True(t, erin.s.State().MicMuted)

	erin.media.Deny("microphone")
	err := erin.s.SetMicMuted(context.Background(), false)
	assert.ErrorIs(t, err, testutils.ErrPermissionDenied)
	assert.True(t, erin.s.State().MicMuted)
	assert.True(t, erin.notes.has("unmute the microphone"))
}

func TestMuteDisablesTrack(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	mic := alice.media.Last("microphone")
	require.NotNil(t, mic)
	assert.True(t, mic.Enabled())

	require.NoError(t, alice.s.SetMicMuted(context.Background(), true))
	assert.False(t, mic.Enabled())
	st, _ := e.runtime(t).State("alice")
	assert.True(t, st.MicMuted)

	require.NoError(t, alice.s.SetMicMuted(context.Background(), false))
	assert.True(t, mic.Enabled())
}

func TestScreenTrackEndedStopsSharing(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", false)
	alice.join(t)

	require.NoError(t, alice.s.SetSharingScreen(context.Background(), true))
	assert.True(t, alice.s.State().SharingScreen)
	assert.True(t, e.producing("alice", domain.KindScreen))

	alice.media.Last("screen").End()
	require.Eventually(t, func() bool {
		return !alice.s.State().SharingScreen && !e.producing("alice", domain.KindScreen)
	}, wait, tick)
	st, _ := e.runtime(t).State("alice")
	assert.False(t, st.SharingScreen)
}

func TestTransportFailureClosesRemoteProducer(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	require.True(t, e.producing("alice", domain.KindAudio))

	send := alice.dev.Transports()[0]
	send.SetState(core.TransportStateFailed)
	require.Eventually(t, func() bool {
		return send.Closed() && !e.producing("alice", domain.KindAudio)
	}, wait, tick)
	assert.True(t, alice.notes.has("media connection lost"))

	err := alice.s.StartLocalProducer(context.Background(), domain.KindAudio)
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestEvictionTearsDown(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)

	require.True(t, e.o.EvictChannel(channel))
	require.Eventually(t, func() bool {
		_, joined := alice.s.Channel()
		return !joined
	}, wait, tick)
	assert.True(t, alice.notes.has("removed from the voice channel"))
	assert.True(t, alice.media.Last("microphone").Stopped())
}

func TestJoinAbortsWhenDeviceCannotLoad(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.dev.FailLoad = errors.New("no codecs")

	err := alice.s.Join(context.Background(), channel)
	require.Error(t, err)
	assert.True(t, alice.notes.has("cannot exchange media"))
	assert.False(t, e.runtime(t).Has("alice"))
	_, joined := alice.s.Channel()
	assert.False(t, joined)
}

func TestStreamStats(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)
	bob := e.peer(t, "bob", false)
	bob.join(t)

	info, ok := bob.s.Streams().Get("alice", domain.KindAudio)
	require.True(t, ok)
	c := bob.recvConsumer(t, info.ConsumerID)

	now := time.Now()
	bob.s.poller.Poll(now)
	c.AddTraffic(4000)
	bob.s.poller.Poll(now.Add(time.Second))

	rate, ok := bob.s.StreamStats("alice", domain.KindAudio)
	require.True(t, ok)
	assert.InDelta(t, 32000, rate, 0.1)
	assert.Contains(t, bob.s.Stats(), "alice/audio")
}

func TestCloseLeaves(t *testing.T) {
	e := newEnv(t, orch.Options{})
	alice := e.peer(t, "alice", true)
	alice.join(t)

	require.NoError(t, alice.s.Close())
	assert.False(t, e.runtime(t).Has("alice"))
	assert.ErrorIs(t, alice.s.Join(context.Background(), channel), core.ErrClosed)
}
