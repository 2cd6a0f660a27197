package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
	"github.com/dkeye/voicertc/internal/testutils"
)

func newRecvTransport(t *testing.T) core.RecvTransport {
	t.Helper()
	d := testutils.NewDevice()
	require.NoError(t, d.Load(protocol.RouterCapabilities()))
	tr, err := d.CreateRecvTransport(context.Background(), core.TransportParams{ID: "recv"})
	require.NoError(t, err)
	return tr
}

func consumerOn(t *testing.T, tr core.RecvTransport, id string) *testutils.LocalConsumer {
	t.Helper()
	c, err := tr.Consume(context.Background(), id, "p-"+id, core.MediaTypeAudio, testutils.AudioParameters(1))
	require.NoError(t, err)
	return c.(*testutils.LocalConsumer)
}

func TestStreamsReplaceClosesOld(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) { changes = append(changes, c) })

	first := consumerOn(t, tr, "c1")
	second := consumerOn(t, tr, "c2")
	s.Add("alice", domain.KindAudio, first)
	s.Add("alice", domain.KindAudio, second)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	info, ok := s.Get("alice", domain.KindAudio)
	require.True(t, ok)
	assert.Equal(t, "c2", info.ConsumerID)
	assert.Equal(t, "p-c2", info.ProducerID)
	require.Len(t, changes, 3)
	assert.Equal(t, StreamAdded, changes[0].Op)
	assert.Equal(t, StreamRemoved, changes[1].Op)
	assert.Equal(t, "c1", changes[1].Stream.ConsumerID)

	unsubscribe()
	s.Remove("alice", domain.KindAudio)
	assert.Len(t, changes, 3)
}

func TestStreamsRemovalClosesOnce(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	c := consumerOn(t, tr, "c1")
	c.OnClose(func() { s.RemoveConsumer(c.ID()) })
	s.Add("alice", domain.KindVideo, c)

	assert.True(t, s.Remove("alice", domain.KindVideo))
	assert.False(t, s.Remove("alice", domain.KindVideo))
	assert.False(t, s.RemoveConsumer("c1"))
	assert.Equal(t, 1, c.CloseCalls())
	assert.Zero(t, s.Len())
}

func TestStreamsConsumerCloseRemovesStream(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	c := consumerOn(t, tr, "c1")
	c.OnClose(func() { s.RemoveConsumer(c.ID()) })
	s.Add("alice", domain.KindScreen, c)

	require.NoError(t, tr.Close())
	_, ok := s.Get("alice", domain.KindScreen)
	assert.False(t, ok)
	assert.Equal(t, 1, c.CloseCalls(), "the registry must not close it again")
}

func TestStreamsRemoveUserAndClear(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	a1 := consumerOn(t, tr, "a1")
	a2 := consumerOn(t, tr, "a2")
	b1 := consumerOn(t, tr, "b1")
	ext := consumerOn(t, tr, "x1")
	s.Add("alice", domain.KindAudio, a1)
	s.Add("alice", domain.KindVideo, a2)
	s.Add("bob", domain.KindAudio, b1)
	s.AddExternal("bot", domain.KindAudio, ext)

	snap := s.Snapshot()
	require.Len(t, snap.Participants["alice"], 2)
	assert.Equal(t, domain.KindAudio, snap.Participants["alice"][0].Kind)
	require.Len(t, snap.External, 1)
	assert.True(t, snap.External[0].External())

	assert.Equal(t, 2, s.RemoveUser("alice"))
	assert.True(t, a1.Closed())
	assert.True(t, a2.Closed())
	assert.False(t, b1.Closed())

	s.Clear()
	assert.True(t, b1.Closed())
	assert.True(t, ext.Closed())
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Snapshot().Participants)
}

func TestStreamsSnapshotIsCopy(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	s.Add("alice", domain.KindAudio, consumerOn(t, tr, "c1"))

	snap := s.Snapshot()
	snap.Participants["alice"][0].ConsumerID = "changed"
	delete(snap.Participants, "alice")

	info, ok := s.Get("alice", domain.KindAudio)
	require.True(t, ok)
	assert.Equal(t, "c1", info.ConsumerID)
}

func TestStreamsRemoveExternal(t *testing.T) {
	tr := newRecvTransport(t)
	s := NewStreams()
	c := consumerOn(t, tr, "x1")
	s.AddExternal("bot", domain.KindAudio, c)

	assert.False(t, s.RemoveExternal("bot", domain.KindVideo))
	assert.True(t, s.RemoveExternal("bot", domain.KindAudio))
	assert.True(t, c.Closed())
	assert.Zero(t, s.Len())
}
