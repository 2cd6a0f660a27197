package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

func TestDeviceLoad(t *testing.T) {
	d, err := NewDevice(DeviceOptions{Loopback: true})
	require.NoError(t, err)
	assert.False(t, d.Loaded())

	_, err = d.CreateSendTransport(context.Background(), core.TransportParams{})
	assert.ErrorIs(t, err, core.ErrDeviceNotLoaded)

	audioOnly := protocol.RouterCapabilities()
	audioOnly.Codecs = audioOnly.Codecs[:1]
	require.NoError(t, d.Load(audioOnly))
	assert.True(t, d.Loaded())
	assert.True(t, d.CanProduce(core.MediaTypeAudio))
	assert.False(t, d.CanProduce(core.MediaTypeVideo))
}

func TestDeviceLoadNeedsCommonCodec(t *testing.T) {
	d, err := NewDevice(DeviceOptions{})
	require.NoError(t, err)

	caps := protocol.RouterCapabilities()
	for i := range caps.Codecs {
		caps.Codecs[i].PreferredPayloadType++
	}
	assert.ErrorIs(t, d.Load(caps), core.ErrBadRequest)
	assert.False(t, d.Loaded())
}

// TestLoopbackProduce runs a client device against a server router on the
// loopback interface and checks that audio reaches the server producer.
func TestLoopbackProduce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	engine, err := NewEngine(Options{ListenIP: "127.0.0.1", Loopback: true})
	require.NoError(t, err)
	defer engine.Close()
	router, err := engine.NewRouter(ctx)
	require.NoError(t, err)

	server, err := router.CreateTransport(ctx, core.TransportOptions{AppData: core.AppData{core.AppDataUserID: "u1"}})
	require.NoError(t, err)

	device, err := NewDevice(DeviceOptions{Loopback: true})
	require.NoError(t, err)
	require.NoError(t, device.Load(router.RtpCapabilities()))

	client, err := device.CreateSendTransport(ctx, server.Params())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, server.Connect(ctx, client.LocalParams()))
	require.NoError(t, client.Start(ctx))

	track, err := NewSampleTrack(core.MediaTypeAudio, SourceMicrophone, core.MediaConstraints{})
	require.NoError(t, err)
	go FeedSilence(ctx, track)
	defer track.Stop()

	var serverProducer core.Producer
	local, err := client.Produce(ctx, track, func(ctx context.Context, params core.RtpParameters) (string, error) {
		p, err := server.Produce(ctx, core.ProduceOptions{Kind: core.MediaTypeAudio, RtpParameters: params})
		if err != nil {
			return "", err
		}
		serverProducer = p
		return p.ID(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, serverProducer.ID(), local.ID())

	require.Eventually(t, func() bool {
		return serverProducer.Stats().Packets > 0
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, local.Close())
	assert.True(t, local.Closed())
}
