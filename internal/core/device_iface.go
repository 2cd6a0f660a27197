package core

import "context"

// Device is the client side of the media engine: it negotiates codecs with
// a room router and builds the local halves of transports.
type Device interface {
	Load(router RtpCapabilities) error
	Loaded() bool
	// RtpCapabilities is what the device can receive once loaded.
	RtpCapabilities() RtpCapabilities
	CanProduce(kind MediaType) bool
	CreateSendTransport(ctx context.Context, remote TransportParams) (SendTransport, error)
	CreateRecvTransport(ctx context.Context, remote TransportParams) (RecvTransport, error)
}

// LocalTransport pairs with one server transport, identified by its id.
type LocalTransport interface {
	ID() string
	// LocalParams are sent to the server with connectTransport.
	LocalParams() ConnectParams
	// Start begins ICE and DTLS toward the server.
	Start(ctx context.Context) error
	State() TransportState
	OnStateChange(func(TransportState))
	Close() error
	Closed() bool
}

// Announce tells the server about a new local sender and returns the
// server side producer id.
type Announce func(ctx context.Context, params RtpParameters) (string, error)

type SendTransport interface {
	LocalTransport
	Produce(ctx context.Context, track MediaTrack, announce Announce) (LocalProducer, error)
}

type RecvTransport interface {
	LocalTransport
	Consume(ctx context.Context, consumerID, producerID string, kind MediaType, params RtpParameters) (LocalConsumer, error)
}

type LocalProducer interface {
	ID() string
	Kind() MediaType
	Track() MediaTrack
	OnClose(func())
	Close() error
	Closed() bool
}

type LocalConsumer interface {
	ID() string
	ProducerID() string
	Kind() MediaType
	Stats() TrafficStats
	OnClose(func())
	Close() error
	Closed() bool
}

// MediaTrack is a local capture source. Stop ends it without firing the
// ended hooks; a native end (device lost, capture revoked) fires them.
type MediaTrack interface {
	ID() string
	Kind() MediaType
	SetEnabled(bool)
	Enabled() bool
	OnEnded(func())
	Stop()
	Ended() bool
}

// MediaConstraints shape what a capture source delivers.
type MediaConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	Width     int
	Height    int
	FrameRate int
}

// MediaDevices acquires local capture sources.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, kind MediaType, c MediaConstraints) (MediaTrack, error)
	GetDisplayMedia(ctx context.Context, c MediaConstraints) (MediaTrack, error)
}
