package core

import "context"

// AppData is out-of-band metadata attached to engine objects.
type AppData map[string]string

// Keys used in AppData.
const (
	AppDataKind      = "kind"
	AppDataUserID    = "userId"
	AppDataChannelID = "channelId"
	AppDataDirection = "direction"
)

type TransportState string

const (
	TransportStateNew          TransportState = "new"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateFailed       TransportState = "failed"
	TransportStateClosed       TransportState = "closed"
)

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportParams is what a remote peer needs to reach a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}

// TrafficStats are cumulative counters of one media object.
type TrafficStats struct {
	Packets uint64
	Bytes   uint64
}

type TransportOptions struct {
	AppData AppData
}

type ProduceOptions struct {
	Kind          MediaType
	RtpParameters RtpParameters
	AppData       AppData
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	AppData         AppData
}

// Engine supplies one Router per room.
type Engine interface {
	NewRouter(ctx context.Context) (Router, error)
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume checks that caps can decode the given producer.
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close() error
}

// Transport is one peer's ICE/DTLS secured connection to the engine.
// OnStateChange and OnClose register observers; they may be called from
// engine goroutines and must not block.
type Transport interface {
	ID() string
	Params() TransportParams
	AppData() AppData
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	State() TransportState
	OnStateChange(func(TransportState))
	OnClose(func())
	Close() error
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() MediaType
	RtpParameters() RtpParameters
	AppData() AppData
	Stats() TrafficStats
	OnClose(func())
	Close() error
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaType
	RtpParameters() RtpParameters
	AppData() AppData
	Stats() TrafficStats
	OnClose(func())
	Close() error
	Closed() bool
}
