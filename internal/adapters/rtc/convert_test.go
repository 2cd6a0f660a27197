package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

func TestIceCandidatesRoundTrip(t *testing.T) {
	in := []core.IceCandidate{
		{Foundation: "1", Priority: 2130706431, Address: "10.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		{Foundation: "2", Priority: 1694498815, Address: "10.0.0.1", Protocol: "TCP", Port: 40001, Type: "host", TCPType: "passive"},
	}
	native, err := fromIceCandidates(in)
	require.NoError(t, err)
	require.Len(t, native, 2)
	assert.Equal(t, webrtc.ICEProtocolUDP, native[0].Protocol)
	assert.Equal(t, webrtc.ICEProtocolTCP, native[1].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, native[1].Typ)

	back := toIceCandidates(native)
	assert.Equal(t, "tcp", back[1].Protocol)
	assert.Equal(t, "passive", back[1].TCPType)
	assert.Equal(t, in[0], back[0])
}

func TestIceCandidateRejectsUnknownType(t *testing.T) {
	_, err := fromIceCandidates([]core.IceCandidate{{Protocol: "udp", Type: "bogus"}})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestDtlsParameters(t *testing.T) {
	_, err := fromDtlsParameters(core.DtlsParameters{Role: "auto"})
	assert.ErrorIs(t, err, core.ErrBadRequest, "fingerprints are mandatory")

	p, err := fromDtlsParameters(core.DtlsParameters{
		Role:         "client",
		Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleClient, p.Role)
	assert.Equal(t, "client", toDtlsParameters(p).Role)

	_, err = fromDtlsParameters(core.DtlsParameters{Role: "boss", Fingerprints: p2f()})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func p2f() []core.DtlsFingerprint {
	return []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}
}

func TestFindCodecRequiresFixedPayloadType(t *testing.T) {
	codecs := protocol.SupportedCodecs()
	opus := core.RtpParameters{
		Codecs:    []core.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []core.RtpEncodingParameters{{SSRC: 1}},
	}
	c, _, err := findCodec(codecs, opus)
	require.NoError(t, err)
	assert.Equal(t, core.MediaTypeAudio, c.Kind)

	opus.Codecs[0].PayloadType = 109
	_, _, err = findCodec(codecs, opus)
	assert.ErrorIs(t, err, core.ErrBadRequest)

	h264 := core.RtpParameters{Codecs: []core.RtpCodecParameters{{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000}}}
	_, _, err = findCodec(codecs, h264)
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestCodecParametersKeepFeedback(t *testing.T) {
	vp8 := protocol.SupportedCodecs()[1]
	native := codecParameters(vp8)
	assert.Equal(t, webrtc.PayloadType(96), native.PayloadType)
	assert.Equal(t, "x-google-start-bitrate=1000", native.SDPFmtpLine)
	assert.Len(t, native.RTCPFeedback, len(vp8.RtcpFeedback))

	back := toCodecParameters(native)
	assert.Equal(t, uint8(96), back.PayloadType)
	assert.Equal(t, vp8.RtcpFeedback, back.RtcpFeedback)
}

func TestConsumerTrackState(t *testing.T) {
	c := &Consumer{producer: &Producer{kind: core.MediaTypeAudio}}
	assert.Equal(t, TrackStateOk, c.State())
	c.Pause()
	assert.Equal(t, TrackStatePaused, c.State())
	c.Resume()
	assert.Equal(t, TrackStateOk, c.State())

	c.markDelete()
	c.Pause()
	c.Resume()
	assert.Equal(t, TrackStateDelete, c.State(), "deleted tracks never come back")
}
