package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicertc/internal/core"
)

func toIceParameters(p webrtc.ICEParameters) core.IceParameters {
	return core.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func fromIceParameters(p core.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.IceLite}
}

func toIceCandidates(in []webrtc.ICECandidate) []core.IceCandidate {
	out := make([]core.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, core.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func fromIceCandidates(in []core.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, fmt.Errorf("%w: candidate protocol %q", core.ErrBadRequest, c.Protocol)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate type %q", core.ErrBadRequest, c.Type)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func toDtlsParameters(p webrtc.DTLSParameters) core.DtlsParameters {
	out := core.DtlsParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDtlsParameters(p core.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: dtls parameters without fingerprints", core.ErrBadRequest)
	}
	out := webrtc.DTLSParameters{}
	switch strings.ToLower(p.Role) {
	case "", "auto":
		out.Role = webrtc.DTLSRoleAuto
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: dtls role %q", core.ErrBadRequest, p.Role)
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func codecType(kind core.MediaType) webrtc.RTPCodecType {
	if kind == core.MediaTypeAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func toFeedback(in []core.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(in))
	for _, f := range in {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func fromFeedback(in []webrtc.RTCPFeedback) []core.RtcpFeedback {
	out := make([]core.RtcpFeedback, 0, len(in))
	for _, f := range in {
		out = append(out, core.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// codecParameters turns a capability into what the media engine registers.
func codecParameters(c core.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  c.SDPFmtpLine,
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func toCodecParameters(c webrtc.RTPCodecParameters) core.RtpCodecParameters {
	return core.RtpCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  uint8(c.PayloadType),
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  c.SDPFmtpLine,
		RtcpFeedback: fromFeedback(c.RTCPFeedback),
	}
}

// findCodec picks the registered codec a producer's parameters refer to.
func findCodec(registered []core.RtpCodecCapability, params core.RtpParameters) (core.RtpCodecCapability, core.RtpCodecParameters, error) {
	p, c, ok := core.MatchCodec(params.Codecs, core.RtpCapabilities{Codecs: registered})
	if !ok {
		return core.RtpCodecCapability{}, core.RtpCodecParameters{}, fmt.Errorf("%w: unsupported codec", core.ErrBadRequest)
	}
	if p.PayloadType != c.PreferredPayloadType {
		return core.RtpCodecCapability{}, core.RtpCodecParameters{}, fmt.Errorf("%w: payload type %d for %s, want %d", core.ErrBadRequest, p.PayloadType, c.MimeType, c.PreferredPayloadType)
	}
	return c, p, nil
}
