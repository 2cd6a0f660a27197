package core

import (
	"fmt"
	"strings"
)

// MediaType is the engine-level media kind. The engine only knows audio and
// video; screen share is carried as video with the semantic kind in AppData.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaType      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	SDPFmtpLine          string         `json:"sdpFmtpLine,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind MediaType `json:"kind"`
	URI  string    `json:"uri"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	SDPFmtpLine  string         `json:"sdpFmtpLine,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtcpParameters struct {
	CNAME string `json:"cname,omitempty"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings"`
	Rtcp      RtcpParameters          `json:"rtcp"`
}

// MimeMediaType returns the media type prefix of a codec mime type.
func MimeMediaType(mimeType string) MediaType {
	if i := strings.IndexByte(mimeType, '/'); i > 0 {
		return MediaType(strings.ToLower(mimeType[:i]))
	}
	return ""
}

func codecMatches(p RtpCodecParameters, c RtpCodecCapability) bool {
	if !strings.EqualFold(p.MimeType, c.MimeType) || p.ClockRate != c.ClockRate {
		return false
	}
	if MimeMediaType(p.MimeType) == MediaTypeAudio {
		pc, cc := p.Channels, c.Channels
		if pc == 0 {
			pc = 1
		}
		if cc == 0 {
			cc = 1
		}
		return pc == cc
	}
	return true
}

// MatchCodec returns the first capability able to decode one of the codecs.
func MatchCodec(params []RtpCodecParameters, caps RtpCapabilities) (RtpCodecParameters, RtpCodecCapability, bool) {
	for _, p := range params {
		for _, c := range caps.Codecs {
			if codecMatches(p, c) {
				return p, c, true
			}
		}
	}
	return RtpCodecParameters{}, RtpCodecCapability{}, false
}

// CanConsume reports whether caps can decode what params produce.
func CanConsume(params RtpParameters, caps RtpCapabilities) bool {
	if len(params.Encodings) == 0 {
		return false
	}
	_, _, ok := MatchCodec(params.Codecs, caps)
	return ok
}

// Validate checks the minimum a producer must describe.
func (p RtpParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return fmt.Errorf("%w: rtp parameters without codecs", ErrBadRequest)
	}
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return fmt.Errorf("%w: rtp parameters without ssrc", ErrBadRequest)
	}
	return nil
}
