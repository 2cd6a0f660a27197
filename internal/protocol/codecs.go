package protocol

import (
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

// Payload types are fixed so both ends of an ORTC session agree without SDP.
const (
	OpusPayloadType = 111
	VP8PayloadType  = 96

	OpusClockRate = 48000
	OpusChannels  = 2
	VP8ClockRate  = 90000

	// VP8StartBitrate is the initial target bitrate hint in kbps.
	VP8StartBitrate = 1000
)

// SupportedCodecs is the codec table of the room router.
func SupportedCodecs() []core.RtpCodecCapability {
	return []core.RtpCodecCapability{
		{
			Kind:                 core.MediaTypeAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: OpusPayloadType,
			ClockRate:            OpusClockRate,
			Channels:             OpusChannels,
			SDPFmtpLine:          "minptime=10;useinbandfec=1",
			RtcpFeedback:         []core.RtcpFeedback{{Type: "transport-cc"}},
		},
		{
			Kind:                 core.MediaTypeVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: VP8PayloadType,
			ClockRate:            VP8ClockRate,
			SDPFmtpLine:          "x-google-start-bitrate=1000",
			RtcpFeedback: []core.RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
				{Type: "transport-cc"},
			},
		},
	}
}

// RouterCapabilities wraps SupportedCodecs as capabilities.
func RouterCapabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: SupportedCodecs()}
}

// EngineMediaType maps a semantic kind onto what the engine understands.
func EngineMediaType(kind domain.MediaKind) core.MediaType {
	if kind == domain.KindAudio {
		return core.MediaTypeAudio
	}
	return core.MediaTypeVideo
}
