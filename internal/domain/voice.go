package domain

import "fmt"

// MediaKind is the semantic kind of a track. Screen share travels as engine
// video but is never confused with the webcam.
type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

// Kinds lists every semantic kind in a stable order.
var Kinds = []MediaKind{KindAudio, KindVideo, KindScreen}

func ParseMediaKind(raw string) (MediaKind, error) {
	switch k := MediaKind(raw); k {
	case KindAudio, KindVideo, KindScreen:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", raw)
}

// VoiceState is the shared per-participant flag set.
type VoiceState struct {
	MicMuted      bool `json:"micMuted"`
	SoundMuted    bool `json:"soundMuted"`
	WebcamEnabled bool `json:"webcamEnabled"`
	SharingScreen bool `json:"sharingScreen"`
}

// StatePatch carries a partial update; nil fields are left unchanged.
type StatePatch struct {
	MicMuted      *bool `json:"micMuted,omitempty"`
	SoundMuted    *bool `json:"soundMuted,omitempty"`
	WebcamEnabled *bool `json:"webcamEnabled,omitempty"`
	SharingScreen *bool `json:"sharingScreen,omitempty"`
}

func (p StatePatch) Empty() bool {
	return p.MicMuted == nil && p.SoundMuted == nil && p.WebcamEnabled == nil && p.SharingScreen == nil
}

// Apply merges the patch into s.
func (s VoiceState) Apply(p StatePatch) VoiceState {
	if p.MicMuted != nil {
		s.MicMuted = *p.MicMuted
	}
	if p.SoundMuted != nil {
		s.SoundMuted = *p.SoundMuted
	}
	if p.WebcamEnabled != nil {
		s.WebcamEnabled = *p.WebcamEnabled
	}
	if p.SharingScreen != nil {
		s.SharingScreen = *p.SharingScreen
	}
	return s
}

// Capabilities are the media grants of a user in a channel.
type Capabilities struct {
	Speak       bool `json:"speak" mapstructure:"speak"`
	Video       bool `json:"video" mapstructure:"video"`
	ShareScreen bool `json:"shareScreen" mapstructure:"share_screen"`
}

// CanProduce reports whether the grant covers producing kind.
func (c Capabilities) CanProduce(kind MediaKind) bool {
	switch kind {
	case KindAudio:
		return c.Speak
	case KindVideo:
		return c.Video
	case KindScreen:
		return c.ShareScreen
	}
	return false
}

// Filter drops the patch fields the grant does not cover.
// Sound muting is a local choice and is always allowed.
func (c Capabilities) Filter(p StatePatch) StatePatch {
	if !c.Speak {
		p.MicMuted = nil
	}
	if !c.Video {
		p.WebcamEnabled = nil
	}
	if !c.ShareScreen {
		p.SharingScreen = nil
	}
	return p
}

func Bool(v bool) *bool { return &v }
