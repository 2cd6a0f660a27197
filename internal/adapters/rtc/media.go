package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/protocol"
)

// Capture sources handed out by SampleDevices.
const (
	SourceMicrophone = "microphone"
	SourceCamera     = "camera"
	SourceScreen     = "screen"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const opusFrame = 20 * time.Millisecond

// SampleTrack is a capture source fed by the application one encoded sample
// at a time. Disabled tracks drop what they are given.
type SampleTrack struct {
	local       *webrtc.TrackLocalStaticSample
	kind        core.MediaType
	source      string
	constraints core.MediaConstraints
	enabled     atomic.Bool

	mu     sync.Mutex
	ended  bool
	hooks  []func()
	doneCh chan struct{}
}

func NewSampleTrack(kind core.MediaType, source string, c core.MediaConstraints) (*SampleTrack, error) {
	var codec *core.RtpCodecCapability
	for _, c := range protocol.SupportedCodecs() {
		if c.Kind == kind {
			codec = &c
			break
		}
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: no codec for %s", core.ErrBadRequest, kind)
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codecParameters(*codec).RTPCodecCapability, id, source+"-"+id)
	if err != nil {
		return nil, fmt.Errorf("sample track: %w", err)
	}
	t := &SampleTrack{
		local:       local,
		kind:        kind,
		source:      source,
		constraints: c,
		doneCh:      make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                         { return t.local.ID() }
func (t *SampleTrack) Kind() core.MediaType               { return t.kind }
func (t *SampleTrack) Source() string                     { return t.source }
func (t *SampleTrack) Constraints() core.MediaConstraints { return t.constraints }
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal      { return t.local }
func (t *SampleTrack) SetEnabled(on bool)                 { t.enabled.Store(on) }
func (t *SampleTrack) Enabled() bool                      { return t.enabled.Load() }

// Done is closed once the track has ended or was stopped.
func (t *SampleTrack) Done() <-chan struct{} { return t.doneCh }

func (t *SampleTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() || t.Ended() {
		return nil
	}
	return t.local.WriteSample(s)
}

func (t *SampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *SampleTrack) finish() ([]func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return nil, false
	}
	t.ended = true
	close(t.doneCh)
	return append([]func(){}, t.hooks...), true
}

// End is what the capture device does when it goes away: the track stops
// and the ended hooks run.
func (t *SampleTrack) End() {
	hooks, ok := t.finish()
	if !ok {
		return
	}
	for _, fn := range hooks {
		fn()
	}
}

// Stop ends the track without running the ended hooks.
func (t *SampleTrack) Stop() { t.finish() }

func (t *SampleTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// FeedSilence writes Opus silence into t until ctx is done or t ends.
func FeedSilence(ctx context.Context, t *SampleTrack) {
	if t.Kind() != core.MediaTypeAudio {
		return
	}
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-ticker.C:
			_ = t.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}

// SampleDevices hands out SampleTracks for every capture request. A source
// can be denied to stand in for a refused permission.
type SampleDevices struct {
	// OnTrack is called with every track handed out.
	OnTrack func(*SampleTrack)

	mu     sync.Mutex
	denied map[string]error
}

func NewSampleDevices() *SampleDevices {
	return &SampleDevices{denied: make(map[string]error)}
}

// Deny makes requests for source fail with err. A nil err allows it again.
func (d *SampleDevices) Deny(source string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.denied, source)
		return
	}
	d.denied[source] = err
}

func (d *SampleDevices) acquire(ctx context.Context, kind core.MediaType, source string, c core.MediaConstraints) (core.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	err := d.denied[source]
	onTrack := d.OnTrack
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t, err := NewSampleTrack(kind, source, c)
	if err != nil {
		return nil, err
	}
	if onTrack != nil {
		onTrack(t)
	}
	return t, nil
}

func (d *SampleDevices) GetUserMedia(ctx context.Context, kind core.MediaType, c core.MediaConstraints) (core.MediaTrack, error) {
	source := SourceMicrophone
	if kind == core.MediaTypeVideo {
		source = SourceCamera
	}
	return d.acquire(ctx, kind, source, c)
}

func (d *SampleDevices) GetDisplayMedia(ctx context.Context, c core.MediaConstraints) (core.MediaTrack, error) {
	return d.acquire(ctx, core.MediaTypeVideo, SourceScreen, c)
}
