package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Local track ids. Remote peers see them in the offer.
const (
	AudioTrackID = "audio"
	VideoTrackID = "video"
)

// LocalMedia owns the local audio and video tracks. Capture sources push RTP
// packets through WriteAudio and WriteVideo.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *videoTrack

	keyframes chan struct{}

	mu     sync.RWMutex
	muted  bool
	facing ports.CameraFacing
	closed bool
}

type videoTrack struct {
	*webrtc.TrackLocalStaticRTP
	media *LocalMedia
}

func (t *videoTrack) RequestKeyframe() { t.media.RequestKeyframe() }

// NewLocalMedia creates the tracks requested by constraints under one stream id.
func NewLocalMedia(constraints ports.MediaConstraints, streamID string) (*LocalMedia, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", domain.ErrDeviceError)
	}

	m := &LocalMedia{
		keyframes: make(chan struct{}, 1),
		facing:    constraints.Facing,
	}
	if m.facing == "" {
		m.facing = ports.FacingFront
	}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			AudioTrackID,
			streamID,
		)
		if err != nil {
			return nil, err
		}
		m.audio = track
	}

	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			VideoTrackID,
			streamID,
		)
		if err != nil {
			return nil, err
		}
		m.video = &videoTrack{TrackLocalStaticRTP: track, media: m}
	}

	return m, nil
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *LocalMedia) HasAudio() bool { return m.audio != nil }
func (m *LocalMedia) HasVideo() bool { return m.video != nil }

func (m *LocalMedia) Muted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.muted
}

func (m *LocalMedia) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *LocalMedia) Facing() ports.CameraFacing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.facing
}

// SwitchCamera flips between the front and back camera. The video track is
// kept, so no renegotiation is needed.
func (m *LocalMedia) SwitchCamera() (ports.CameraFacing, error) {
	if m.video == nil {
		return "", fmt.Errorf("%w: no video track", domain.ErrDeviceError)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", io.ErrClosedPipe
	}
	if m.facing == ports.FacingBack {
		m.facing = ports.FacingFront
	} else {
		m.facing = ports.FacingBack
	}
	// the new camera has to start with a keyframe
	m.requestKeyframeLocked()
	return m.facing, nil
}

// WriteAudio forwards one audio packet. Packets are dropped while muted.
func (m *LocalMedia) WriteAudio(packet *rtp.Packet) error {
	if m.audio == nil {
		return errors.New("no audio track")
	}
	m.mu.RLock()
	muted, closed := m.muted, m.closed
	m.mu.RUnlock()

	if closed {
		return io.ErrClosedPipe
	}
	if muted {
		return nil
	}
	return m.audio.WriteRTP(packet)
}

func (m *LocalMedia) WriteVideo(packet *rtp.Packet) error {
	if m.video == nil {
		return errors.New("no video track")
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return io.ErrClosedPipe
	}
	return m.video.WriteRTP(packet)
}

// KeyframeRequests signals when a remote peer lost picture or the camera
// changed. Pending requests are coalesced.
func (m *LocalMedia) KeyframeRequests() <-chan struct{} {
	return m.keyframes
}

func (m *LocalMedia) RequestKeyframe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestKeyframeLocked()
}

func (m *LocalMedia) requestKeyframeLocked() {
	if m.closed {
		return
	}
	select {
	case m.keyframes <- struct{}{}:
	default:
	}
}

func (m *LocalMedia) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *LocalMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.keyframes)
	return nil
}

// Device describes what the capture hardware can deliver.
type Device struct {
	Audio        bool
	Video        bool
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
	// Facings lists the cameras present. Empty means front only.
	Facings []ports.CameraFacing
}

// DefaultDevice is a 720p camera pair with a microphone.
func DefaultDevice() Device {
	return Device{
		Audio:        true,
		Video:        true,
		MaxWidth:     1280,
		MaxHeight:    720,
		MaxFrameRate: 30,
		Facings:      []ports.CameraFacing{ports.FacingFront, ports.FacingBack},
	}
}

// MediaProvider hands out LocalMedia for a Device and optionally starts a
// synthetic capture source on every acquired handle.
type MediaProvider struct {
	device  Device
	granted bool
	source  func(media *LocalMedia)
}

type ProviderOption func(*MediaProvider)

// WithPermissionDenied makes every Acquire fail as if the user refused access.
func WithPermissionDenied() ProviderOption {
	return func(p *MediaProvider) { p.granted = false }
}

// WithSource runs source for each acquired handle until the handle closes.
func WithSource(source func(media *LocalMedia)) ProviderOption {
	return func(p *MediaProvider) { p.source = source }
}

func NewMediaProvider(device Device, opts ...ProviderOption) *MediaProvider {
	p := &MediaProvider{device: device, granted: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MediaProvider) Acquire(ctx context.Context, constraints ports.MediaConstraints) (ports.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.granted {
		return nil, domain.ErrPermissionDenied
	}
	if err := p.satisfies(constraints); err != nil {
		return nil, err
	}

	media, err := NewLocalMedia(constraints, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if p.source != nil {
		go p.source(media)
	}
	return media, nil
}

func (p *MediaProvider) satisfies(c ports.MediaConstraints) error {
	if c.Audio && !p.device.Audio {
		return fmt.Errorf("%w: no microphone", domain.ErrDeviceError)
	}
	if !c.Video {
		return nil
	}
	if !p.device.Video {
		return fmt.Errorf("%w: no camera", domain.ErrDeviceError)
	}
	if c.MinWidth > p.device.MaxWidth || c.MinHeight > p.device.MaxHeight {
		return fmt.Errorf("%w: camera cannot deliver %dx%d", domain.ErrDeviceError, c.MinWidth, c.MinHeight)
	}
	if c.MinFrameRate > p.device.MaxFrameRate {
		return fmt.Errorf("%w: camera cannot deliver %d fps", domain.ErrDeviceError, c.MinFrameRate)
	}
	if c.Facing != "" && !p.hasFacing(c.Facing) {
		return fmt.Errorf("%w: no %s camera", domain.ErrDeviceError, c.Facing)
	}
	return nil
}

func (p *MediaProvider) hasFacing(f ports.CameraFacing) bool {
	if len(p.device.Facings) == 0 {
		return f == ports.FacingFront
	}
	for _, have := range p.device.Facings {
		if have == f {
			return true
		}
	}
	return false
}
