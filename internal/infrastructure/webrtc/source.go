package webrtc

import (
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"
)

const (
	rtpMTU            = 1200
	opusPayloadType   = 111
	vp8PayloadType    = 96
	opusClockRate     = 48000
	vp8ClockRate      = 90000
	audioFrameLength  = 20 * time.Millisecond
	syntheticFrameLen = 64
)

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource feeds LocalMedia with silence and a fixed test frame. It is
// the capture source for headless clients.
type SyntheticSource struct {
	FrameRate int
	Logger    *zap.SugaredLogger
}

// Run packetizes frames until media is closed.
func (s SyntheticSource) Run(media *LocalMedia) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	fps := s.FrameRate
	if fps <= 0 {
		fps = 15
	}

	audio := rtp.NewPacketizer(rtpMTU, opusPayloadType, rand.Uint32(), &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate)
	video := rtp.NewPacketizer(rtpMTU, vp8PayloadType, rand.Uint32(), &codecs.VP8Payloader{}, rtp.NewRandomSequencer(), vp8ClockRate)

	audioTick := time.NewTicker(audioFrameLength)
	defer audioTick.Stop()
	videoTick := time.NewTicker(time.Second / time.Duration(fps))
	defer videoTick.Stop()

	audioSamples := uint32(opusClockRate * audioFrameLength / time.Second)
	videoSamples := uint32(vp8ClockRate / fps)
	keyframe := true

	for {
		select {
		case _, ok := <-media.KeyframeRequests():
			if !ok {
				return
			}
			keyframe = true

		case <-audioTick.C:
			if !media.HasAudio() {
				continue
			}
			for _, packet := range audio.Packetize(opusSilence, audioSamples) {
				if err := media.WriteAudio(packet); err != nil {
					if stopped(err) {
						return
					}
					log.Debugw("failed to write audio packet", "error", err)
				}
			}

		case <-videoTick.C:
			if !media.HasVideo() {
				continue
			}
			for _, packet := range video.Packetize(testFrame(keyframe), videoSamples) {
				if err := media.WriteVideo(packet); err != nil {
					if stopped(err) {
						return
					}
					log.Debugw("failed to write video packet", "error", err)
				}
			}
			keyframe = false
		}
	}
}

func stopped(err error) bool {
	return errors.Is(err, io.ErrClosedPipe)
}

// testFrame builds a VP8 frame whose first byte carries the keyframe bit
// (0 marks a keyframe).
func testFrame(keyframe bool) []byte {
	frame := make([]byte, syntheticFrameLen)
	if !keyframe {
		frame[0] = 0x01
	}
	return frame
}
