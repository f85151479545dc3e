package session

import (
	"fmt"
	"time"

	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/media"
)

// Smallest video dimensions a sender may offer.
const (
	MinVideoWidth  = 16
	MinVideoHeight = 16
)

// DefaultTargetPlayoutDelay is used when a capture config leaves the delay
// unset.
const DefaultTargetPlayoutDelay = 400 * time.Millisecond

const videoRTPTimebase = 90000

// AudioCaptureConfig describes audio the sender is able to capture and
// encode.
type AudioCaptureConfig struct {
	Codec      media.AudioCodec
	Channels   int
	BitRate    int
	SampleRate int

	TargetPlayoutDelay time.Duration
	CodecParameter     string
}

// DefaultAudioCaptureConfig returns stereo 48 kHz Opus.
func DefaultAudioCaptureConfig() AudioCaptureConfig {
	return AudioCaptureConfig{
		Codec:              media.AudioCodecOpus,
		Channels:           2,
		SampleRate:         48000,
		TargetPlayoutDelay: DefaultTargetPlayoutDelay,
	}
}

// Validate checks the config. A zero bit rate lets the encoder choose.
func (c AudioCaptureConfig) Validate() error {
	switch {
	case c.Channels < 1:
		return fmt.Errorf("audio channels %d", c.Channels)
	case c.SampleRate <= 0:
		return fmt.Errorf("audio sample rate %d", c.SampleRate)
	case c.BitRate < 0:
		return fmt.Errorf("audio bit rate %d", c.BitRate)
	case c.TargetPlayoutDelay < 0:
		return fmt.Errorf("audio playout delay %v", c.TargetPlayoutDelay)
	case c.Codec == "":
		return fmt.Errorf("audio codec unset")
	}
	return nil
}

// VideoCaptureConfig describes video the sender is able to capture and
// encode.
type VideoCaptureConfig struct {
	Codec        media.VideoCodec
	MaxFrameRate control.SimpleFraction
	MaxBitRate   int
	Resolutions  []control.Resolution

	TargetPlayoutDelay time.Duration
	CodecParameter     string
}

// DefaultVideoCaptureConfig returns VP8 at up to 1080p30.
func DefaultVideoCaptureConfig() VideoCaptureConfig {
	return VideoCaptureConfig{
		Codec:              media.VideoCodecVP8,
		MaxFrameRate:       control.SimpleFraction{Numerator: 30, Denominator: 1},
		MaxBitRate:         5000000,
		Resolutions:        []control.Resolution{{Width: 1920, Height: 1080}, {Width: 1280, Height: 720}},
		TargetPlayoutDelay: DefaultTargetPlayoutDelay,
	}
}

// Validate checks the config.
func (c VideoCaptureConfig) Validate() error {
	switch {
	case !c.MaxFrameRate.IsPositive():
		return fmt.Errorf("video frame rate %s", c.MaxFrameRate)
	case c.MaxBitRate < 0:
		return fmt.Errorf("video bit rate %d", c.MaxBitRate)
	case len(c.Resolutions) == 0:
		return fmt.Errorf("no video resolutions")
	case c.TargetPlayoutDelay < 0:
		return fmt.Errorf("video playout delay %v", c.TargetPlayoutDelay)
	case c.Codec == "":
		return fmt.Errorf("video codec unset")
	}
	for _, r := range c.Resolutions {
		if r.Width < MinVideoWidth || r.Height < MinVideoHeight {
			return fmt.Errorf("video resolution %dx%d below %dx%d", r.Width, r.Height, MinVideoWidth, MinVideoHeight)
		}
	}
	return nil
}

func playoutDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTargetPlayoutDelay
	}
	return d
}

// Audio and video defaults applied when an answer carries no constraints.
const (
	defaultAudioMinBitRate   = 32000
	defaultAudioMaxBitRate   = 256000
	defaultAudioMaxChannels  = 2
	defaultAudioSampleRate   = 48000
	defaultVideoMinBitRate   = 300000
	defaultVideoMaxBitRate   = 8000000
	defaultVideoMaxFrameRate = 30
)

// BitRateLimits is an inclusive bit rate range in bits per second.
type BitRateLimits struct {
	Minimum int
	Maximum int
}

// AudioCaptureRecommendations tells the audio encoder what the receiver can
// take.
type AudioCaptureRecommendations struct {
	MaxChannels   int
	MaxSampleRate int
	BitRateLimits BitRateLimits
	MaxDelay      time.Duration
}

// VideoCaptureRecommendations tells the video encoder what the receiver can
// take.
type VideoCaptureRecommendations struct {
	MaxPixelsPerSecond float64
	MinResolution      control.Resolution
	MaxResolution      control.Resolution
	MaxFrameRate       float64
	BitRateLimits      BitRateLimits
	MaxDelay           time.Duration
}

// CaptureRecommendations combines the receiver's constraints with defaults.
type CaptureRecommendations struct {
	Audio AudioCaptureRecommendations
	Video VideoCaptureRecommendations
}

// DefaultCaptureRecommendations returns the recommendations used when the
// receiver states no constraints.
func DefaultCaptureRecommendations() CaptureRecommendations {
	return CaptureRecommendations{
		Audio: AudioCaptureRecommendations{
			MaxChannels:   defaultAudioMaxChannels,
			MaxSampleRate: defaultAudioSampleRate,
			BitRateLimits: BitRateLimits{Minimum: defaultAudioMinBitRate, Maximum: defaultAudioMaxBitRate},
			MaxDelay:      DefaultTargetPlayoutDelay,
		},
		Video: VideoCaptureRecommendations{
			MaxPixelsPerSecond: 1920 * 1080 * defaultVideoMaxFrameRate,
			MinResolution:      control.Resolution{Width: 320, Height: 240},
			MaxResolution:      control.Resolution{Width: 1920, Height: 1080},
			MaxFrameRate:       defaultVideoMaxFrameRate,
			BitRateLimits:      BitRateLimits{Minimum: defaultVideoMinBitRate, Maximum: defaultVideoMaxBitRate},
			MaxDelay:           DefaultTargetPlayoutDelay,
		},
	}
}

// captureRecommendationsFor overrides the defaults with every constraint the
// answer supplies. Zero values in the answer leave the default in place.
func captureRecommendationsFor(answer *control.Answer) CaptureRecommendations {
	r := DefaultCaptureRecommendations()
	if answer == nil || answer.Constraints == nil {
		return r
	}

	if a := answer.Constraints.Audio; a != nil {
		setIfPositive(&r.Audio.MaxChannels, a.MaxChannels)
		setIfPositive(&r.Audio.MaxSampleRate, a.MaxSampleRate)
		setIfPositive(&r.Audio.BitRateLimits.Minimum, a.MinBitRate)
		setIfPositive(&r.Audio.BitRateLimits.Maximum, a.MaxBitRate)
		if a.MaxDelayMs > 0 {
			r.Audio.MaxDelay = time.Duration(a.MaxDelayMs) * time.Millisecond
		}
	}
	if v := answer.Constraints.Video; v != nil {
		if v.MaxPixelsPerSecond > 0 {
			r.Video.MaxPixelsPerSecond = v.MaxPixelsPerSecond
		}
		if v.MinResolution != nil && v.MinResolution.Width > 0 && v.MinResolution.Height > 0 {
			r.Video.MinResolution = *v.MinResolution
		}
		if v.MaxDimensions.Width > 0 && v.MaxDimensions.Height > 0 {
			r.Video.MaxResolution = control.Resolution{Width: v.MaxDimensions.Width, Height: v.MaxDimensions.Height}
		}
		if v.MaxDimensions.FrameRate.IsPositive() {
			r.Video.MaxFrameRate = v.MaxDimensions.FrameRate.Float64()
		}
		setIfPositive(&r.Video.BitRateLimits.Minimum, v.MinBitRate)
		setIfPositive(&r.Video.BitRateLimits.Maximum, v.MaxBitRate)
		if v.MaxDelayMs > 0 {
			r.Video.MaxDelay = time.Duration(v.MaxDelayMs) * time.Millisecond
		}
	}
	return r
}

func setIfPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
