package media

import (
	"fmt"
	"time"
)

// StreamType distinguishes audio from video streams.
type StreamType uint8

const (
	// StreamTypeAudio is an audio stream. Audio gets high-priority SSRCs.
	StreamTypeAudio StreamType = iota
	// StreamTypeVideo is a video stream.
	StreamTypeVideo
)

// String returns "audio" or "video".
func (s StreamType) String() string {
	switch s {
	case StreamTypeAudio:
		return "audio"
	case StreamTypeVideo:
		return "video"
	default:
		return fmt.Sprintf("StreamType(%d)", uint8(s))
	}
}

// Dependency describes how a frame depends on earlier frames.
type Dependency uint8

const (
	// DependencyUnknown is the zero value and is never enqueued.
	DependencyUnknown Dependency = iota
	// DependencyKeyFrame frames decode on their own and reset the decoder.
	DependencyKeyFrame
	// DependencyDependent frames need their referenced frame to decode.
	DependencyDependent
	// DependencyIndependent frames decode on their own without a reset.
	DependencyIndependent
)

// String returns a short name for logs.
func (d Dependency) String() string {
	switch d {
	case DependencyKeyFrame:
		return "key"
	case DependencyDependent:
		return "dependent"
	case DependencyIndependent:
		return "independent"
	default:
		return "unknown"
	}
}

// AudioCodec names an audio codec as it appears in OFFER messages.
type AudioCodec string

const (
	AudioCodecAAC   AudioCodec = "aac"
	AudioCodecOpus  AudioCodec = "opus"
	AudioCodecPCM16 AudioCodec = "pcm16"
	// AudioCodecNotSpecified marks remoting streams, whose codec is chosen
	// out of band.
	AudioCodecNotSpecified AudioCodec = "REMOTE_AUDIO"
)

// VideoCodec names a video codec as it appears in OFFER messages.
type VideoCodec string

const (
	VideoCodecH264 VideoCodec = "h264"
	VideoCodecVP8  VideoCodec = "vp8"
	VideoCodecHEVC VideoCodec = "hevc"
	VideoCodecVP9  VideoCodec = "vp9"
	VideoCodecAV1  VideoCodec = "av1"
	// VideoCodecNotSpecified marks remoting streams.
	VideoCodecNotSpecified VideoCodec = "REMOTE_VIDEO"
)

// PayloadType is the RTP payload type carried by Cast streams.
type PayloadType uint8

const (
	PayloadTypeAudioOpus    PayloadType = 96
	PayloadTypeAudioAAC     PayloadType = 97
	PayloadTypeAudioPCM16   PayloadType = 98
	PayloadTypeAudioVarious PayloadType = 99
	PayloadTypeVideoVP8     PayloadType = 100
	PayloadTypeVideoH264    PayloadType = 101
	PayloadTypeVideoVP9     PayloadType = 102
	PayloadTypeVideoAV1     PayloadType = 103
	PayloadTypeVideoVarious PayloadType = 104
)

// IsValid reports whether p is one of the Cast payload types.
func (p PayloadType) IsValid() bool {
	return p >= PayloadTypeAudioOpus && p <= PayloadTypeVideoVarious
}

// PayloadTypeForAudioCodec maps a codec to its payload type.
func PayloadTypeForAudioCodec(codec AudioCodec) PayloadType {
	switch codec {
	case AudioCodecOpus:
		return PayloadTypeAudioOpus
	case AudioCodecAAC:
		return PayloadTypeAudioAAC
	case AudioCodecPCM16:
		return PayloadTypeAudioPCM16
	default:
		return PayloadTypeAudioVarious
	}
}

// PayloadTypeForVideoCodec maps a codec to its payload type. HEVC has no
// dedicated type and travels as "various".
func PayloadTypeForVideoCodec(codec VideoCodec) PayloadType {
	switch codec {
	case VideoCodecVP8:
		return PayloadTypeVideoVP8
	case VideoCodecH264:
		return PayloadTypeVideoH264
	case VideoCodecVP9:
		return PayloadTypeVideoVP9
	case VideoCodecAV1:
		return PayloadTypeVideoAV1
	default:
		return PayloadTypeVideoVarious
	}
}

// EncodedFrame is one encoded audio or video frame produced by an external
// encoder and handed to a sender.
type EncodedFrame struct {
	FrameID           FrameID
	ReferencedFrameID FrameID
	Dependency        Dependency
	RTPTimestamp      RtpTimeTicks

	// CaptureBeginTime and CaptureEndTime bracket the capture of the media.
	CaptureBeginTime time.Time
	CaptureEndTime   time.Time

	// ReferenceTime is the local time the frame should be played out at,
	// before the playout delay is added. It drives lip sync.
	ReferenceTime time.Time

	// NewPlayoutDelay, when positive, changes the target playout delay
	// starting with this frame.
	NewPlayoutDelay time.Duration

	Data []byte
}

// IsKeyFrame reports whether the frame is a key frame.
func (f *EncodedFrame) IsKeyFrame() bool {
	return f.Dependency == DependencyKeyFrame
}
