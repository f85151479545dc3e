package control

// Answer selects a subset of the offered streams. SendIndexes[i] is the
// index of an offered stream and SSRCs[i] the receiver SSRC assigned to it.
type Answer struct {
	UDPPort              int                 `json:"udpPort"`
	SendIndexes          []int               `json:"sendIndexes"`
	SSRCs                []uint32            `json:"ssrcs"`
	Constraints          *Constraints        `json:"constraints,omitempty"`
	Display              *DisplayDescription `json:"display,omitempty"`
	ReceiverRTCPEventLog []int               `json:"receiverRtcpEventLog,omitempty"`
}

// IsValid reports structural completeness: a usable port, one SSRC per
// selected index, no negative or repeated indexes and no zero SSRC. An
// answer selecting nothing is structurally valid.
func (a *Answer) IsValid() bool {
	if a.UDPPort <= 0 || a.UDPPort > 65535 {
		return false
	}
	if len(a.SendIndexes) != len(a.SSRCs) {
		return false
	}
	seen := make(map[int]bool, len(a.SendIndexes))
	for i, index := range a.SendIndexes {
		if index < 0 || seen[index] || a.SSRCs[i] == 0 {
			return false
		}
		seen[index] = true
	}
	return true
}

// Dimensions is a resolution with an optional frame rate.
type Dimensions struct {
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	FrameRate SimpleFraction `json:"frameRate"`
}

// AudioConstraints are receiver limits for the audio stream.
type AudioConstraints struct {
	MaxSampleRate int `json:"maxSampleRate"`
	MaxChannels   int `json:"maxChannels"`
	MinBitRate    int `json:"minBitRate"`
	MaxBitRate    int `json:"maxBitRate"`
	MaxDelayMs    int `json:"maxDelay,omitempty"`
}

// VideoConstraints are receiver limits for the video stream.
type VideoConstraints struct {
	MaxPixelsPerSecond float64     `json:"maxPixelsPerSecond,omitempty"`
	MinResolution      *Resolution `json:"minResolution,omitempty"`
	MaxDimensions      Dimensions  `json:"maxDimensions"`
	MinBitRate         int         `json:"minBitRate"`
	MaxBitRate         int         `json:"maxBitRate"`
	MaxDelayMs         int         `json:"maxDelay,omitempty"`
}

// Constraints bound what the sender should capture and encode.
type Constraints struct {
	Audio *AudioConstraints `json:"audio,omitempty"`
	Video *VideoConstraints `json:"video,omitempty"`
}

// DisplayDescription describes the receiver's display.
type DisplayDescription struct {
	Dimensions  *Dimensions `json:"dimensions,omitempty"`
	AspectRatio string      `json:"aspectRatio,omitempty"`
	Scaling     string      `json:"scaling,omitempty"`
}

// ReceiverErrorBody is the "error" object of an invalid reply.
type ReceiverErrorBody struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// IsValid reports whether the receiver supplied a usable error code.
func (e *ReceiverErrorBody) IsValid() bool {
	return e != nil && e.Code != ErrorCodeNone
}

// MediaCapability is an entry of a CAPABILITIES_RESPONSE "mediaCaps" list.
type MediaCapability string

const (
	MediaCapabilityAudio MediaCapability = "audio"
	MediaCapabilityAAC   MediaCapability = "aac"
	MediaCapabilityOpus  MediaCapability = "opus"
	MediaCapabilityVideo MediaCapability = "video"
	MediaCapability4K    MediaCapability = "4k"
	MediaCapabilityH264  MediaCapability = "h264"
	MediaCapabilityVP8   MediaCapability = "vp8"
	MediaCapabilityVP9   MediaCapability = "vp9"
	MediaCapabilityHEVC  MediaCapability = "hevc"
	MediaCapabilityAV1   MediaCapability = "av1"
)

// ReceiverCapability is the body of a CAPABILITIES_RESPONSE.
type ReceiverCapability struct {
	RemotingVersion   int               `json:"remoting"`
	MediaCapabilities []MediaCapability `json:"mediaCaps"`
}
