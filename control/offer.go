package control

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/media"
)

// CastMode selects mirroring (codecs negotiated in the OFFER) or remoting
// (codecs chosen later over RPC).
type CastMode string

const (
	CastModeMirroring CastMode = "mirroring"
	CastModeRemoting  CastMode = "remoting"
)

// StreamKind is the "type" field of a stream entry.
type StreamKind string

const (
	StreamKindAudioSource StreamKind = "audio_source"
	StreamKindVideoSource StreamKind = "video_source"
)

// Resolution is a video width and height in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Stream holds the fields common to audio and video stream entries.
type Stream struct {
	Index                int               `json:"index"`
	Type                 StreamKind        `json:"type"`
	Channels             int               `json:"channels"`
	CodecName            string            `json:"codecName"`
	RTPPayloadType       media.PayloadType `json:"rtpPayloadType"`
	SSRC                 uint32            `json:"ssrc"`
	TargetDelayMs        int               `json:"targetDelay"`
	AESKey               string            `json:"aesKey"`
	AESIVMask            string            `json:"aesIvMask"`
	RTPTimebase          RTPTimebase       `json:"timeBase"`
	ReceiverRTCPEventLog bool              `json:"receiverRtcpEventLog,omitempty"`
	CodecParameter       string            `json:"codecParameter,omitempty"`
}

// Validate checks the common stream fields.
func (s *Stream) Validate() error {
	switch {
	case s.Index < 0:
		return fmt.Errorf("%w: negative index %d", ErrInvalidStream, s.Index)
	case s.Channels < 1:
		return fmt.Errorf("%w: stream %d has %d channels", ErrInvalidStream, s.Index, s.Channels)
	case !s.RTPPayloadType.IsValid():
		return fmt.Errorf("%w: stream %d payload type %d", ErrInvalidStream, s.Index, s.RTPPayloadType)
	case s.SSRC == 0:
		return fmt.Errorf("%w: stream %d has no ssrc", ErrInvalidStream, s.Index)
	case s.RTPTimebase <= 0:
		return fmt.Errorf("%w: stream %d time base %d", ErrInvalidStream, s.Index, s.RTPTimebase)
	case s.TargetDelayMs <= 0:
		return fmt.Errorf("%w: stream %d target delay %dms", ErrInvalidStream, s.Index, s.TargetDelayMs)
	case s.CodecName == "":
		return fmt.Errorf("%w: stream %d has no codec", ErrInvalidStream, s.Index)
	}
	if _, err := crypto.ParseStreamSecrets(s.AESKey, s.AESIVMask); err != nil {
		return fmt.Errorf("%w: stream %d: %v", ErrInvalidStream, s.Index, err)
	}
	return nil
}

// Secrets decodes the stream's key and IV mask.
func (s *Stream) Secrets() (crypto.StreamSecrets, error) {
	return crypto.ParseStreamSecrets(s.AESKey, s.AESIVMask)
}

// AudioStream is an "audio_source" entry.
type AudioStream struct {
	Stream
	BitRate int `json:"bitRate"`
}

// Validate checks the entry.
func (s *AudioStream) Validate() error {
	if s.Type != StreamKindAudioSource {
		return fmt.Errorf("%w: stream %d type %q", ErrInvalidStream, s.Index, s.Type)
	}
	if s.BitRate < 0 {
		return fmt.Errorf("%w: stream %d bit rate %d", ErrInvalidStream, s.Index, s.BitRate)
	}
	return s.Stream.Validate()
}

// VideoStream is a "video_source" entry.
type VideoStream struct {
	Stream
	MaxFrameRate SimpleFraction `json:"maxFrameRate"`
	MaxBitRate   int            `json:"maxBitRate"`
	Profile      string         `json:"profile,omitempty"`
	Level        string         `json:"level,omitempty"`
	Resolutions  []Resolution   `json:"resolutions"`
}

// Validate checks the entry.
func (s *VideoStream) Validate() error {
	if s.Type != StreamKindVideoSource {
		return fmt.Errorf("%w: stream %d type %q", ErrInvalidStream, s.Index, s.Type)
	}
	if !s.MaxFrameRate.IsPositive() {
		return fmt.Errorf("%w: stream %d frame rate %s", ErrInvalidStream, s.Index, s.MaxFrameRate)
	}
	if s.MaxBitRate < 0 {
		return fmt.Errorf("%w: stream %d bit rate %d", ErrInvalidStream, s.Index, s.MaxBitRate)
	}
	for _, r := range s.Resolutions {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("%w: stream %d resolution %dx%d", ErrInvalidStream, s.Index, r.Width, r.Height)
		}
	}
	return s.Stream.Validate()
}

// Offer lists the streams a sender can send, audio first.
type Offer struct {
	CastMode          CastMode
	ReceiverGetStatus bool
	AudioStreams      []AudioStream
	VideoStreams      []VideoStream
}

type offerWire struct {
	CastMode          CastMode          `json:"castMode"`
	ReceiverGetStatus bool              `json:"receiverGetStatus"`
	SupportedStreams  []json.RawMessage `json:"supportedStreams"`
}

// Validate checks the offer is structurally complete: a known cast mode, at
// least one stream, valid entries and unique indexes.
func (o *Offer) Validate() error {
	if o.CastMode != CastModeMirroring && o.CastMode != CastModeRemoting {
		return fmt.Errorf("%w: cast mode %q", ErrInvalidOffer, o.CastMode)
	}
	if len(o.AudioStreams) == 0 && len(o.VideoStreams) == 0 {
		return fmt.Errorf("%w: no streams", ErrInvalidOffer)
	}

	seen := make(map[int]bool)
	for i := range o.AudioStreams {
		if err := o.AudioStreams[i].Validate(); err != nil {
			return err
		}
		if seen[o.AudioStreams[i].Index] {
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidOffer, o.AudioStreams[i].Index)
		}
		seen[o.AudioStreams[i].Index] = true
	}
	for i := range o.VideoStreams {
		if err := o.VideoStreams[i].Validate(); err != nil {
			return err
		}
		if seen[o.VideoStreams[i].Index] {
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidOffer, o.VideoStreams[i].Index)
		}
		seen[o.VideoStreams[i].Index] = true
	}
	return nil
}

// MarshalJSON writes the streams in [audio...][video...] order.
func (o Offer) MarshalJSON() ([]byte, error) {
	wire := offerWire{
		CastMode:          o.CastMode,
		ReceiverGetStatus: o.ReceiverGetStatus,
		SupportedStreams:  make([]json.RawMessage, 0, len(o.AudioStreams)+len(o.VideoStreams)),
	}
	for i := range o.AudioStreams {
		raw, err := json.Marshal(o.AudioStreams[i])
		if err != nil {
			return nil, err
		}
		wire.SupportedStreams = append(wire.SupportedStreams, raw)
	}
	for i := range o.VideoStreams {
		raw, err := json.Marshal(o.VideoStreams[i])
		if err != nil {
			return nil, err
		}
		wire.SupportedStreams = append(wire.SupportedStreams, raw)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON splits supportedStreams by their "type" field. Entries of an
// unknown type are skipped.
func (o *Offer) UnmarshalJSON(data []byte) error {
	var wire offerWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	offer := Offer{CastMode: wire.CastMode, ReceiverGetStatus: wire.ReceiverGetStatus}
	if offer.CastMode == "" {
		offer.CastMode = CastModeMirroring
	}
	for _, raw := range wire.SupportedStreams {
		var kind struct {
			Type StreamKind `json:"type"`
		}
		if err := json.Unmarshal(raw, &kind); err != nil {
			return err
		}
		switch kind.Type {
		case StreamKindAudioSource:
			var s AudioStream
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			offer.AudioStreams = append(offer.AudioStreams, s)
		case StreamKindVideoSource:
			var s VideoStream
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			offer.VideoStreams = append(offer.VideoStreams, s)
		}
	}
	*o = offer
	return nil
}
