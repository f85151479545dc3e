package session

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/limits"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/streaming"
)

// SupportedRemotingVersion is the highest remoting protocol version this
// sender speaks.
const SupportedRemotingVersion = 2

// SSRC ranges. Audio SSRCs sort below video SSRCs so receivers that order
// streams by SSRC service audio first.
const (
	audioSSRCMin = 1
	audioSSRCMax = 50000
	videoSSRCMin = 50001
	videoSSRCMax = 100000
)

// SenderSessionState is where a SenderSession is in negotiation.
type SenderSessionState uint8

const (
	StateIdle SenderSessionState = iota
	StateAwaitingAnswer
	StateStreaming
	StateRemoting
)

func (s SenderSessionState) String() string {
	switch s {
	case StateAwaitingAnswer:
		return "AwaitingAnswer"
	case StateStreaming:
		return "Streaming"
	case StateRemoting:
		return "Remoting"
	default:
		return "Idle"
	}
}

// SenderSessionConfig configures a SenderSession.
type SenderSessionConfig struct {
	// SenderID and ReceiverID are the control channel identities.
	SenderID   string
	ReceiverID string

	ReplyTimeout  time.Duration
	MaxPacketSize int

	// Events, when set, receives every sender's telemetry.
	Events streaming.EventSink
}

// DefaultSenderSessionConfig returns a config with a fresh sender identity.
// ReceiverID must still be set.
func DefaultSenderSessionConfig() SenderSessionConfig {
	return SenderSessionConfig{
		SenderID:      "sender-" + uuid.NewString(),
		ReplyTimeout:  control.DefaultReplyTimeout,
		MaxPacketSize: limits.MaxRTPPacketSizeIPv4,
	}
}

// Validate checks the config.
func (c SenderSessionConfig) Validate() error {
	switch {
	case c.SenderID == "" || c.ReceiverID == "":
		return fmt.Errorf("%w: sender and receiver ids are required", ErrInvalidConfig)
	case c.SenderID == c.ReceiverID:
		return fmt.Errorf("%w: sender and receiver ids are both %q", ErrInvalidConfig, c.SenderID)
	case c.ReplyTimeout <= 0:
		return fmt.Errorf("%w: reply timeout %v", ErrInvalidConfig, c.ReplyTimeout)
	case limits.MaxPayloadPerPacket(c.MaxPacketSize, true) <= 0:
		return fmt.Errorf("%w: max packet size %d", ErrInvalidConfig, c.MaxPacketSize)
	}
	return nil
}

// RemoteEndpointSetter learns the receiver's UDP port from the answer.
// *environment.Environment implements it.
type RemoteEndpointSetter interface {
	SetRemotePort(port int)
}

// ConfiguredSenders are the senders created by a successful negotiation.
// Either may be nil when the receiver did not select that media type.
type ConfiguredSenders struct {
	Audio       *streaming.Sender
	AudioConfig AudioCaptureConfig
	Video       *streaming.Sender
	VideoConfig VideoCaptureConfig
}

// RemotingCapabilities are the media capabilities a receiver reported.
type RemotingCapabilities struct {
	Version int
	Audio   []control.MediaCapability
	Video   []control.MediaCapability
}

// Client receives the outcome of SenderSession operations. Calls are made on
// the session's task runner.
type Client interface {
	// OnNegotiated hands over the senders of a completed negotiation.
	OnNegotiated(senders ConfiguredSenders, recommendations CaptureRecommendations)

	// OnCapabilitiesDetermined reports the answer to RequestCapabilities.
	OnCapabilitiesDetermined(capabilities RemotingCapabilities)

	// OnSendersDestroying is called before the current senders are closed.
	// They must not be used after it returns.
	OnSendersDestroying()

	// OnError reports a failed negotiation or a fatal session error.
	OnError(err error)
}

// negotiation remembers what was offered so the answer can be matched
// against it.
type negotiation struct {
	mode         control.CastMode
	offer        *control.Offer
	audioConfigs []AudioCaptureConfig
	videoConfigs []VideoCaptureConfig
	secrets      []crypto.StreamSecrets
}

func (n *negotiation) wipe() {
	for i := range n.secrets {
		n.secrets[i].Wipe()
	}
}

// SenderSession negotiates streams with one receiver. All methods must be
// called on the task runner.
type SenderSession struct {
	config    SenderSessionConfig
	router    *streaming.PacketRouter
	endpoint  RemoteEndpointSetter
	client    Client
	messenger *control.SenderMessenger

	state      SenderSessionState
	generation uint64
	current    *negotiation
	senders    ConfiguredSenders
	closed     bool
}

// NewSenderSession creates a session that talks to the receiver over port
// and registers its senders with router.
func NewSenderSession(runner environment.TaskRunner, port control.MessagePort, router *streaming.PacketRouter, endpoint RemoteEndpointSetter, client Client, config SenderSessionConfig) (*SenderSession, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &SenderSession{
		config:   config,
		router:   router,
		endpoint: endpoint,
		client:   client,
	}
	s.messenger = control.NewSenderMessenger(port, config.SenderID, config.ReceiverID, runner, s.onMessengerError)
	s.messenger.SetReplyTimeout(config.ReplyTimeout)
	return s, nil
}

// State returns the negotiation state.
func (s *SenderSession) State() SenderSessionState { return s.state }

// Senders returns the senders of the current negotiation.
func (s *SenderSession) Senders() ConfiguredSenders { return s.senders }

// Negotiate offers mirroring streams for every given capture config and
// waits for the answer. The outcome is reported through the Client; the
// returned error covers only failures before the offer was sent.
func (s *SenderSession) Negotiate(audioConfigs []AudioCaptureConfig, videoConfigs []VideoCaptureConfig) error {
	return s.negotiate(control.CastModeMirroring, audioConfigs, videoConfigs)
}

// NegotiateRemoting offers one audio and one video stream whose codecs are
// left unspecified, to be chosen later over RPC.
func (s *SenderSession) NegotiateRemoting(audioConfig AudioCaptureConfig, videoConfig VideoCaptureConfig) error {
	audioConfig.Codec = media.AudioCodecNotSpecified
	videoConfig.Codec = media.VideoCodecNotSpecified
	return s.negotiate(control.CastModeRemoting, []AudioCaptureConfig{audioConfig}, []VideoCaptureConfig{videoConfig})
}

func (s *SenderSession) negotiate(mode control.CastMode, audioConfigs []AudioCaptureConfig, videoConfigs []VideoCaptureConfig) error {
	if s.closed {
		return ErrSessionClosed
	}
	if len(audioConfigs) == 0 && len(videoConfigs) == 0 {
		return fmt.Errorf("%w: no audio or video configs", ErrParameterInvalid)
	}
	for i, c := range audioConfigs {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: audio config %d: %v", ErrParameterInvalid, i, err)
		}
	}
	for i, c := range videoConfigs {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: video config %d: %v", ErrParameterInvalid, i, err)
		}
	}

	s.resetState()

	n, err := buildOffer(mode, audioConfigs, videoConfigs)
	if err != nil {
		return err
	}

	s.generation++
	generation := s.generation
	msg := control.SenderMessage{
		Type:           control.SenderMessageOffer,
		SequenceNumber: s.messenger.NextSequenceNumber(),
		Valid:          true,
		Offer:          n.offer,
	}
	err = s.messenger.SendRequest(msg, control.ReceiverMessageAnswer, func(reply control.ReceiverMessage, err error) {
		s.onAnswer(generation, reply, err)
	})
	if err != nil {
		n.wipe()
		return fmt.Errorf("failed to send offer: %w", err)
	}

	s.current = n
	s.state = StateAwaitingAnswer
	logrus.WithFields(logrus.Fields{
		"function": "SenderSession.negotiate",
		"mode":     mode,
		"audio":    len(audioConfigs),
		"video":    len(videoConfigs),
		"seq_num":  msg.SequenceNumber,
	}).Info("Offer sent")
	return nil
}

func buildOffer(mode control.CastMode, audioConfigs []AudioCaptureConfig, videoConfigs []VideoCaptureConfig) (*negotiation, error) {
	n := &negotiation{
		mode:         mode,
		offer:        &control.Offer{CastMode: mode},
		audioConfigs: audioConfigs,
		videoConfigs: videoConfigs,
	}
	index := 0
	for _, c := range audioConfigs {
		secrets, err := crypto.GenerateStreamSecrets()
		if err != nil {
			n.wipe()
			return nil, fmt.Errorf("failed to generate stream secrets: %w", err)
		}
		n.secrets = append(n.secrets, secrets)
		n.offer.AudioStreams = append(n.offer.AudioStreams, control.AudioStream{
			Stream: control.Stream{
				Index:          index,
				Type:           control.StreamKindAudioSource,
				Channels:       c.Channels,
				CodecName:      string(c.Codec),
				RTPPayloadType: media.PayloadTypeForAudioCodec(c.Codec),
				SSRC:           randomSSRC(audioSSRCMin, audioSSRCMax),
				TargetDelayMs:  int(playoutDelay(c.TargetPlayoutDelay).Milliseconds()),
				AESKey:         secrets.KeyHex(),
				AESIVMask:      secrets.IVMaskHex(),
				RTPTimebase:    control.RTPTimebase(c.SampleRate),
				CodecParameter: c.CodecParameter,
			},
			BitRate: c.BitRate,
		})
		index++
	}
	for _, c := range videoConfigs {
		secrets, err := crypto.GenerateStreamSecrets()
		if err != nil {
			n.wipe()
			return nil, fmt.Errorf("failed to generate stream secrets: %w", err)
		}
		n.secrets = append(n.secrets, secrets)
		n.offer.VideoStreams = append(n.offer.VideoStreams, control.VideoStream{
			Stream: control.Stream{
				Index:          index,
				Type:           control.StreamKindVideoSource,
				Channels:       1,
				CodecName:      string(c.Codec),
				RTPPayloadType: media.PayloadTypeForVideoCodec(c.Codec),
				SSRC:           randomSSRC(videoSSRCMin, videoSSRCMax),
				TargetDelayMs:  int(playoutDelay(c.TargetPlayoutDelay).Milliseconds()),
				AESKey:         secrets.KeyHex(),
				AESIVMask:      secrets.IVMaskHex(),
				RTPTimebase:    videoRTPTimebase,
				CodecParameter: c.CodecParameter,
			},
			MaxFrameRate: c.MaxFrameRate,
			MaxBitRate:   c.MaxBitRate,
			Resolutions:  c.Resolutions,
		})
		index++
	}
	return n, nil
}

func randomSSRC(lo, hi uint32) uint32 {
	return lo + rand.Uint32N(hi-lo+1)
}

func (s *SenderSession) onAnswer(generation uint64, reply control.ReceiverMessage, err error) {
	if s.closed || generation != s.generation || s.state != StateAwaitingAnswer {
		logrus.WithFields(logrus.Fields{
			"function":   "SenderSession.onAnswer",
			"generation": generation,
			"current":    s.generation,
		}).Debug("Ignoring stale answer")
		return
	}

	switch {
	case err != nil:
		s.failNegotiation(fmt.Errorf("%w: %v", ErrAnswerTimeout, err))
		return
	case !reply.Valid:
		if reply.Error.IsValid() {
			s.failNegotiation(&ReceiverError{Code: reply.Error.Code, Description: reply.Error.Description})
		} else {
			s.failNegotiation(fmt.Errorf("%w: error reply without a usable error", ErrInvalidAnswer))
		}
		return
	case !reply.Answer.IsValid():
		s.failNegotiation(fmt.Errorf("%w: structurally invalid", ErrInvalidAnswer))
		return
	}

	answer := reply.Answer
	n := s.current
	audioStream, audioIndex, audioSSRC := selectAudio(n.offer, answer)
	videoStream, videoIndex, videoSSRC := selectVideo(n.offer, answer)
	if audioStream == nil && videoStream == nil {
		s.failNegotiation(ErrNoStreamSelected)
		return
	}

	s.endpoint.SetRemotePort(answer.UDPPort)

	var senders ConfiguredSenders
	if audioStream != nil {
		sender, err := s.createSender(&audioStream.Stream, media.StreamTypeAudio, audioSSRC, n.secrets[audioIndex])
		if err != nil {
			s.failNegotiation(err)
			return
		}
		senders.Audio = sender
		senders.AudioConfig = n.audioConfigs[audioIndex]
	}
	if videoStream != nil {
		secretIndex := len(n.audioConfigs) + videoIndex
		sender, err := s.createSender(&videoStream.Stream, media.StreamTypeVideo, videoSSRC, n.secrets[secretIndex])
		if err != nil {
			if senders.Audio != nil {
				senders.Audio.Close()
			}
			s.failNegotiation(err)
			return
		}
		senders.Video = sender
		senders.VideoConfig = n.videoConfigs[videoIndex]
	}

	s.senders = senders
	if n.mode == control.CastModeRemoting {
		s.state = StateRemoting
	} else {
		s.state = StateStreaming
	}
	logrus.WithFields(logrus.Fields{
		"function": "SenderSession.onAnswer",
		"state":    s.state,
		"udp_port": answer.UDPPort,
		"audio":    senders.Audio != nil,
		"video":    senders.Video != nil,
	}).Info("Negotiation complete")

	s.client.OnNegotiated(senders, captureRecommendationsFor(answer))
}

// selectAudio returns the first answered audio stream with its position in
// the offer and the receiver SSRC assigned to it.
func selectAudio(offer *control.Offer, answer *control.Answer) (*control.AudioStream, int, uint32) {
	for i, index := range answer.SendIndexes {
		for j := range offer.AudioStreams {
			if offer.AudioStreams[j].Index == index {
				return &offer.AudioStreams[j], j, answer.SSRCs[i]
			}
		}
	}
	return nil, 0, 0
}

func selectVideo(offer *control.Offer, answer *control.Answer) (*control.VideoStream, int, uint32) {
	for i, index := range answer.SendIndexes {
		for j := range offer.VideoStreams {
			if offer.VideoStreams[j].Index == index {
				return &offer.VideoStreams[j], j, answer.SSRCs[i]
			}
		}
	}
	return nil, 0, 0
}

func (s *SenderSession) createSender(stream *control.Stream, streamType media.StreamType, receiverSSRC uint32, secrets crypto.StreamSecrets) (*streaming.Sender, error) {
	config := streaming.SenderConfig{
		SenderSSRC:         stream.SSRC,
		ReceiverSSRC:       receiverSSRC,
		StreamType:         streamType,
		PayloadType:        stream.RTPPayloadType,
		RTPTimebase:        int(stream.RTPTimebase),
		TargetPlayoutDelay: time.Duration(stream.TargetDelayMs) * time.Millisecond,
		Secrets:            secrets,
		MaxPacketSize:      s.config.MaxPacketSize,
	}
	sender, err := streaming.NewSender(s.router, config, s.config.Events)
	if err != nil {
		return nil, fmt.Errorf("%w: stream %d: %w", ErrInvalidAnswer, stream.Index, err)
	}

	logrus.WithFields(secrets.LogFields()).WithFields(logrus.Fields{
		"function":      "SenderSession.createSender",
		"stream":        streamType,
		"index":         stream.Index,
		"sender_ssrc":   config.SenderSSRC,
		"receiver_ssrc": receiverSSRC,
	}).Debug("Sender created")
	return sender, nil
}

func (s *SenderSession) failNegotiation(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "SenderSession.failNegotiation",
		"error":    err.Error(),
	}).Warn("Negotiation failed")

	if s.current != nil {
		s.current.wipe()
		s.current = nil
	}
	s.state = StateIdle
	s.client.OnError(err)
}

// RequestCapabilities asks the receiver which media it can play in remoting
// mode. The result arrives through Client.OnCapabilitiesDetermined or
// Client.OnError with ErrRemotingNotSupported.
func (s *SenderSession) RequestCapabilities() error {
	if s.closed {
		return ErrSessionClosed
	}
	msg := control.SenderMessage{
		Type:           control.SenderMessageGetCapabilities,
		SequenceNumber: s.messenger.NextSequenceNumber(),
		Valid:          true,
	}
	return s.messenger.SendRequest(msg, control.ReceiverMessageCapabilitiesResponse, s.onCapabilities)
}

func (s *SenderSession) onCapabilities(reply control.ReceiverMessage, err error) {
	if s.closed {
		return
	}
	switch {
	case err != nil:
		s.client.OnError(fmt.Errorf("%w: %v", ErrRemotingNotSupported, err))
		return
	case !reply.Valid || reply.Capabilities == nil:
		if reply.Error.IsValid() {
			s.client.OnError(fmt.Errorf("%w: %w", ErrRemotingNotSupported,
				&ReceiverError{Code: reply.Error.Code, Description: reply.Error.Description}))
		} else {
			s.client.OnError(fmt.Errorf("%w: invalid capabilities response", ErrRemotingNotSupported))
		}
		return
	case reply.Capabilities.RemotingVersion > SupportedRemotingVersion:
		s.client.OnError(fmt.Errorf("%w: receiver remoting version %d above %d",
			ErrRemotingNotSupported, reply.Capabilities.RemotingVersion, SupportedRemotingVersion))
		return
	}

	caps := RemotingCapabilities{Version: reply.Capabilities.RemotingVersion}
	for _, c := range reply.Capabilities.MediaCapabilities {
		switch c {
		case control.MediaCapabilityAudio, control.MediaCapabilityAAC, control.MediaCapabilityOpus:
			caps.Audio = append(caps.Audio, c)
		case control.MediaCapabilityVideo, control.MediaCapability4K, control.MediaCapabilityH264,
			control.MediaCapabilityVP8, control.MediaCapabilityVP9, control.MediaCapabilityHEVC,
			control.MediaCapabilityAV1:
			caps.Video = append(caps.Video, c)
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "SenderSession.onCapabilities",
				"capability": c,
			}).Debug("Ignoring unknown media capability")
		}
	}
	s.client.OnCapabilitiesDetermined(caps)
}

// SendRPC sends a remoting RPC message. RPC messages are not acknowledged.
func (s *SenderSession) SendRPC(payload []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.messenger.SendOutboundMessage(control.SenderMessage{
		Type:  control.SenderMessageRPC,
		Valid: true,
		RPC:   payload,
	})
}

// SetRPCHandler sets the handler for RPC messages from the receiver.
func (s *SenderSession) SetRPCHandler(handler func(payload []byte)) {
	if handler == nil {
		s.messenger.SetRPCHandler(nil)
		return
	}
	s.messenger.SetRPCHandler(func(msg control.ReceiverMessage) { handler(msg.RPC) })
}

// Close tears down any senders and stops handling control messages.
func (s *SenderSession) Close() {
	if s.closed {
		return
	}
	s.resetState()
	s.messenger.Close()
	s.closed = true
}

// resetState closes the current senders and abandons any pending answer.
func (s *SenderSession) resetState() {
	if s.senders.Audio != nil || s.senders.Video != nil {
		s.client.OnSendersDestroying()
		if s.senders.Audio != nil {
			s.senders.Audio.Close()
		}
		if s.senders.Video != nil {
			s.senders.Video.Close()
		}
		s.senders = ConfiguredSenders{}
	}
	if s.current != nil {
		s.current.wipe()
		s.current = nil
	}
	s.state = StateIdle
}

func (s *SenderSession) onMessengerError(err error) {
	if s.closed {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "SenderSession.onMessengerError",
		"error":    err.Error(),
	}).Error("Control channel error")
	s.client.OnError(err)
}
