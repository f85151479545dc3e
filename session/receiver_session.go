package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/streaming"
)

// ReceiverPreferences decide which offered streams a receiver accepts.
// Codecs are listed in order of preference.
type ReceiverPreferences struct {
	AudioCodecs []media.AudioCodec
	VideoCodecs []media.VideoCodec

	// RemotingEnabled allows remoting offers and capability queries.
	RemotingEnabled bool
	RemotingVersion int

	// Supports4K adds the "4k" media capability.
	Supports4K bool

	Constraints *control.Constraints
	Display     *control.DisplayDescription
}

// DefaultReceiverPreferences prefers Opus and VP8, with remoting disabled.
func DefaultReceiverPreferences() ReceiverPreferences {
	return ReceiverPreferences{
		AudioCodecs:     []media.AudioCodec{media.AudioCodecOpus, media.AudioCodecAAC},
		VideoCodecs:     []media.VideoCodec{media.VideoCodecVP8, media.VideoCodecH264},
		RemotingVersion: SupportedRemotingVersion,
	}
}

func (p ReceiverPreferences) mediaCapabilities() []control.MediaCapability {
	caps := []control.MediaCapability{control.MediaCapabilityAudio, control.MediaCapabilityVideo}
	for _, c := range p.AudioCodecs {
		switch c {
		case media.AudioCodecAAC:
			caps = append(caps, control.MediaCapabilityAAC)
		case media.AudioCodecOpus:
			caps = append(caps, control.MediaCapabilityOpus)
		}
	}
	for _, c := range p.VideoCodecs {
		switch c {
		case media.VideoCodecH264:
			caps = append(caps, control.MediaCapabilityH264)
		case media.VideoCodecVP8:
			caps = append(caps, control.MediaCapabilityVP8)
		case media.VideoCodecVP9:
			caps = append(caps, control.MediaCapabilityVP9)
		case media.VideoCodecHEVC:
			caps = append(caps, control.MediaCapabilityHEVC)
		case media.VideoCodecAV1:
			caps = append(caps, control.MediaCapabilityAV1)
		}
	}
	if p.Supports4K {
		caps = append(caps, control.MediaCapability4K)
	}
	return caps
}

// ReceiverSessionConfig configures a ReceiverSession.
type ReceiverSessionConfig struct {
	ReceiverID string

	// UDPPort is the local media port advertised in answers.
	UDPPort int

	Preferences ReceiverPreferences

	// Events, when set, receives every receiver's telemetry.
	Events streaming.EventSink
}

// DefaultReceiverSessionConfig returns a config with a fresh receiver
// identity and default preferences. UDPPort must still be set.
func DefaultReceiverSessionConfig() ReceiverSessionConfig {
	return ReceiverSessionConfig{
		ReceiverID:  "receiver-" + uuid.NewString(),
		Preferences: DefaultReceiverPreferences(),
	}
}

// Validate checks the config.
func (c ReceiverSessionConfig) Validate() error {
	switch {
	case c.ReceiverID == "":
		return fmt.Errorf("%w: receiver id is required", ErrInvalidConfig)
	case c.UDPPort <= 0 || c.UDPPort > 65535:
		return fmt.Errorf("%w: udp port %d", ErrInvalidConfig, c.UDPPort)
	case len(c.Preferences.AudioCodecs) == 0 && len(c.Preferences.VideoCodecs) == 0 && !c.Preferences.RemotingEnabled:
		return fmt.Errorf("%w: no codecs preferred", ErrInvalidConfig)
	}
	return nil
}

// frameRelay forwards frames to a consumer that can be attached after the
// receiver exists.
type frameRelay struct {
	consumer streaming.FrameConsumer
}

func (r *frameRelay) OnFrameReceived(frame *media.EncodedFrame) {
	if r.consumer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "frameRelay.OnFrameReceived",
			"frame_id": frame.FrameID,
		}).Debug("Dropping frame, no consumer attached")
		return
	}
	r.consumer.OnFrameReceived(frame)
}

// ConfiguredReceiver is one negotiated inbound stream.
type ConfiguredReceiver struct {
	Receiver  *streaming.Receiver
	CodecName string
	relay     *frameRelay
}

// SetConsumer attaches the consumer of the stream's frames.
func (c *ConfiguredReceiver) SetConsumer(consumer streaming.FrameConsumer) {
	c.relay.consumer = consumer
}

// ConfiguredReceivers are the receivers created for an accepted offer.
// Either may be nil.
type ConfiguredReceivers struct {
	Audio *ConfiguredReceiver
	Video *ConfiguredReceiver
}

// ReceiverClient receives the outcome of offers handled by a
// ReceiverSession. Calls are made on the session's task runner.
type ReceiverClient interface {
	OnNegotiated(receivers ConfiguredReceivers)
	OnReceiversDestroying()
	OnError(err error)
}

// ReceiverSession answers offers from a sender. All methods must be called on
// the task runner.
type ReceiverSession struct {
	config    ReceiverSessionConfig
	clock     clockwork.Clock
	runner    environment.TaskRunner
	transport streaming.PacketSender
	router    *streaming.ReceiverPacketRouter
	client    ReceiverClient
	messenger *control.ReceiverMessenger

	receivers  ConfiguredReceivers
	rpcHandler func([]byte)
	closed     bool
}

// NewReceiverSession creates a session answering offers arriving on port.
// Receivers send feedback through transport and are registered with router.
func NewReceiverSession(clock clockwork.Clock, runner environment.TaskRunner, port control.MessagePort, transport streaming.PacketSender, router *streaming.ReceiverPacketRouter, client ReceiverClient, config ReceiverSessionConfig) (*ReceiverSession, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &ReceiverSession{
		config:    config,
		clock:     clock,
		runner:    runner,
		transport: transport,
		router:    router,
		client:    client,
	}
	s.messenger = control.NewReceiverMessenger(port, config.ReceiverID, runner, s.onMessengerError)
	s.messenger.SetHandler(control.SenderMessageOffer, s.onOffer)
	s.messenger.SetHandler(control.SenderMessageGetCapabilities, s.onGetCapabilities)
	s.messenger.SetHandler(control.SenderMessageRPC, s.onRPC)
	return s, nil
}

// Receivers returns the receivers of the current negotiation.
func (s *ReceiverSession) Receivers() ConfiguredReceivers { return s.receivers }

// SetRPCHandler sets the handler for RPC messages from the pinned sender.
func (s *ReceiverSession) SetRPCHandler(handler func(payload []byte)) {
	s.rpcHandler = handler
}

// SendRPC sends an RPC message to the pinned sender.
func (s *ReceiverSession) SendRPC(payload []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	senderID := s.messenger.PinnedSenderID()
	if senderID == "" {
		return fmt.Errorf("%w: no sender pinned", ErrParameterInvalid)
	}
	return s.messenger.SendMessage(senderID, control.ReceiverMessage{
		Type:  control.ReceiverMessageRPC,
		Valid: true,
		RPC:   payload,
	})
}

// Close tears down any receivers and stops handling control messages.
func (s *ReceiverSession) Close() {
	if s.closed {
		return
	}
	s.resetReceivers()
	s.messenger.Close()
	s.closed = true
}

func (s *ReceiverSession) onOffer(senderID string, msg control.SenderMessage) {
	if !msg.Valid || msg.Offer == nil {
		s.replyAnswerError(senderID, msg.SequenceNumber, control.ErrorCodeParameterInvalid, "invalid offer")
		return
	}
	offer := msg.Offer
	if offer.CastMode == control.CastModeRemoting && !s.config.Preferences.RemotingEnabled {
		s.replyAnswerError(senderID, msg.SequenceNumber, control.ErrorCodeRemotingNotSupported, "remoting disabled")
		return
	}

	audio := s.selectAudioStream(offer)
	video := s.selectVideoStream(offer)
	if audio == nil && video == nil {
		s.replyAnswerError(senderID, msg.SequenceNumber, control.ErrorCodeNoStreamSelected, "no streams selected")
		return
	}

	s.resetReceivers()

	answer := &control.Answer{
		UDPPort:     s.config.UDPPort,
		Constraints: s.config.Preferences.Constraints,
		Display:     s.config.Preferences.Display,
	}
	var receivers ConfiguredReceivers
	if audio != nil {
		r, err := s.createReceiver(&audio.Stream, media.StreamTypeAudio)
		if err != nil {
			s.failOffer(senderID, msg.SequenceNumber, err)
			return
		}
		receivers.Audio = r
		answer.SendIndexes = append(answer.SendIndexes, audio.Index)
		answer.SSRCs = append(answer.SSRCs, r.Receiver.Config().ReceiverSSRC)
	}
	if video != nil {
		r, err := s.createReceiver(&video.Stream, media.StreamTypeVideo)
		if err != nil {
			s.receivers = receivers
			s.resetReceivers()
			s.failOffer(senderID, msg.SequenceNumber, err)
			return
		}
		receivers.Video = r
		answer.SendIndexes = append(answer.SendIndexes, video.Index)
		answer.SSRCs = append(answer.SSRCs, r.Receiver.Config().ReceiverSSRC)
	}
	s.receivers = receivers

	err := s.messenger.SendMessage(senderID, control.ReceiverMessage{
		Type:           control.ReceiverMessageAnswer,
		SequenceNumber: msg.SequenceNumber,
		Valid:          true,
		Answer:         answer,
	})
	if err != nil {
		s.resetReceivers()
		s.client.OnError(fmt.Errorf("failed to send answer: %w", err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReceiverSession.onOffer",
		"sender":   senderID,
		"mode":     offer.CastMode,
		"indexes":  answer.SendIndexes,
	}).Info("Offer accepted")
	s.client.OnNegotiated(receivers)
}

// selectAudioStream walks the preferred codecs in order and returns the
// first offered stream using one. Remoting offers match the unspecified
// codec instead.
func (s *ReceiverSession) selectAudioStream(offer *control.Offer) *control.AudioStream {
	if offer.CastMode == control.CastModeRemoting {
		for i := range offer.AudioStreams {
			if offer.AudioStreams[i].CodecName == string(media.AudioCodecNotSpecified) {
				return &offer.AudioStreams[i]
			}
		}
		return nil
	}
	for _, codec := range s.config.Preferences.AudioCodecs {
		for i := range offer.AudioStreams {
			if offer.AudioStreams[i].CodecName == string(codec) {
				return &offer.AudioStreams[i]
			}
		}
	}
	return nil
}

func (s *ReceiverSession) selectVideoStream(offer *control.Offer) *control.VideoStream {
	if offer.CastMode == control.CastModeRemoting {
		for i := range offer.VideoStreams {
			if offer.VideoStreams[i].CodecName == string(media.VideoCodecNotSpecified) {
				return &offer.VideoStreams[i]
			}
		}
		return nil
	}
	for _, codec := range s.config.Preferences.VideoCodecs {
		for i := range offer.VideoStreams {
			if offer.VideoStreams[i].CodecName == string(codec) {
				return &offer.VideoStreams[i]
			}
		}
	}
	return nil
}

func (s *ReceiverSession) createReceiver(stream *control.Stream, streamType media.StreamType) (*ConfiguredReceiver, error) {
	secrets, err := stream.Secrets()
	if err != nil {
		return nil, err
	}
	defer secrets.Wipe()

	config := streaming.ReceiverConfig{
		// The receiver SSRC is derived from the sender's so both ends agree
		// without another round trip.
		ReceiverSSRC:       stream.SSRC + 1,
		SenderSSRC:         stream.SSRC,
		StreamType:         streamType,
		RTPTimebase:        int(stream.RTPTimebase),
		TargetPlayoutDelay: time.Duration(stream.TargetDelayMs) * time.Millisecond,
		Secrets:            secrets,
	}
	relay := &frameRelay{}
	receiver, err := streaming.NewReceiver(s.clock, s.runner, s.transport, config, relay, s.config.Events)
	if err != nil {
		return nil, err
	}
	if err := s.router.OnReceiverCreated(receiver); err != nil {
		receiver.Close()
		return nil, err
	}

	logrus.WithFields(secrets.LogFields()).WithFields(logrus.Fields{
		"function":      "ReceiverSession.createReceiver",
		"stream":        streamType,
		"index":         stream.Index,
		"sender_ssrc":   config.SenderSSRC,
		"receiver_ssrc": config.ReceiverSSRC,
	}).Debug("Receiver created")
	return &ConfiguredReceiver{Receiver: receiver, CodecName: stream.CodecName, relay: relay}, nil
}

func (s *ReceiverSession) resetReceivers() {
	if s.receivers.Audio == nil && s.receivers.Video == nil {
		return
	}
	s.client.OnReceiversDestroying()
	for _, r := range []*ConfiguredReceiver{s.receivers.Audio, s.receivers.Video} {
		if r == nil {
			continue
		}
		s.router.OnReceiverDestroyed(r.Receiver.Config().SenderSSRC)
		r.Receiver.Close()
	}
	s.receivers = ConfiguredReceivers{}
}

func (s *ReceiverSession) failOffer(senderID string, seq int, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "ReceiverSession.failOffer",
		"sender":   senderID,
		"error":    err.Error(),
	}).Warn("Could not accept offer")
	s.replyAnswerError(senderID, seq, control.ErrorCodeParameterInvalid, err.Error())
	s.client.OnError(err)
}

// replyAnswerError rejects an offer. The sender is unpinned so another may
// negotiate.
func (s *ReceiverSession) replyAnswerError(senderID string, seq int, code int, description string) {
	s.messenger.ResetPinning()
	err := s.messenger.SendMessage(senderID, control.ReceiverMessage{
		Type:           control.ReceiverMessageAnswer,
		SequenceNumber: seq,
		Error:          &control.ReceiverErrorBody{Code: code, Description: description},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverSession.replyAnswerError",
			"error":    err.Error(),
		}).Warn("Failed to send error answer")
	}
}

func (s *ReceiverSession) onGetCapabilities(senderID string, msg control.SenderMessage) {
	reply := control.ReceiverMessage{
		Type:           control.ReceiverMessageCapabilitiesResponse,
		SequenceNumber: msg.SequenceNumber,
	}
	if s.config.Preferences.RemotingEnabled {
		reply.Valid = true
		reply.Capabilities = &control.ReceiverCapability{
			RemotingVersion:   s.config.Preferences.RemotingVersion,
			MediaCapabilities: s.config.Preferences.mediaCapabilities(),
		}
	} else {
		reply.Error = &control.ReceiverErrorBody{
			Code:        control.ErrorCodeRemotingNotSupported,
			Description: "remoting disabled",
		}
	}
	if err := s.messenger.SendMessage(senderID, reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverSession.onGetCapabilities",
			"sender":   senderID,
			"error":    err.Error(),
		}).Warn("Failed to send capabilities")
	}
}

func (s *ReceiverSession) onRPC(_ string, msg control.SenderMessage) {
	if s.rpcHandler != nil && msg.Valid {
		s.rpcHandler(msg.RPC)
	}
}

func (s *ReceiverSession) onMessengerError(err error) {
	if s.closed {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReceiverSession.onMessengerError",
		"error":    err.Error(),
	}).Error("Control channel error")
	s.client.OnError(err)
}
