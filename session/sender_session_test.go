package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderSessionConfigValidate(t *testing.T) {
	valid := DefaultSenderSessionConfig()
	valid.ReceiverID = testReceiverID
	assert.NoError(t, valid.Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*SenderSessionConfig)
	}{
		{"missing receiver", func(c *SenderSessionConfig) { c.ReceiverID = "" }},
		{"same ids", func(c *SenderSessionConfig) { c.ReceiverID = c.SenderID }},
		{"no timeout", func(c *SenderSessionConfig) { c.ReplyTimeout = 0 }},
		{"tiny packets", func(c *SenderSessionConfig) { c.MaxPacketSize = 10 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNegotiateRejectsEmptyConfigs(t *testing.T) {
	f := newLoneSenderFixture(t)

	err := f.session.Negotiate(nil, nil)
	assert.ErrorIs(t, err, ErrParameterInvalid)
	assert.Empty(t, f.port.posted)
	assert.Equal(t, StateIdle, f.session.State())
}

func TestNegotiateRejectsInvalidConfigs(t *testing.T) {
	for _, tc := range []struct {
		name  string
		audio func(*AudioCaptureConfig)
		video func(*VideoCaptureConfig)
	}{
		{name: "no channels", audio: func(c *AudioCaptureConfig) { c.Channels = 0 }},
		{name: "no sample rate", audio: func(c *AudioCaptureConfig) { c.SampleRate = 0 }},
		{name: "negative audio bit rate", audio: func(c *AudioCaptureConfig) { c.BitRate = -1 }},
		{name: "no frame rate", video: func(c *VideoCaptureConfig) { c.MaxFrameRate = control.SimpleFraction{} }},
		{name: "no resolutions", video: func(c *VideoCaptureConfig) { c.Resolutions = nil }},
		{name: "tiny resolution", video: func(c *VideoCaptureConfig) {
			c.Resolutions = []control.Resolution{{Width: 8, Height: 8}}
		}},
		{name: "negative video bit rate", video: func(c *VideoCaptureConfig) { c.MaxBitRate = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newLoneSenderFixture(t)
			audio, video := defaultConfigs()
			if tc.audio != nil {
				tc.audio(&audio[0])
			}
			if tc.video != nil {
				tc.video(&video[0])
			}
			assert.ErrorIs(t, f.session.Negotiate(audio, video), ErrParameterInvalid)
			assert.Empty(t, f.port.posted)
		})
	}
}

func TestNegotiateBuildsOffer(t *testing.T) {
	f := newLoneSenderFixture(t)
	audio := []AudioCaptureConfig{DefaultAudioCaptureConfig()}
	vp8 := DefaultVideoCaptureConfig()
	h264 := DefaultVideoCaptureConfig()
	h264.Codec = media.VideoCodecH264
	require.NoError(t, f.session.Negotiate(audio, []VideoCaptureConfig{vp8, h264}))

	assert.Equal(t, StateAwaitingAnswer, f.session.State())
	assert.Equal(t, testReceiverID, f.port.posted[0].destination)
	assert.Equal(t, control.NamespaceWebRTC, f.port.posted[0].namespace)

	msg := f.port.lastOffer(t)
	require.True(t, msg.Valid)
	offer := msg.Offer
	assert.Equal(t, control.CastModeMirroring, offer.CastMode)
	require.Len(t, offer.AudioStreams, 1)
	require.Len(t, offer.VideoStreams, 2)

	a := offer.AudioStreams[0]
	assert.Equal(t, 0, a.Index)
	assert.Equal(t, "opus", a.CodecName)
	assert.Equal(t, media.PayloadTypeAudioOpus, a.RTPPayloadType)
	assert.Equal(t, control.RTPTimebase(48000), a.RTPTimebase)
	assert.Equal(t, 400, a.TargetDelayMs)
	assert.GreaterOrEqual(t, a.SSRC, uint32(audioSSRCMin))
	assert.LessOrEqual(t, a.SSRC, uint32(audioSSRCMax))

	for i, v := range offer.VideoStreams {
		assert.Equal(t, i+1, v.Index)
		assert.Equal(t, control.RTPTimebase(videoRTPTimebase), v.RTPTimebase)
		assert.GreaterOrEqual(t, v.SSRC, uint32(videoSSRCMin))
		assert.LessOrEqual(t, v.SSRC, uint32(videoSSRCMax))
	}
	assert.Equal(t, media.PayloadTypeVideoVP8, offer.VideoStreams[0].RTPPayloadType)
	assert.Equal(t, media.PayloadTypeVideoH264, offer.VideoStreams[1].RTPPayloadType)
	assert.NotEqual(t, offer.VideoStreams[0].AESKey, offer.VideoStreams[1].AESKey)
}

func TestNegotiateAcceptsAnswer(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.Negotiate(defaultConfigs()))

	f.reply(t, `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[1],"ssrcs":[7],
		"constraints":{"video":{"maxDimensions":{"width":1280,"height":720,"frameRate":"60"},"minBitRate":0,"maxBitRate":4000000}}}}`)

	require.Empty(t, f.client.errors)
	require.Len(t, f.client.negotiated, 1)
	senders := f.client.negotiated[0]
	assert.Nil(t, senders.Audio)
	require.NotNil(t, senders.Video)
	assert.Equal(t, uint32(7), senders.Video.Config().ReceiverSSRC)
	assert.Equal(t, media.VideoCodecVP8, senders.VideoConfig.Codec)
	assert.Equal(t, 1234, f.endpoint.port)
	assert.Equal(t, 1, f.router.NumSenders())
	assert.Equal(t, StateStreaming, f.session.State())

	rec := f.client.recommendations[0]
	assert.Equal(t, control.Resolution{Width: 1280, Height: 720}, rec.Video.MaxResolution)
	assert.Equal(t, 60.0, rec.Video.MaxFrameRate)
	assert.Equal(t, BitRateLimits{Minimum: defaultVideoMinBitRate, Maximum: 4000000}, rec.Video.BitRateLimits)
	assert.Equal(t, DefaultCaptureRecommendations().Audio, rec.Audio)
}

func TestNegotiateFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply string
		check func(t *testing.T, err error)
	}{
		{
			name:  "nothing selected",
			reply: `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[],"ssrcs":[]}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoStreamSelected)
				var re *ReceiverError
				assert.False(t, errors.As(err, &re))
			},
		},
		{
			name:  "unknown index",
			reply: `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[9],"ssrcs":[7]}}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoStreamSelected) },
		},
		{
			name:  "receiver error",
			reply: `{"type":"ANSWER","seqNum":1,"result":"error","error":{"code":2,"description":"bad offer"}}`,
			check: func(t *testing.T, err error) {
				var re *ReceiverError
				require.True(t, errors.As(err, &re))
				assert.Equal(t, control.ErrorCodeParameterInvalid, re.Code)
				assert.Equal(t, "bad offer", re.Description)
			},
		},
		{
			name:  "error without body",
			reply: `{"type":"ANSWER","seqNum":1,"result":"error"}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidAnswer) },
		},
		{
			name:  "error with zero code",
			reply: `{"type":"ANSWER","seqNum":1,"result":"error","error":{"code":0,"description":"?"}}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidAnswer) },
		},
		{
			name:  "bad port",
			reply: `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":0,"sendIndexes":[0],"ssrcs":[7]}}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidAnswer) },
		},
		{
			name:  "mismatched ssrcs",
			reply: `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0,1],"ssrcs":[7]}}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidAnswer) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newLoneSenderFixture(t)
			require.NoError(t, f.session.Negotiate(defaultConfigs()))
			f.reply(t, tc.reply)

			assert.Empty(t, f.client.negotiated)
			require.Len(t, f.client.errors, 1)
			tc.check(t, f.client.errors[0])
			assert.Equal(t, StateIdle, f.session.State())
			assert.Zero(t, f.router.NumSenders())
		})
	}
}

func TestNegotiateTimesOut(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.Negotiate(defaultConfigs()))

	f.runner.AdvanceClock(control.DefaultReplyTimeout)

	require.Len(t, f.client.errors, 1)
	assert.ErrorIs(t, f.client.errors[0], ErrAnswerTimeout)
	assert.Equal(t, StateIdle, f.session.State())
}

func TestNegotiateIgnoresStaleAnswer(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.Negotiate(defaultConfigs()))
	require.NoError(t, f.session.Negotiate(defaultConfigs()))

	f.reply(t, `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0],"ssrcs":[7]}}`)
	assert.Empty(t, f.client.negotiated)
	assert.Empty(t, f.client.errors)
	assert.Equal(t, StateAwaitingAnswer, f.session.State())

	f.reply(t, `{"type":"ANSWER","seqNum":2,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0],"ssrcs":[7]}}`)
	require.Len(t, f.client.negotiated, 1)
	assert.NotNil(t, f.client.negotiated[0].Audio)
}

func TestNegotiateRemotingOffer(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.NegotiateRemoting(DefaultAudioCaptureConfig(), DefaultVideoCaptureConfig()))

	offer := f.port.lastOffer(t).Offer
	assert.Equal(t, control.CastModeRemoting, offer.CastMode)
	require.Len(t, offer.AudioStreams, 1)
	require.Len(t, offer.VideoStreams, 1)
	assert.Equal(t, string(media.AudioCodecNotSpecified), offer.AudioStreams[0].CodecName)
	assert.Equal(t, media.PayloadTypeAudioVarious, offer.AudioStreams[0].RTPPayloadType)
	assert.Equal(t, string(media.VideoCodecNotSpecified), offer.VideoStreams[0].CodecName)
	assert.Equal(t, media.PayloadTypeVideoVarious, offer.VideoStreams[0].RTPPayloadType)

	f.reply(t, `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0,1],"ssrcs":[7,8]}}`)
	assert.Equal(t, StateRemoting, f.session.State())
	require.Len(t, f.client.negotiated, 1)
}

func TestSenderSessionCapabilityReplies(t *testing.T) {
	for _, tc := range []struct {
		name    string
		reply   string
		wantErr bool
	}{
		{"supported", `{"type":"CAPABILITIES_RESPONSE","seqNum":1,"result":"ok","capabilities":{"remoting":2,"mediaCaps":["audio","opus","video","vp9","8k"]}}`, false},
		{"newer version", `{"type":"CAPABILITIES_RESPONSE","seqNum":1,"result":"ok","capabilities":{"remoting":3,"mediaCaps":["audio"]}}`, true},
		{"error", `{"type":"CAPABILITIES_RESPONSE","seqNum":1,"result":"error","error":{"code":4,"description":"no"}}`, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newLoneSenderFixture(t)
			require.NoError(t, f.session.RequestCapabilities())
			f.reply(t, tc.reply)

			if tc.wantErr {
				require.Len(t, f.client.errors, 1)
				assert.ErrorIs(t, f.client.errors[0], ErrRemotingNotSupported)
				assert.Empty(t, f.client.capabilities)
				return
			}
			require.Len(t, f.client.capabilities, 1)
			caps := f.client.capabilities[0]
			assert.Equal(t, 2, caps.Version)
			assert.Equal(t, []control.MediaCapability{"audio", "opus"}, caps.Audio)
			assert.Equal(t, []control.MediaCapability{"video", "vp9"}, caps.Video)
		})
	}
}

func TestSenderSessionCapabilitiesTimeout(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.RequestCapabilities())
	f.runner.AdvanceClock(control.DefaultReplyTimeout)

	require.Len(t, f.client.errors, 1)
	assert.ErrorIs(t, f.client.errors[0], ErrRemotingNotSupported)
}

func TestSenderSessionClose(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.Negotiate(defaultConfigs()))
	f.reply(t, `{"type":"ANSWER","seqNum":1,"result":"ok","answer":{"udpPort":1234,"sendIndexes":[0,1],"ssrcs":[7,8]}}`)
	require.Equal(t, 2, f.router.NumSenders())

	f.session.Close()
	assert.Equal(t, 1, f.client.destroying)
	assert.Zero(t, f.router.NumSenders())
	assert.Equal(t, StateIdle, f.session.State())
	assert.ErrorIs(t, f.session.Negotiate(defaultConfigs()), ErrSessionClosed)
	assert.ErrorIs(t, f.session.SendRPC([]byte("x")), ErrSessionClosed)
}

func TestSenderSessionSendsRPC(t *testing.T) {
	f := newLoneSenderFixture(t)
	require.NoError(t, f.session.SendRPC([]byte("hello")))

	require.Len(t, f.port.posted, 1)
	assert.Equal(t, control.NamespaceRemoting, f.port.posted[0].namespace)
	msg, err := control.ParseSenderMessage(f.port.posted[0].data)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("hello"), msg.RPC))
}
