package control

import (
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/stretchr/testify/require"
)

type postedMessage struct {
	destination string
	namespace   string
	data        []byte
}

// recordingPort captures posted messages and lets tests inject inbound ones.
type recordingPort struct {
	client MessagePortClient
	posted []postedMessage
	err    error
	closed bool
}

func (p *recordingPort) SetClient(client MessagePortClient) { p.client = client }

func (p *recordingPort) PostMessage(destinationID, namespace string, message []byte) error {
	if p.err != nil {
		return p.err
	}
	p.posted = append(p.posted, postedMessage{destinationID, namespace, message})
	return nil
}

func (p *recordingPort) Close() error {
	p.closed = true
	return nil
}

func (p *recordingPort) deliver(t *testing.T, source, namespace string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p.client.OnMessage(source, namespace, data)
}

func newTestRunner() (*environment.FakeTaskRunner, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return environment.NewFakeTaskRunner(clock), clock
}

func testStream(t *testing.T, index int, kind StreamKind, pt media.PayloadType, codec string) Stream {
	t.Helper()
	secrets, err := crypto.DeriveStreamSecrets([]byte{byte(index)}, nil)
	require.NoError(t, err)
	return Stream{
		Index:          index,
		Type:           kind,
		Channels:       1,
		CodecName:      codec,
		RTPPayloadType: pt,
		SSRC:           uint32(1000 + index),
		TargetDelayMs:  400,
		AESKey:         secrets.KeyHex(),
		AESIVMask:      secrets.IVMaskHex(),
		RTPTimebase:    90000,
	}
}

func testOffer(t *testing.T) *Offer {
	t.Helper()
	audio := testStream(t, 0, StreamKindAudioSource, media.PayloadTypeAudioOpus, "opus")
	audio.Channels = 2
	audio.RTPTimebase = 48000
	video := testStream(t, 1, StreamKindVideoSource, media.PayloadTypeVideoVP8, "vp8")
	return &Offer{
		CastMode:     CastModeMirroring,
		AudioStreams: []AudioStream{{Stream: audio, BitRate: 128000}},
		VideoStreams: []VideoStream{{
			Stream:       video,
			MaxFrameRate: SimpleFraction{30000, 1001},
			MaxBitRate:   5000000,
			Resolutions:  []Resolution{{1920, 1080}, {1280, 720}},
		}},
	}
}
