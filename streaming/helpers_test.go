package streaming

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/stats"
	"github.com/stretchr/testify/require"
)

const (
	testSenderSSRC   = 1
	testReceiverSSRC = 2
)

// recordingTransport captures outbound datagrams.
type recordingTransport struct {
	packets [][]byte
}

func (t *recordingTransport) SendPacket(packet []byte) error {
	t.packets = append(t.packets, append([]byte(nil), packet...))
	return nil
}

func (t *recordingTransport) rtpPackets() [][]byte {
	var out [][]byte
	for _, p := range t.packets {
		if !IsRTCPPacket(p) {
			out = append(out, p)
		}
	}
	return out
}

func (t *recordingTransport) rtcpPackets() [][]byte {
	var out [][]byte
	for _, p := range t.packets {
		if IsRTCPPacket(p) {
			out = append(out, p)
		}
	}
	return out
}

type recordingObserver struct {
	canceled    []media.FrameID
	pictureLost int
}

func (o *recordingObserver) OnFrameCanceled(frameID media.FrameID) {
	o.canceled = append(o.canceled, frameID)
}

func (o *recordingObserver) OnPictureLost() { o.pictureLost++ }

type senderFixture struct {
	runner    *environment.FakeTaskRunner
	clock     clockwork.FakeClock
	transport *recordingTransport
	router    *PacketRouter
	sender    *Sender
	observer  *recordingObserver
	events    *stats.Collector
}

func testSecrets(t *testing.T) crypto.StreamSecrets {
	t.Helper()
	secrets, err := crypto.DeriveStreamSecrets([]byte("streaming test material"), nil)
	require.NoError(t, err)
	return secrets
}

func testSenderConfig(t *testing.T) SenderConfig {
	config := DefaultSenderConfig(media.StreamTypeVideo)
	config.SenderSSRC = testSenderSSRC
	config.ReceiverSSRC = testReceiverSSRC
	config.Secrets = testSecrets(t)
	return config
}

func newSenderFixture(t *testing.T, mutate ...func(*SenderConfig)) *senderFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	runner := environment.NewFakeTaskRunner(clock)
	transport := &recordingTransport{}

	router, err := NewPacketRouter(clock, runner, transport, DefaultRouterConfig())
	require.NoError(t, err)

	config := testSenderConfig(t)
	for _, m := range mutate {
		m(&config)
	}
	events := stats.NewCollector()
	sender, err := NewSender(router, config, events)
	require.NoError(t, err)

	observer := &recordingObserver{}
	sender.SetObserver(observer)
	return &senderFixture{
		runner:    runner,
		clock:     clock,
		transport: transport,
		router:    router,
		sender:    sender,
		observer:  observer,
		events:    events,
	}
}

// makeFrame builds a frame of size bytes. Frame 0 is a key frame.
func makeFrame(id media.FrameID, rtpTimestamp media.RtpTimeTicks, size int) *media.EncodedFrame {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(int(id) + i)
	}
	dependency := media.DependencyDependent
	if id == 0 {
		dependency = media.DependencyKeyFrame
	}
	return &media.EncodedFrame{
		FrameID:           id,
		ReferencedFrameID: id - 1,
		Dependency:        dependency,
		RTPTimestamp:      rtpTimestamp,
		Data:              data,
	}
}

func (f *senderFixture) enqueue(t *testing.T, frames ...*media.EncodedFrame) {
	t.Helper()
	for _, frame := range frames {
		require.NoError(t, f.sender.EnqueueFrame(frame))
	}
}

// drain pulls every due packet straight from the sender.
func (f *senderFixture) drain() []*RTPPacket {
	var out []*RTPPacket
	for {
		raw := f.sender.GetRTPPacketForImmediateSend(f.clock.Now())
		if raw == nil {
			return out
		}
		parsed, err := ParseRTPPacket(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, parsed)
	}
}

func countFrameEvents(events []stats.FrameEvent, eventType stats.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
