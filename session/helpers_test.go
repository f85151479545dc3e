package session

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/messageport"
	"github.com/opd-ai/caststream/streaming"
	"github.com/stretchr/testify/require"
)

const (
	testSenderID   = "sender-1"
	testReceiverID = "receiver-1"
	testUDPPort    = 40000
)

type recordingSenderClient struct {
	negotiated      []ConfiguredSenders
	recommendations []CaptureRecommendations
	capabilities    []RemotingCapabilities
	destroying      int
	errors          []error
}

func (c *recordingSenderClient) OnNegotiated(senders ConfiguredSenders, r CaptureRecommendations) {
	c.negotiated = append(c.negotiated, senders)
	c.recommendations = append(c.recommendations, r)
}

func (c *recordingSenderClient) OnCapabilitiesDetermined(caps RemotingCapabilities) {
	c.capabilities = append(c.capabilities, caps)
}

func (c *recordingSenderClient) OnSendersDestroying() { c.destroying++ }

func (c *recordingSenderClient) OnError(err error) { c.errors = append(c.errors, err) }

type recordingReceiverClient struct {
	negotiated []ConfiguredReceivers
	destroying int
	errors     []error
}

func (c *recordingReceiverClient) OnNegotiated(receivers ConfiguredReceivers) {
	c.negotiated = append(c.negotiated, receivers)
}

func (c *recordingReceiverClient) OnReceiversDestroying() { c.destroying++ }

func (c *recordingReceiverClient) OnError(err error) { c.errors = append(c.errors, err) }

type recordingEndpoint struct {
	port int
}

func (e *recordingEndpoint) SetRemotePort(port int) { e.port = port }

// loopbackLink delivers datagrams to a consumer on the task runner.
type loopbackLink struct {
	runner   environment.TaskRunner
	clock    clockwork.Clock
	consumer environment.PacketConsumer
}

func (l *loopbackLink) SendPacket(packet []byte) error {
	data := append([]byte(nil), packet...)
	l.runner.PostTask(func() { l.consumer.OnReceivedPacket(nil, l.clock.Now(), data) })
	return nil
}

type collectingConsumer struct {
	frames []*media.EncodedFrame
}

func (c *collectingConsumer) OnFrameReceived(frame *media.EncodedFrame) {
	c.frames = append(c.frames, frame)
}

// sessionFixture connects a SenderSession and a ReceiverSession through an
// in-memory control pipe and a loopback media link.
type sessionFixture struct {
	runner         *environment.FakeTaskRunner
	clock          clockwork.FakeClock
	sender         *SenderSession
	senderClient   *recordingSenderClient
	senderRouter   *streaming.PacketRouter
	endpoint       *recordingEndpoint
	receiver       *ReceiverSession
	receiverClient *recordingReceiverClient
	receiverRouter *streaming.ReceiverPacketRouter
}

func newSessionFixture(t *testing.T, prefs ...func(*ReceiverPreferences)) *sessionFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	runner := environment.NewFakeTaskRunner(clock)
	senderPort, receiverPort := messageport.NewPipe(testSenderID, testReceiverID)

	toReceiver := &loopbackLink{runner: runner, clock: clock}
	toSender := &loopbackLink{runner: runner, clock: clock}

	senderRouter, err := streaming.NewPacketRouter(clock, runner, toReceiver, streaming.DefaultRouterConfig())
	require.NoError(t, err)
	toSender.consumer = senderRouter
	receiverRouter := streaming.NewReceiverPacketRouter()
	toReceiver.consumer = receiverRouter

	f := &sessionFixture{
		runner:         runner,
		clock:          clock,
		senderClient:   &recordingSenderClient{},
		senderRouter:   senderRouter,
		endpoint:       &recordingEndpoint{},
		receiverClient: &recordingReceiverClient{},
		receiverRouter: receiverRouter,
	}

	senderConfig := DefaultSenderSessionConfig()
	senderConfig.SenderID = testSenderID
	senderConfig.ReceiverID = testReceiverID
	f.sender, err = NewSenderSession(runner, senderPort, senderRouter, f.endpoint, f.senderClient, senderConfig)
	require.NoError(t, err)

	receiverConfig := DefaultReceiverSessionConfig()
	receiverConfig.ReceiverID = testReceiverID
	receiverConfig.UDPPort = testUDPPort
	for _, p := range prefs {
		p(&receiverConfig.Preferences)
	}
	f.receiver, err = NewReceiverSession(clock, runner, receiverPort, toSender, receiverRouter, f.receiverClient, receiverConfig)
	require.NoError(t, err)
	return f
}

type postedMessage struct {
	destination string
	namespace   string
	data        []byte
}

// recordingPort captures what a lone SenderSession posts and lets tests
// inject replies.
type recordingPort struct {
	client control.MessagePortClient
	posted []postedMessage
}

func (p *recordingPort) SetClient(client control.MessagePortClient) { p.client = client }

func (p *recordingPort) PostMessage(destinationID, namespace string, message []byte) error {
	p.posted = append(p.posted, postedMessage{destinationID, namespace, message})
	return nil
}

func (p *recordingPort) Close() error { return nil }

func (p *recordingPort) lastOffer(t *testing.T) control.SenderMessage {
	t.Helper()
	require.NotEmpty(t, p.posted)
	msg, err := control.ParseSenderMessage(p.posted[len(p.posted)-1].data)
	require.NoError(t, err)
	require.Equal(t, control.SenderMessageOffer, msg.Type)
	return msg
}

type loneSenderFixture struct {
	runner   *environment.FakeTaskRunner
	port     *recordingPort
	client   *recordingSenderClient
	router   *streaming.PacketRouter
	endpoint *recordingEndpoint
	session  *SenderSession
}

func newLoneSenderFixture(t *testing.T) *loneSenderFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	runner := environment.NewFakeTaskRunner(clock)
	router, err := streaming.NewPacketRouter(clock, runner, &loopbackLink{runner: runner, clock: clock, consumer: discardConsumer{}}, streaming.DefaultRouterConfig())
	require.NoError(t, err)

	f := &loneSenderFixture{
		runner:   runner,
		port:     &recordingPort{},
		client:   &recordingSenderClient{},
		router:   router,
		endpoint: &recordingEndpoint{},
	}
	config := DefaultSenderSessionConfig()
	config.SenderID = testSenderID
	config.ReceiverID = testReceiverID
	f.session, err = NewSenderSession(runner, f.port, router, f.endpoint, f.client, config)
	require.NoError(t, err)
	return f
}

// reply injects a receiver reply to the most recent request.
func (f *loneSenderFixture) reply(t *testing.T, raw string) {
	t.Helper()
	f.port.client.OnMessage(testReceiverID, control.NamespaceWebRTC, []byte(raw))
	f.runner.RunTasksUntilIdle()
}

type discardConsumer struct{}

func (discardConsumer) OnReceivedPacket(_ net.Addr, _ time.Time, _ []byte) {}

func defaultConfigs() ([]AudioCaptureConfig, []VideoCaptureConfig) {
	return []AudioCaptureConfig{DefaultAudioCaptureConfig()}, []VideoCaptureConfig{DefaultVideoCaptureConfig()}
}
