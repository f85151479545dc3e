package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/messageport"
	"github.com/opd-ai/caststream/session"
	"github.com/opd-ai/caststream/stats"
	"github.com/opd-ai/caststream/streaming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	loopbackAddr     = "127.0.0.1:0"
	controlPath      = "/control"
	acceptTimeout    = 5 * time.Second
	shutdownTimeout  = 2 * time.Second
	videoKeyInterval = 2 // seconds between periodic key frames
)

// runSummary is what the simulation reports on exit.
type runSummary struct {
	sent     [2]int
	skipped  [2]int
	received [2]int
	dropped  int
}

// simulation owns every component of one loopback streaming run.
type simulation struct {
	config *CLIConfig
	clock  clockwork.Clock
	runner *environment.LoopTaskRunner

	senderEnv   *environment.Environment
	receiverEnv *environment.Environment
	lossy       *lossyTransport

	router         *streaming.PacketRouter
	receiverRouter *streaming.ReceiverPacketRouter

	senderSession   *session.SenderSession
	receiverSession *session.ReceiverSession

	collector *stats.Collector
	analyzer  *stats.Analyzer

	sources  [2]*frameSource
	counters [2]*frameCounter

	negotiated chan error
	closers    []func()
}

func newSimulation(ctx context.Context, config *CLIConfig) (sim *simulation, err error) {
	clock := clockwork.NewRealClock()
	sim = &simulation{
		config:     config,
		clock:      clock,
		runner:     environment.NewLoopTaskRunner(clock),
		collector:  stats.NewCollector(),
		negotiated: make(chan error, 1),
		counters: [2]*frameCounter{
			{stream: media.StreamTypeAudio, last: media.LeaderFrameID},
			{stream: media.StreamTypeVideo, last: media.LeaderFrameID},
		},
	}
	defer func() {
		if err != nil {
			sim.runClosers()
			sim = nil
		}
	}()

	if err := sim.setupNetwork(); err != nil {
		return sim, err
	}

	senderConfig := session.DefaultSenderSessionConfig()
	senderConfig.MaxPacketSize = sim.senderEnv.MaxPacketSize()
	receiverConfig := session.DefaultReceiverSessionConfig()
	senderConfig.ReceiverID = receiverConfig.ReceiverID
	senderConfig.Events = sim.collector
	receiverConfig.Events = sim.collector
	receiverConfig.UDPPort = sim.receiverEnv.LocalAddr().(*net.UDPAddr).Port

	senderPort, receiverPort, err := sim.setupControl(ctx, senderConfig.SenderID, receiverConfig.ReceiverID)
	if err != nil {
		return sim, err
	}

	client := stats.StatsClient(&logStatsClient{})
	if config.metricsAddr != "" {
		reporter, err := sim.setupMetrics(config.metricsAddr)
		if err != nil {
			return sim, err
		}
		client = statsClients{client, reporter}
	}
	sim.analyzer, err = stats.NewAnalyzer(clock, sim.runner, sim.collector, client, stats.DefaultAnalyzerConfig())
	if err != nil {
		return sim, err
	}

	sim.receiverSession, err = session.NewReceiverSession(clock, sim.runner, receiverPort, sim.receiverEnv,
		sim.receiverRouter, &receiverClient{sim: sim}, receiverConfig)
	if err != nil {
		return sim, fmt.Errorf("receiver session: %w", err)
	}
	sim.senderSession, err = session.NewSenderSession(sim.runner, senderPort, sim.router, sim.senderEnv,
		&senderClient{sim: sim}, senderConfig)
	if err != nil {
		return sim, fmt.Errorf("sender session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "newSimulation",
		"sender_id":    senderConfig.SenderID,
		"receiver_id":  receiverConfig.ReceiverID,
		"sender_udp":   sim.senderEnv.LocalAddr().String(),
		"receiver_udp": sim.receiverEnv.LocalAddr().String(),
		"control":      config.control,
	}).Info("Simulation ready")
	return sim, nil
}

func (sim *simulation) setupNetwork() error {
	var err error
	sim.senderEnv, err = environment.ListenUDP(sim.clock, sim.runner, loopbackAddr)
	if err != nil {
		return fmt.Errorf("sender socket: %w", err)
	}
	sim.addCloser(func() { sim.senderEnv.Close() })

	sim.receiverEnv, err = environment.ListenUDP(sim.clock, sim.runner, loopbackAddr)
	if err != nil {
		return fmt.Errorf("receiver socket: %w", err)
	}
	sim.addCloser(func() { sim.receiverEnv.Close() })

	// The answer replaces the port; the receiver always replies to the
	// sender's socket.
	sim.senderEnv.SetRemoteEndpoint(sim.receiverEnv.LocalAddr())
	sim.receiverEnv.SetRemoteEndpoint(sim.senderEnv.LocalAddr())
	for _, env := range []*environment.Environment{sim.senderEnv, sim.receiverEnv} {
		env.SetErrorHandler(func(err error) {
			logrus.WithFields(logrus.Fields{
				"function": "simulation.socketError",
				"error":    err.Error(),
			}).Error("Socket failed")
		})
	}

	sim.lossy = &lossyTransport{next: sim.senderEnv, loss: sim.config.loss}
	routerConfig := streaming.DefaultRouterConfig()
	routerConfig.MaxPacketSize = sim.senderEnv.MaxPacketSize()
	sim.router, err = streaming.NewPacketRouter(sim.clock, sim.runner, sim.lossy, routerConfig)
	if err != nil {
		return err
	}
	sim.receiverRouter = streaming.NewReceiverPacketRouter()

	sim.senderEnv.StartReceiving(sim.router)
	sim.receiverEnv.StartReceiving(sim.receiverRouter)
	return nil
}

// setupControl returns the sender's and receiver's ends of the control
// channel.
func (sim *simulation) setupControl(ctx context.Context, senderID, receiverID string) (control.MessagePort, control.MessagePort, error) {
	if sim.config.control == controlPipe {
		senderEnd, receiverEnd := messageport.NewPipe(senderID, receiverID)
		sim.addCloser(func() {
			senderEnd.Close()
			receiverEnd.Close()
		})
		return senderEnd, receiverEnd, nil
	}

	listener, err := net.Listen("tcp", loopbackAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("control listener: %w", err)
	}

	accepted := make(chan *messageport.WebSocketPort, 1)
	receiverWS := messageport.DefaultWebSocketConfig(receiverID)
	receiverWS.Encrypt = sim.config.encrypt
	mux := http.NewServeMux()
	mux.Handle(controlPath, messageport.NewWebSocketHandler(receiverWS, func(port *messageport.WebSocketPort) {
		select {
		case accepted <- port:
		default:
			port.Close()
		}
	}))
	sim.serve(&http.Server{Handler: mux, ReadHeaderTimeout: acceptTimeout}, listener)

	senderWS := messageport.DefaultWebSocketConfig(senderID)
	senderWS.Encrypt = sim.config.encrypt
	dialCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()
	senderPort, err := messageport.DialWebSocketPort(dialCtx, "ws://"+listener.Addr().String()+controlPath, senderWS)
	if err != nil {
		return nil, nil, err
	}
	sim.addCloser(func() { senderPort.Close() })

	select {
	case receiverPort := <-accepted:
		sim.addCloser(func() { receiverPort.Close() })
		return senderPort, receiverPort, nil
	case <-dialCtx.Done():
		return nil, nil, fmt.Errorf("control channel not accepted: %w", dialCtx.Err())
	}
}

func (sim *simulation) setupMetrics(addr string) (*stats.PrometheusReporter, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	reporter, err := stats.NewPrometheusReporter(registry)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	sim.serve(&http.Server{Handler: mux, ReadHeaderTimeout: acceptTimeout}, listener)

	logrus.WithFields(logrus.Fields{
		"function": "simulation.setupMetrics",
		"addr":     listener.Addr().String(),
	}).Info("Serving metrics")
	return reporter, nil
}

func (sim *simulation) serve(server *http.Server, listener net.Listener) {
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "simulation.serve",
				"addr":     listener.Addr().String(),
				"error":    err.Error(),
			}).Error("HTTP server failed")
		}
	}()
	sim.addCloser(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(ctx)
	})
}

// run negotiates, streams until ctx ends and returns what was exchanged.
func (sim *simulation) run(ctx context.Context) (*runSummary, error) {
	sim.runner.Start()

	var audio []session.AudioCaptureConfig
	if !sim.config.noAudio {
		a := session.DefaultAudioCaptureConfig()
		a.BitRate = audioBitRate
		a.TargetPlayoutDelay = sim.config.targetDelay
		audio = append(audio, a)
	}
	video := session.DefaultVideoCaptureConfig()
	video.MaxFrameRate = control.SimpleFraction{Numerator: sim.config.frameRate, Denominator: 1}
	video.MaxBitRate = sim.config.videoBitRate
	video.TargetPlayoutDelay = sim.config.targetDelay

	var offerErr error
	sim.onRunner(func() {
		sim.analyzer.ScheduleAnalysis()
		offerErr = sim.senderSession.Negotiate(audio, []session.VideoCaptureConfig{video})
	})
	if offerErr != nil {
		return nil, fmt.Errorf("%w: %v", errNegotiationFailed, offerErr)
	}

	select {
	case err := <-sim.negotiated:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNegotiationFailed, err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errNegotiationFailed, ctx.Err())
	}

	<-ctx.Done()

	summary := &runSummary{}
	sim.onRunner(func() {
		for i, source := range sim.sources {
			if source != nil {
				source.stop()
				summary.sent[i] = source.sent
				summary.skipped[i] = source.skipped
			}
			summary.received[i] = sim.counters[i].frames
		}
		summary.dropped = sim.lossy.dropped
		sim.logFinalState(summary)
	})
	return summary, nil
}

func (sim *simulation) logFinalState(summary *runSummary) {
	fields := logrus.Fields{
		"function":        "simulation.run",
		"packets_sent":    sim.router.PacketsSent(),
		"bytes_sent":      sim.router.BytesSent(),
		"packets_dropped": summary.dropped,
		"round_trip_time": sim.router.RoundTripTime().String(),
		"bandwidth_bps":   sim.router.NetworkBandwidth(),
		"frames_skipped":  summary.skipped[audioIndex] + summary.skipped[videoIndex],
	}
	if offset, ok := sim.analyzer.ClockOffsetEstimator().GetEstimatedOffset(); ok {
		fields["clock_offset"] = offset.String()
	}
	if latency, ok := sim.analyzer.EstimatedNetworkLatency(); ok {
		fields["network_latency"] = latency.String()
	}
	logrus.WithFields(fields).Info("Streaming finished")
}

// onRunner runs task on the task runner and waits for it.
func (sim *simulation) onRunner(task func()) {
	done := make(chan struct{})
	sim.runner.PostTask(func() {
		defer close(done)
		task()
	})
	<-done
}

func (sim *simulation) close() {
	sim.onRunner(func() {
		for _, source := range sim.sources {
			if source != nil {
				source.stop()
			}
		}
		sim.analyzer.Stop()
		sim.senderSession.Close()
		sim.receiverSession.Close()
	})
	sim.runner.Stop()
	sim.runClosers()
}

func (sim *simulation) addCloser(closer func()) {
	sim.closers = append(sim.closers, closer)
}

func (sim *simulation) runClosers() {
	for i := len(sim.closers) - 1; i >= 0; i-- {
		sim.closers[i]()
	}
	sim.closers = nil
}

func (sim *simulation) reportNegotiation(err error) {
	select {
	case sim.negotiated <- err:
	default:
	}
}

// senderClient starts the frame sources once senders exist.
type senderClient struct {
	sim *simulation
}

func (c *senderClient) OnNegotiated(senders session.ConfiguredSenders, recommendations session.CaptureRecommendations) {
	sim := c.sim
	if senders.Audio != nil {
		frameBytes := audioBitRate / 8 / int(time.Second/audioFrameInterval)
		sim.sources[audioIndex] = newFrameSource(sim.clock, sim.runner, senders.Audio, audioFrameInterval, frameBytes, 0)
		sim.sources[audioIndex].startProducing()
	}
	if senders.Video != nil {
		frameRate := sim.config.frameRate
		if limit := recommendations.Video.MaxFrameRate; limit > 0 && limit < float64(frameRate) {
			frameRate = int(limit)
		}
		frameBytes := sim.config.videoBitRate / 8 / frameRate
		interval := time.Second / time.Duration(frameRate)
		sim.sources[videoIndex] = newFrameSource(sim.clock, sim.runner, senders.Video, interval, frameBytes, videoKeyInterval*frameRate)
		sim.sources[videoIndex].startProducing()
	}

	fields := logrus.Fields{
		"function": "senderClient.OnNegotiated",
		"audio":    senders.Audio != nil,
		"video":    senders.Video != nil,
	}
	if source := sim.sources[videoIndex]; source != nil {
		fields["video_interval"] = source.interval.String()
	}
	logrus.WithFields(fields).Info("Streaming started")
	sim.reportNegotiation(nil)
}

func (c *senderClient) OnCapabilitiesDetermined(capabilities session.RemotingCapabilities) {
	logrus.WithFields(logrus.Fields{
		"function": "senderClient.OnCapabilitiesDetermined",
		"version":  capabilities.Version,
	}).Info("Receiver capabilities determined")
}

func (c *senderClient) OnSendersDestroying() {
	for i, source := range c.sim.sources {
		if source != nil {
			source.stop()
			c.sim.sources[i] = nil
		}
	}
}

func (c *senderClient) OnError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "senderClient.OnError",
		"error":    err.Error(),
	}).Error("Sender session error")
	c.sim.reportNegotiation(err)
}

// receiverClient attaches frame counters to negotiated receivers.
type receiverClient struct {
	sim *simulation
}

func (c *receiverClient) OnNegotiated(receivers session.ConfiguredReceivers) {
	if receivers.Audio != nil {
		receivers.Audio.SetConsumer(c.sim.counters[audioIndex])
	}
	if receivers.Video != nil {
		receivers.Video.SetConsumer(c.sim.counters[videoIndex])
	}
}

func (c *receiverClient) OnReceiversDestroying() {}

func (c *receiverClient) OnError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "receiverClient.OnError",
		"error":    err.Error(),
	}).Error("Receiver session error")
}

// statsClients fans a snapshot out to several clients.
type statsClients []stats.StatsClient

func (c statsClients) OnStatisticsUpdated(snapshot stats.SenderStats) {
	for _, client := range c {
		client.OnStatisticsUpdated(snapshot)
	}
}

// logStatsClient logs a summary of each snapshot, and the full snapshot at
// debug level.
type logStatsClient struct{}

func (logStatsClient) OnStatisticsUpdated(snapshot stats.SenderStats) {
	video := snapshot.VideoStatistics
	logrus.WithFields(logrus.Fields{
		"function":          "logStatsClient.OnStatisticsUpdated",
		"video_fps":         video[stats.EnqueueFps],
		"video_kbps":        video[stats.EncodeRateKbps],
		"video_e2e_ms":      video[stats.AvgEndToEndLatencyMs],
		"video_late_frames": video[stats.NumLateFrames],
		"audio_e2e_ms":      snapshot.AudioStatistics[stats.AvgEndToEndLatencyMs],
	}).Info("Sender statistics")

	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	data, err := snapshot.ToJSON()
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "logStatsClient.OnStatisticsUpdated",
		"stats":    string(data),
	}).Debug("Sender statistics snapshot")
}
