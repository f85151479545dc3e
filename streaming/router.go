package streaming

import (
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RouterSender is the part of a Sender the PacketRouter drives.
type RouterSender interface {
	OnReceivedRTCPPacket(arrival time.Time, packet []byte)
	GetRTCPPacketForImmediateSend(sendTime time.Time) []byte
	GetRTPPacketForImmediateSend(sendTime time.Time) []byte
	RTPResumeTime() (time.Time, bool)
}

// PacketSender transmits datagrams to the remote endpoint.
// *environment.Environment implements it.
type PacketSender interface {
	SendPacket(packet []byte) error
}

// RouterConfig configures pacing and reporting for a PacketRouter.
type RouterConfig struct {
	// MaxBurstBitrate caps the send rate in bits per second.
	MaxBurstBitrate int
	// BurstInterval is the wait after a burst is cut short by pacing.
	BurstInterval time.Duration
	// RTCPInterval is the period of Sender Reports per sender.
	RTCPInterval time.Duration
	// MaxPacketSize is the largest packet any sender produces.
	MaxPacketSize int
}

// DefaultRouterConfig returns a 24 Mbps, 10 ms burst, 500 ms report
// configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxBurstBitrate: 24_000_000,
		BurstInterval:   10 * time.Millisecond,
		RTCPInterval:    500 * time.Millisecond,
		MaxPacketSize:   limits.MaxRTPPacketSizeIPv4,
	}
}

// Validate checks the configuration.
func (c RouterConfig) Validate() error {
	switch {
	case c.MaxBurstBitrate <= 0:
		return fmt.Errorf("%w: max burst bitrate %d", ErrInvalidConfig, c.MaxBurstBitrate)
	case c.BurstInterval <= 0:
		return fmt.Errorf("%w: burst interval %v", ErrInvalidConfig, c.BurstInterval)
	case c.RTCPInterval <= 0:
		return fmt.Errorf("%w: rtcp interval %v", ErrInvalidConfig, c.RTCPInterval)
	case c.MaxPacketSize <= 0 || c.MaxPacketSize > limits.MaxDatagramSize:
		return fmt.Errorf("%w: max packet size %d", ErrInvalidConfig, c.MaxPacketSize)
	}
	return nil
}

type routerEntry struct {
	receiverSSRC uint32
	sender       RouterSender
	nextRTCPSend time.Time
}

// PacketRouter multiplexes every Sender of a session onto one transport. It
// paces outbound RTP, sends periodic RTCP, routes inbound RTCP to the sender
// it addresses, and pools round trip and bandwidth feedback.
type PacketRouter struct {
	clock     clockwork.Clock
	runner    environment.TaskRunner
	transport PacketSender
	config    RouterConfig

	limiter   *rate.Limiter
	alarm     *environment.Alarm
	estimator *BandwidthEstimator

	entries       []*routerEntry
	roundTripTime time.Duration
	packetsSent   int
	bytesSent     int
}

// NewPacketRouter creates a router sending through transport.
func NewPacketRouter(clock clockwork.Clock, runner environment.TaskRunner, transport PacketSender, config RouterConfig) (*PacketRouter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	bytesPerSecond := float64(config.MaxBurstBitrate) / 8
	burstBytes := int(bytesPerSecond * config.BurstInterval.Seconds())
	return &PacketRouter{
		clock:     clock,
		runner:    runner,
		transport: transport,
		config:    config,
		limiter:   rate.NewLimiter(rate.Limit(bytesPerSecond), max(burstBytes, config.MaxPacketSize)),
		alarm:     environment.NewAlarm(clock, runner),
		estimator: NewBandwidthEstimator(),
	}, nil
}

// Clock returns the router's clock.
func (r *PacketRouter) Clock() clockwork.Clock { return r.clock }

// OnSenderCreated registers sender under the SSRC its receiver reports from.
func (r *PacketRouter) OnSenderCreated(receiverSSRC uint32, sender RouterSender) error {
	if r.find(receiverSSRC) != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateSSRC, receiverSSRC)
	}
	r.entries = append(r.entries, &routerEntry{
		receiverSSRC: receiverSSRC,
		sender:       sender,
		nextRTCPSend: r.clock.Now().Add(r.config.RTCPInterval),
	})
	r.scheduleNextBurst(false)
	return nil
}

// OnSenderDestroyed unregisters the sender for receiverSSRC.
func (r *PacketRouter) OnSenderDestroyed(receiverSSRC uint32) {
	for i, entry := range r.entries {
		if entry.receiverSSRC == receiverSSRC {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	if len(r.entries) == 0 {
		r.alarm.Cancel()
	}
}

// NumSenders returns the number of registered senders.
func (r *PacketRouter) NumSenders() int { return len(r.entries) }

// RequestRTCPSend asks for a Sender Report from the sender as soon as
// possible.
func (r *PacketRouter) RequestRTCPSend(receiverSSRC uint32) {
	if entry := r.find(receiverSSRC); entry != nil {
		entry.nextRTCPSend = r.clock.Now()
		r.scheduleNextBurst(false)
	}
}

// RequestRTPSend tells the router the sender has packets to send.
func (r *PacketRouter) RequestRTPSend(receiverSSRC uint32) {
	if r.find(receiverSSRC) != nil {
		r.scheduleNextBurst(false)
	}
}

// OnReceivedPacket implements environment.PacketConsumer. RTCP is routed by
// the SSRC of the receiver that sent it; anything else is dropped.
func (r *PacketRouter) OnReceivedPacket(source net.Addr, arrival time.Time, packet []byte) {
	if !IsRTCPPacket(packet) {
		logrus.WithFields(logrus.Fields{
			"function": "PacketRouter.OnReceivedPacket",
			"source":   source,
			"size":     len(packet),
		}).Debug("Dropping non-RTCP packet")
		return
	}

	ssrc, ok := rtcpSenderSSRC(packet)
	entry := r.find(ssrc)
	if !ok || entry == nil {
		logrus.WithFields(logrus.Fields{
			"function": "PacketRouter.OnReceivedPacket",
			"ssrc":     ssrc,
		}).Debug("Dropping RTCP for unknown receiver")
		return
	}

	r.estimator.OnRTCPReceived(arrival, r.roundTripTime)
	entry.sender.OnReceivedRTCPPacket(arrival, packet)
	r.scheduleNextBurst(false)
}

// OnPayloadReceived feeds acknowledged payload bytes to the bandwidth
// estimator.
func (r *PacketRouter) OnPayloadReceived(payloadBytes int, arrival time.Time, roundTripTime time.Duration) {
	r.estimator.OnPayloadReceived(payloadBytes, arrival, roundTripTime)
}

// OnRoundTripTimeUpdated records a sender's latest round trip estimate as
// the session's.
func (r *PacketRouter) OnRoundTripTimeUpdated(roundTripTime time.Duration) {
	r.roundTripTime = roundTripTime
}

// RoundTripTime returns the most recent round trip estimate of any sender.
func (r *PacketRouter) RoundTripTime() time.Duration { return r.roundTripTime }

// NetworkBandwidth returns the estimated bandwidth in bits per second, or
// zero when unknown.
func (r *PacketRouter) NetworkBandwidth() int {
	return r.estimator.ComputeNetworkBandwidth()
}

// PacketsSent returns the number of RTP and RTCP packets transmitted.
func (r *PacketRouter) PacketsSent() int { return r.packetsSent }

// BytesSent returns the number of bytes transmitted.
func (r *PacketRouter) BytesSent() int { return r.bytesSent }

func (r *PacketRouter) find(receiverSSRC uint32) *routerEntry {
	for _, entry := range r.entries {
		if entry.receiverSSRC == receiverSSRC {
			return entry
		}
	}
	return nil
}

func (r *PacketRouter) sendBurst() {
	now := r.clock.Now()

	for _, entry := range r.entries {
		if entry.nextRTCPSend.After(now) {
			continue
		}
		if packet := entry.sender.GetRTCPPacketForImmediateSend(now); packet != nil {
			r.send(packet)
		}
		entry.nextRTCPSend = now.Add(r.config.RTCPInterval)
	}

	throttled := false
	for progress := true; progress && !throttled; {
		progress = false
		for _, entry := range r.entries {
			resume, ok := entry.sender.RTPResumeTime()
			if !ok || resume.After(now) {
				continue
			}
			if r.limiter.TokensAt(now) < float64(r.config.MaxPacketSize) {
				throttled = true
				break
			}
			packet := entry.sender.GetRTPPacketForImmediateSend(now)
			if packet == nil {
				continue
			}
			r.limiter.AllowN(now, len(packet))
			r.send(packet)
			progress = true
		}
	}

	r.scheduleNextBurst(throttled)
}

func (r *PacketRouter) send(packet []byte) {
	if err := r.transport.SendPacket(packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PacketRouter.send",
			"size":     len(packet),
			"error":    err.Error(),
		}).Warn("Failed to send packet")
		return
	}
	r.packetsSent++
	r.bytesSent += len(packet)
}

// scheduleNextBurst sets the alarm for the earliest RTCP or RTP due time.
// A throttled burst resumes no sooner than one burst interval from now.
func (r *PacketRouter) scheduleNextBurst(throttled bool) {
	now := r.clock.Now()
	earliestRTP := now
	if throttled {
		earliestRTP = now.Add(r.config.BurstInterval)
	}

	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}

	for _, entry := range r.entries {
		consider(entry.nextRTCPSend)
		if resume, ok := entry.sender.RTPResumeTime(); ok {
			if resume.Before(earliestRTP) {
				resume = earliestRTP
			}
			consider(resume)
		}
	}

	if !found {
		r.alarm.Cancel()
		return
	}
	if r.alarm.IsScheduled() && !r.alarm.FireTime().After(next) {
		return
	}
	r.alarm.Schedule(r.sendBurst, next)
}
