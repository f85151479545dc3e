package streaming

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ReceiverPacketRouter demultiplexes inbound datagrams to Receivers by the
// SSRC of the stream's sender.
type ReceiverPacketRouter struct {
	receivers map[uint32]*Receiver
}

// NewReceiverPacketRouter creates an empty router.
func NewReceiverPacketRouter() *ReceiverPacketRouter {
	return &ReceiverPacketRouter{receivers: make(map[uint32]*Receiver)}
}

// OnReceiverCreated registers receiver for its sender's SSRC.
func (r *ReceiverPacketRouter) OnReceiverCreated(receiver *Receiver) error {
	ssrc := receiver.Config().SenderSSRC
	if _, exists := r.receivers[ssrc]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateSSRC, ssrc)
	}
	r.receivers[ssrc] = receiver
	return nil
}

// OnReceiverDestroyed unregisters the receiver for senderSSRC.
func (r *ReceiverPacketRouter) OnReceiverDestroyed(senderSSRC uint32) {
	delete(r.receivers, senderSSRC)
}

// OnReceivedPacket implements environment.PacketConsumer.
func (r *ReceiverPacketRouter) OnReceivedPacket(source net.Addr, arrival time.Time, packet []byte) {
	if IsRTCPPacket(packet) {
		ssrc, ok := rtcpSenderSSRC(packet)
		if receiver := r.receivers[ssrc]; ok && receiver != nil {
			receiver.OnReceivedRTCP(arrival, packet)
			return
		}
		r.drop("RTCP", ssrc)
		return
	}

	if len(packet) < 12 {
		r.drop("short", 0)
		return
	}
	ssrc := binary.BigEndian.Uint32(packet[8:12])
	receiver := r.receivers[ssrc]
	if receiver == nil {
		r.drop("RTP", ssrc)
		return
	}

	parsed, err := ParseRTPPacket(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverPacketRouter.OnReceivedPacket",
			"source":   source,
			"error":    err.Error(),
		}).Warn("Dropping malformed RTP packet")
		return
	}
	receiver.OnReceivedRTP(arrival, parsed)
}

func (r *ReceiverPacketRouter) drop(kind string, ssrc uint32) {
	logrus.WithFields(logrus.Fields{
		"function": "ReceiverPacketRouter.OnReceivedPacket",
		"kind":     kind,
		"ssrc":     ssrc,
	}).Debug("Dropping packet for unknown stream")
}
