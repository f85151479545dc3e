package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/limits"
	"github.com/sirupsen/logrus"
)

// DefaultReplyTimeout is how long a request waits for its reply.
const DefaultReplyTimeout = 4 * time.Second

// ReplyCallback receives the reply to a request, or ErrMessageTimeout.
type ReplyCallback func(reply ReceiverMessage, err error)

type awaitingReply struct {
	replyType ReceiverMessageType
	callback  ReplyCallback
}

// SenderMessenger sends requests to one receiver and routes its replies.
// All methods except OnMessage and OnError must be called on the runner.
type SenderMessenger struct {
	port          MessagePort
	runner        environment.TaskRunner
	senderID      string
	receiverID    string
	errorCallback func(error)
	replyTimeout  time.Duration

	rpcHandler         func(ReceiverMessage)
	awaiting           map[int]*awaitingReply
	nextSequenceNumber int
	lastSentSequence   int
	closed             bool
}

// NewSenderMessenger creates a messenger and registers it as port's client.
func NewSenderMessenger(port MessagePort, senderID, receiverID string, runner environment.TaskRunner, errorCallback func(error)) *SenderMessenger {
	m := &SenderMessenger{
		port:          port,
		runner:        runner,
		senderID:      senderID,
		receiverID:    receiverID,
		errorCallback: errorCallback,
		replyTimeout:  DefaultReplyTimeout,
		awaiting:      make(map[int]*awaitingReply),
	}
	port.SetClient(m)
	return m
}

// SetReplyTimeout overrides DefaultReplyTimeout for subsequent requests.
func (m *SenderMessenger) SetReplyTimeout(timeout time.Duration) {
	m.replyTimeout = timeout
}

// SetRPCHandler sets the single handler for RPC messages from the receiver.
func (m *SenderMessenger) SetRPCHandler(handler func(ReceiverMessage)) {
	m.rpcHandler = handler
}

// NextSequenceNumber returns a sequence number above every one issued so far.
func (m *SenderMessenger) NextSequenceNumber() int {
	m.nextSequenceNumber++
	return m.nextSequenceNumber
}

// SendOutboundMessage sends a message that expects no reply (RPC).
func (m *SenderMessenger) SendOutboundMessage(msg SenderMessage) error {
	if m.closed {
		return ErrMessengerClosed
	}
	if msg.Type.IsRequest() {
		return fmt.Errorf("%s must be sent with SendRequest", msg.Type)
	}
	return m.post(msg)
}

// SendRequest sends msg and arranges for callback to run exactly once, with
// either the reply of type replyType carrying the same sequence number, or
// ErrMessageTimeout.
func (m *SenderMessenger) SendRequest(msg SenderMessage, replyType ReceiverMessageType, callback ReplyCallback) error {
	if m.closed {
		return ErrMessengerClosed
	}
	if !msg.Type.IsRequest() {
		return fmt.Errorf("%w: %s", ErrNotARequest, msg.Type)
	}
	if msg.SequenceNumber <= m.lastSentSequence {
		return fmt.Errorf("%w: %d after %d", ErrSequenceNumberNotIncreasing, msg.SequenceNumber, m.lastSentSequence)
	}

	if err := m.post(msg); err != nil {
		return err
	}

	seq := msg.SequenceNumber
	m.lastSentSequence = seq
	if seq >= m.nextSequenceNumber {
		m.nextSequenceNumber = seq
	}

	request := &awaitingReply{replyType: replyType, callback: callback}
	m.awaiting[seq] = request
	m.runner.PostTaskWithDelay(func() { m.onReplyTimeout(seq, request) }, m.replyTimeout)

	logrus.WithFields(logrus.Fields{
		"function":   "SenderMessenger.SendRequest",
		"type":       msg.Type,
		"seq_num":    seq,
		"reply_type": replyType,
	}).Debug("Request sent")
	return nil
}

// OnMessage implements MessagePortClient. The message is handled on the runner.
func (m *SenderMessenger) OnMessage(sourceID, namespace string, message []byte) {
	m.runner.PostTask(func() { m.handleMessage(sourceID, namespace, message) })
}

// OnError implements MessagePortClient.
func (m *SenderMessenger) OnError(err error) {
	m.runner.PostTask(func() {
		if !m.closed && m.errorCallback != nil {
			m.errorCallback(err)
		}
	})
}

// Close drops every outstanding request without running its callback and
// stops handling inbound messages.
func (m *SenderMessenger) Close() {
	m.closed = true
	m.awaiting = make(map[int]*awaitingReply)
	m.rpcHandler = nil
}

// OutstandingRequests returns the number of requests awaiting a reply.
func (m *SenderMessenger) OutstandingRequests() int {
	return len(m.awaiting)
}

func (m *SenderMessenger) post(msg SenderMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := limits.ValidateControlMessage(data); err != nil {
		return err
	}
	return m.port.PostMessage(m.receiverID, namespaceFor(msg.Type == SenderMessageRPC), data)
}

func (m *SenderMessenger) handleMessage(sourceID, namespace string, data []byte) {
	if m.closed {
		return
	}
	if sourceID != m.receiverID {
		logrus.WithFields(logrus.Fields{
			"function": "SenderMessenger.handleMessage",
			"source":   sourceID,
			"expected": m.receiverID,
		}).Warn("Dropping message from unexpected receiver")
		return
	}
	if !isKnownNamespace(namespace) {
		logrus.WithFields(logrus.Fields{
			"function":  "SenderMessenger.handleMessage",
			"namespace": namespace,
		}).Debug("Ignoring message on unknown namespace")
		return
	}

	msg, err := ParseReceiverMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SenderMessenger.handleMessage",
			"error":    err.Error(),
		}).Error("Received malformed control message")
		if m.errorCallback != nil {
			m.errorCallback(err)
		}
		return
	}

	if msg.Type == ReceiverMessageRPC {
		if m.rpcHandler != nil {
			m.rpcHandler(msg)
		}
		return
	}

	request, ok := m.awaiting[msg.SequenceNumber]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "SenderMessenger.handleMessage",
			"type":     msg.Type,
			"seq_num":  msg.SequenceNumber,
		}).Debug("Dropping reply with no outstanding request")
		return
	}
	if request.replyType != msg.Type {
		logrus.WithFields(logrus.Fields{
			"function": "SenderMessenger.handleMessage",
			"type":     msg.Type,
			"expected": request.replyType,
			"seq_num":  msg.SequenceNumber,
		}).Warn("Dropping reply of unexpected type")
		return
	}

	delete(m.awaiting, msg.SequenceNumber)
	request.callback(msg, nil)
}

func (m *SenderMessenger) onReplyTimeout(seq int, request *awaitingReply) {
	if m.closed || m.awaiting[seq] != request {
		return
	}
	delete(m.awaiting, seq)

	logrus.WithFields(logrus.Fields{
		"function":   "SenderMessenger.onReplyTimeout",
		"seq_num":    seq,
		"reply_type": request.replyType,
	}).Warn("Request timed out")

	request.callback(ReceiverMessage{Type: request.replyType, SequenceNumber: seq}, ErrMessageTimeout)
}
