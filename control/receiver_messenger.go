package control

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/limits"
	"github.com/sirupsen/logrus"
)

// RequestHandler handles one message type from a sender.
type RequestHandler func(senderID string, msg SenderMessage)

// ReceiverMessenger dispatches sender messages by type and sends replies.
// All methods except OnMessage and OnError must be called on the runner.
type ReceiverMessenger struct {
	port          MessagePort
	runner        environment.TaskRunner
	receiverID    string
	errorCallback func(error)

	handlers       map[SenderMessageType]RequestHandler
	pinnedSenderID string
	closed         bool
}

// NewReceiverMessenger creates a messenger and registers it as port's client.
func NewReceiverMessenger(port MessagePort, receiverID string, runner environment.TaskRunner, errorCallback func(error)) *ReceiverMessenger {
	m := &ReceiverMessenger{
		port:          port,
		runner:        runner,
		receiverID:    receiverID,
		errorCallback: errorCallback,
		handlers:      make(map[SenderMessageType]RequestHandler),
	}
	port.SetClient(m)
	return m
}

// SetHandler registers the handler for messages of type t.
func (m *ReceiverMessenger) SetHandler(t SenderMessageType, handler RequestHandler) {
	m.handlers[t] = handler
}

// ResetHandler removes the handler for t.
func (m *ReceiverMessenger) ResetHandler(t SenderMessageType) {
	delete(m.handlers, t)
}

// PinnedSenderID returns the sender this receiver is committed to, or "".
func (m *ReceiverMessenger) PinnedSenderID() string {
	return m.pinnedSenderID
}

// ResetPinning forgets the pinned sender so another sender may negotiate.
func (m *ReceiverMessenger) ResetPinning() {
	m.pinnedSenderID = ""
}

// SendMessage posts msg to senderID.
func (m *ReceiverMessenger) SendMessage(senderID string, msg ReceiverMessage) error {
	if m.closed {
		return ErrMessengerClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := limits.ValidateControlMessage(data); err != nil {
		return err
	}
	return m.port.PostMessage(senderID, namespaceFor(msg.Type == ReceiverMessageRPC), data)
}

// OnMessage implements MessagePortClient. The message is handled on the runner.
func (m *ReceiverMessenger) OnMessage(sourceID, namespace string, message []byte) {
	m.runner.PostTask(func() { m.handleMessage(sourceID, namespace, message) })
}

// OnError implements MessagePortClient.
func (m *ReceiverMessenger) OnError(err error) {
	m.runner.PostTask(func() {
		if !m.closed && m.errorCallback != nil {
			m.errorCallback(err)
		}
	})
}

// Close stops dispatching messages.
func (m *ReceiverMessenger) Close() {
	m.closed = true
	m.handlers = make(map[SenderMessageType]RequestHandler)
}

func (m *ReceiverMessenger) handleMessage(sourceID, namespace string, data []byte) {
	if m.closed {
		return
	}
	if !isKnownNamespace(namespace) {
		return
	}

	msg, err := ParseSenderMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverMessenger.handleMessage",
			"source":   sourceID,
			"error":    err.Error(),
		}).Warn("Received malformed control message")
		if (m.pinnedSenderID == "" || m.pinnedSenderID == sourceID) && m.errorCallback != nil {
			m.errorCallback(err)
		}
		return
	}

	if !m.accept(sourceID, msg.Type) {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverMessenger.handleMessage",
			"source":   sourceID,
			"pinned":   m.pinnedSenderID,
			"type":     msg.Type,
		}).Warn("Dropping message from non-pinned sender")
		return
	}

	handler, ok := m.handlers[msg.Type]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiverMessenger.handleMessage",
			"type":     msg.Type,
		}).Debug("No handler for message type")
		return
	}
	handler(sourceID, msg)
}

// accept applies sender pinning. The first sender to send an OFFER or
// GET_CAPABILITIES is pinned. Non-pinned senders may only query capabilities.
func (m *ReceiverMessenger) accept(sourceID string, t SenderMessageType) bool {
	if m.pinnedSenderID == "" {
		if t == SenderMessageOffer || t == SenderMessageGetCapabilities {
			m.pinnedSenderID = sourceID
			logrus.WithFields(logrus.Fields{
				"function": "ReceiverMessenger.accept",
				"sender":   sourceID,
			}).Info("Pinned sender")
			return true
		}
		return false
	}
	if sourceID == m.pinnedSenderID {
		return true
	}
	return t == SenderMessageGetCapabilities
}
