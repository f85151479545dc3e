package control

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSenderID   = "sender-1"
	testReceiverID = "receiver-0"
)

type replyRecord struct {
	reply ReceiverMessage
	err   error
}

func newTestSenderMessenger(t *testing.T) (*SenderMessenger, *recordingPort, *[]error, func(time.Duration)) {
	t.Helper()
	runner, _ := newTestRunner()
	port := &recordingPort{}
	var errs []error
	m := NewSenderMessenger(port, testSenderID, testReceiverID, runner, func(err error) { errs = append(errs, err) })
	return m, port, &errs, runner.AdvanceClock
}

func sendCapabilitiesRequest(t *testing.T, m *SenderMessenger, replies *[]replyRecord) int {
	t.Helper()
	seq := m.NextSequenceNumber()
	err := m.SendRequest(
		SenderMessage{Type: SenderMessageGetCapabilities, SequenceNumber: seq, Valid: true},
		ReceiverMessageCapabilitiesResponse,
		func(reply ReceiverMessage, err error) { *replies = append(*replies, replyRecord{reply, err}) },
	)
	require.NoError(t, err)
	return seq
}

func capabilitiesReply(seq int) ReceiverMessage {
	return ReceiverMessage{
		Type:           ReceiverMessageCapabilitiesResponse,
		SequenceNumber: seq,
		Valid:          true,
		Capabilities:   &ReceiverCapability{RemotingVersion: 2},
	}
}

func TestSenderMessengerPostsRequest(t *testing.T) {
	m, port, _, _ := newTestSenderMessenger(t)
	var replies []replyRecord
	sendCapabilitiesRequest(t, m, &replies)

	require.Len(t, port.posted, 1)
	assert.Equal(t, testReceiverID, port.posted[0].destination)
	assert.Equal(t, NamespaceWebRTC, port.posted[0].namespace)
	assert.JSONEq(t, `{"type":"GET_CAPABILITIES","seqNum":1}`, string(port.posted[0].data))
	assert.Equal(t, 1, m.OutstandingRequests())
}

func TestSenderMessengerTimeoutFiresOnce(t *testing.T) {
	m, port, _, advance := newTestSenderMessenger(t)
	var replies []replyRecord
	seq := sendCapabilitiesRequest(t, m, &replies)

	advance(DefaultReplyTimeout - time.Millisecond)
	assert.Empty(t, replies)

	advance(time.Millisecond)
	require.Len(t, replies, 1)
	assert.ErrorIs(t, replies[0].err, ErrMessageTimeout)
	assert.Equal(t, seq, replies[0].reply.SequenceNumber)
	assert.Zero(t, m.OutstandingRequests())

	// A late reply is dropped and does not run the callback again.
	port.deliver(t, testReceiverID, NamespaceWebRTC, capabilitiesReply(seq))
	advance(10 * DefaultReplyTimeout)
	assert.Len(t, replies, 1)
}

func TestSenderMessengerReplyCancelsTimeout(t *testing.T) {
	m, port, _, advance := newTestSenderMessenger(t)
	var replies []replyRecord
	seq := sendCapabilitiesRequest(t, m, &replies)

	port.deliver(t, testReceiverID, NamespaceWebRTC, capabilitiesReply(seq))
	advance(0)
	require.Len(t, replies, 1)
	assert.NoError(t, replies[0].err)
	assert.Equal(t, 2, replies[0].reply.Capabilities.RemotingVersion)

	advance(2 * DefaultReplyTimeout)
	assert.Len(t, replies, 1)
}

func TestSenderMessengerMatchesOutOfOrderReplies(t *testing.T) {
	m, port, _, advance := newTestSenderMessenger(t)
	var first, second []replyRecord
	seq1 := sendCapabilitiesRequest(t, m, &first)
	seq2 := sendCapabilitiesRequest(t, m, &second)
	require.Greater(t, seq2, seq1)

	port.deliver(t, testReceiverID, NamespaceWebRTC, capabilitiesReply(seq2))
	port.deliver(t, testReceiverID, NamespaceWebRTC, capabilitiesReply(seq1))
	advance(0)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, seq1, first[0].reply.SequenceNumber)
	assert.Equal(t, seq2, second[0].reply.SequenceNumber)
}

func TestSenderMessengerDropsUnmatchedReplies(t *testing.T) {
	tests := []struct {
		name   string
		source string
		reply  func(seq int) ReceiverMessage
	}{
		{"unknown sequence number", testReceiverID, func(seq int) ReceiverMessage { return capabilitiesReply(seq + 100) }},
		{"unexpected receiver", "receiver-9", capabilitiesReply},
		{"wrong reply type", testReceiverID, func(seq int) ReceiverMessage {
			return ReceiverMessage{Type: ReceiverMessageAnswer, SequenceNumber: seq, Valid: true, Answer: &Answer{UDPPort: 1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, port, errs, advance := newTestSenderMessenger(t)
			var replies []replyRecord
			seq := sendCapabilitiesRequest(t, m, &replies)

			port.deliver(t, tt.source, NamespaceWebRTC, tt.reply(seq))
			advance(0)

			assert.Empty(t, replies)
			assert.Empty(t, *errs)
			assert.Equal(t, 1, m.OutstandingRequests())
		})
	}
}

func TestSenderMessengerRejectsNonIncreasingSequence(t *testing.T) {
	m, port, _, _ := newTestSenderMessenger(t)
	cb := func(ReceiverMessage, error) {}

	require.NoError(t, m.SendRequest(SenderMessage{Type: SenderMessageGetCapabilities, SequenceNumber: 5}, ReceiverMessageCapabilitiesResponse, cb))
	err := m.SendRequest(SenderMessage{Type: SenderMessageGetCapabilities, SequenceNumber: 5}, ReceiverMessageCapabilitiesResponse, cb)
	assert.ErrorIs(t, err, ErrSequenceNumberNotIncreasing)
	assert.Len(t, port.posted, 1)

	assert.Equal(t, 6, m.NextSequenceNumber())
}

func TestSenderMessengerRPC(t *testing.T) {
	m, port, _, advance := newTestSenderMessenger(t)

	var got [][]byte
	m.SetRPCHandler(func(msg ReceiverMessage) { got = append(got, msg.RPC) })

	require.NoError(t, m.SendOutboundMessage(SenderMessage{Type: SenderMessageRPC, RPC: []byte{1, 2, 3}}))
	require.Len(t, port.posted, 1)
	assert.Equal(t, NamespaceRemoting, port.posted[0].namespace)
	assert.Zero(t, m.OutstandingRequests())

	port.deliver(t, testReceiverID, NamespaceRemoting, ReceiverMessage{Type: ReceiverMessageRPC, RPC: []byte{9}})
	advance(0)
	assert.Equal(t, [][]byte{{9}}, got)

	err := m.SendRequest(SenderMessage{Type: SenderMessageRPC, SequenceNumber: 10}, ReceiverMessageRPC, nil)
	assert.ErrorIs(t, err, ErrNotARequest)
	assert.Error(t, m.SendOutboundMessage(SenderMessage{Type: SenderMessageOffer}))
}

func TestSenderMessengerMalformedMessageIsReported(t *testing.T) {
	m, port, errs, advance := newTestSenderMessenger(t)
	_ = m

	port.client.OnMessage(testReceiverID, NamespaceWebRTC, []byte(`{"type":`))
	advance(0)

	require.Len(t, *errs, 1)
	assert.ErrorIs(t, (*errs)[0], ErrMalformedMessage)
}

func TestSenderMessengerClose(t *testing.T) {
	m, port, errs, advance := newTestSenderMessenger(t)
	var replies []replyRecord
	seq := sendCapabilitiesRequest(t, m, &replies)

	m.Close()
	port.deliver(t, testReceiverID, NamespaceWebRTC, capabilitiesReply(seq))
	port.client.OnError(errors.New("port failed"))
	advance(2 * DefaultReplyTimeout)

	assert.Empty(t, replies)
	assert.Empty(t, *errs)
	assert.ErrorIs(t, m.SendOutboundMessage(SenderMessage{Type: SenderMessageRPC}), ErrMessengerClosed)
}

func TestSenderMessengerPostFailure(t *testing.T) {
	m, port, _, _ := newTestSenderMessenger(t)
	port.err = errors.New("no route")

	err := m.SendRequest(SenderMessage{Type: SenderMessageGetCapabilities, SequenceNumber: 1}, ReceiverMessageCapabilitiesResponse, func(ReceiverMessage, error) {})
	assert.Error(t, err)
	assert.Zero(t, m.OutstandingRequests())
}
