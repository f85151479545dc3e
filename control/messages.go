package control

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SenderMessageType is the "type" of a message sent by a sender.
type SenderMessageType string

const (
	SenderMessageOffer           SenderMessageType = "OFFER"
	SenderMessageGetCapabilities SenderMessageType = "GET_CAPABILITIES"
	SenderMessageRPC             SenderMessageType = "RPC"
)

// IsRequest reports whether messages of this type expect a reply.
func (t SenderMessageType) IsRequest() bool {
	return t == SenderMessageOffer || t == SenderMessageGetCapabilities
}

// ReceiverMessageType is the "type" of a message sent by a receiver.
type ReceiverMessageType string

const (
	ReceiverMessageAnswer               ReceiverMessageType = "ANSWER"
	ReceiverMessageCapabilitiesResponse ReceiverMessageType = "CAPABILITIES_RESPONSE"
	ReceiverMessageRPC                  ReceiverMessageType = "RPC"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// SenderMessage is a control envelope sent by a sender. Valid is false when
// the body was present but structurally invalid.
type SenderMessage struct {
	Type           SenderMessageType
	SequenceNumber int
	Valid          bool
	Offer          *Offer
	RPC            []byte
}

type senderMessageWire struct {
	Type   SenderMessageType `json:"type"`
	SeqNum *int              `json:"seqNum,omitempty"`
	Offer  json.RawMessage   `json:"offer,omitempty"`
	RPC    string            `json:"rpc,omitempty"`
}

// MarshalJSON encodes the envelope. RPC payloads are base64 encoded.
func (m SenderMessage) MarshalJSON() ([]byte, error) {
	wire := senderMessageWire{Type: m.Type}
	if m.Type != SenderMessageRPC {
		seq := m.SequenceNumber
		wire.SeqNum = &seq
	}
	switch m.Type {
	case SenderMessageOffer:
		if m.Offer != nil {
			raw, err := json.Marshal(m.Offer)
			if err != nil {
				return nil, err
			}
			wire.Offer = raw
		}
	case SenderMessageRPC:
		wire.RPC = base64.StdEncoding.EncodeToString(m.RPC)
	}
	return json.Marshal(wire)
}

// ParseSenderMessage decodes a sender envelope. It returns an error for
// malformed JSON or an unknown type. A recognized message with a bad body is
// returned with Valid false so the receiver can reply with an error.
func ParseSenderMessage(data []byte) (SenderMessage, error) {
	var wire senderMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return SenderMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := SenderMessage{Type: wire.Type}
	if wire.SeqNum != nil {
		msg.SequenceNumber = *wire.SeqNum
	}

	switch wire.Type {
	case SenderMessageOffer:
		if wire.SeqNum == nil || len(wire.Offer) == 0 {
			return msg, nil
		}
		var offer Offer
		if err := json.Unmarshal(wire.Offer, &offer); err != nil {
			return msg, nil
		}
		msg.Offer = &offer
		msg.Valid = offer.Validate() == nil
	case SenderMessageGetCapabilities:
		msg.Valid = wire.SeqNum != nil
	case SenderMessageRPC:
		payload, err := base64.StdEncoding.DecodeString(wire.RPC)
		if err != nil {
			return msg, nil
		}
		msg.RPC = payload
		msg.Valid = true
	default:
		return SenderMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, wire.Type)
	}
	return msg, nil
}

// ReceiverMessage is a control envelope sent by a receiver. Valid false
// corresponds to result "error"; Error then explains why.
type ReceiverMessage struct {
	Type           ReceiverMessageType
	SequenceNumber int
	Valid          bool
	Answer         *Answer
	Capabilities   *ReceiverCapability
	Error          *ReceiverErrorBody
	RPC            []byte
}

type receiverMessageWire struct {
	Type         ReceiverMessageType `json:"type"`
	SeqNum       *int                `json:"seqNum,omitempty"`
	Result       string              `json:"result,omitempty"`
	Answer       *Answer             `json:"answer,omitempty"`
	Capabilities *ReceiverCapability `json:"capabilities,omitempty"`
	Error        json.RawMessage     `json:"error,omitempty"`
	RPC          string              `json:"rpc,omitempty"`
}

// MarshalJSON encodes the envelope.
func (m ReceiverMessage) MarshalJSON() ([]byte, error) {
	wire := receiverMessageWire{Type: m.Type}
	if m.Type == ReceiverMessageRPC {
		wire.RPC = base64.StdEncoding.EncodeToString(m.RPC)
		return json.Marshal(wire)
	}

	seq := m.SequenceNumber
	wire.SeqNum = &seq
	if !m.Valid {
		wire.Result = resultError
		if m.Error != nil {
			raw, err := json.Marshal(m.Error)
			if err != nil {
				return nil, err
			}
			wire.Error = raw
		}
		return json.Marshal(wire)
	}

	wire.Result = resultOK
	wire.Answer = m.Answer
	wire.Capabilities = m.Capabilities
	return json.Marshal(wire)
}

// ParseReceiverMessage decodes a receiver envelope. Replies whose result is
// "error" or whose body is missing come back with Valid false. A malformed
// error object leaves Error nil.
func ParseReceiverMessage(data []byte) (ReceiverMessage, error) {
	var wire receiverMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ReceiverMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := ReceiverMessage{Type: wire.Type}
	if wire.SeqNum != nil {
		msg.SequenceNumber = *wire.SeqNum
	}

	switch wire.Type {
	case ReceiverMessageAnswer, ReceiverMessageCapabilitiesResponse:
		if wire.SeqNum == nil {
			return ReceiverMessage{}, fmt.Errorf("%w: %s without seqNum", ErrMalformedMessage, wire.Type)
		}
		if wire.Result != resultOK {
			msg.Error = parseErrorBody(wire.Error)
			return msg, nil
		}
		if wire.Type == ReceiverMessageAnswer {
			msg.Answer = wire.Answer
			msg.Valid = wire.Answer != nil
		} else {
			msg.Capabilities = wire.Capabilities
			msg.Valid = wire.Capabilities != nil
		}
	case ReceiverMessageRPC:
		payload, err := base64.StdEncoding.DecodeString(wire.RPC)
		if err != nil {
			return msg, nil
		}
		msg.RPC = payload
		msg.Valid = true
	default:
		return ReceiverMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, wire.Type)
	}
	return msg, nil
}

func parseErrorBody(raw json.RawMessage) *ReceiverErrorBody {
	if len(raw) == 0 {
		return nil
	}
	var body ReceiverErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return &body
}
