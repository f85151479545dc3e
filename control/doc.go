// Package control implements the Cast control channel: the JSON messages
// exchanged during session negotiation and the messengers that correlate
// requests with replies over a MessagePort.
//
// A sender issues OFFER and GET_CAPABILITIES requests, each with a strictly
// increasing sequence number, and receives ANSWER and CAPABILITIES_RESPONSE
// replies echoing that number. RPC messages carry opaque remoting payloads
// and are never correlated.
//
//	messenger := control.NewSenderMessenger(port, "sender-1", "receiver-0", runner, onError)
//	msg := control.SenderMessage{
//	    Type:           control.SenderMessageOffer,
//	    SequenceNumber: messenger.NextSequenceNumber(),
//	    Valid:          true,
//	    Offer:          offer,
//	}
//	err := messenger.SendRequest(msg, control.ReceiverMessageAnswer, onAnswer)
//
// If no reply arrives within the reply timeout (4s by default) the callback
// runs once with ErrMessageTimeout. Replies with an unknown sequence number
// or from an unexpected peer are logged and dropped.
//
// The receiver side pins the first sender that sends an OFFER or
// GET_CAPABILITIES. Other senders may still query capabilities, but any
// other message from them is dropped.
package control
