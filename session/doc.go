// Package session negotiates Cast streaming sessions over a control channel.
//
// A SenderSession offers audio and video streams built from capture
// configurations, waits for the receiver's ANSWER and turns the selected
// streams into streaming.Senders. It can also query receiver capabilities
// and negotiate remoting, where codecs are chosen later over RPC.
//
// A ReceiverSession is the other half: it selects offered streams according
// to its codec preferences, answers, and creates streaming.Receivers.
package session
