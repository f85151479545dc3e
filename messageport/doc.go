// Package messageport provides control.MessagePort implementations.
//
// Pipe connects two in-process endpoints, which is how tests and the
// loopback simulator wire a sender session to a receiver session.
//
// WebSocketPort carries control messages over a gorilla/websocket
// connection. Each frame is a small JSON envelope naming the source,
// destination and namespace. When encryption is enabled both ends first run
// a Noise NN handshake (flynn/noise) and every envelope travels as a
// ChaCha20-Poly1305 sealed binary frame.
//
//	handler := messageport.NewWebSocketHandler(
//	    messageport.DefaultWebSocketConfig("receiver-0"),
//	    func(port *messageport.WebSocketPort) { startReceiverSession(port) },
//	)
//	http.Handle("/cast", handler)
//
//	port, err := messageport.DialWebSocketPort(ctx, "ws://host/cast",
//	    messageport.DefaultWebSocketConfig("sender-1"))
package messageport
