package control

// Namespaces carried alongside each control message.
const (
	NamespaceWebRTC   = "urn:x-cast:com.google.cast.webrtc"
	NamespaceRemoting = "urn:x-cast:com.google.cast.remoting"
)

// MessagePortClient receives messages and errors from a MessagePort. Ports
// may call it from any goroutine.
type MessagePortClient interface {
	OnMessage(sourceID, namespace string, message []byte)
	OnError(err error)
}

// MessagePort is a bidirectional channel for discrete control messages.
type MessagePort interface {
	SetClient(client MessagePortClient)
	PostMessage(destinationID, namespace string, message []byte) error
	Close() error
}

func namespaceFor(rpc bool) string {
	if rpc {
		return NamespaceRemoting
	}
	return NamespaceWebRTC
}

func isKnownNamespace(namespace string) bool {
	return namespace == NamespaceWebRTC || namespace == NamespaceRemoting
}
