package messageport

import (
	"fmt"
	"sync"

	"github.com/opd-ai/caststream/control"
	"github.com/sirupsen/logrus"
)

// PipeEnd is one side of an in-memory message pipe. Messages are delivered
// synchronously to the peer's client.
type PipeEnd struct {
	localID string
	peer    *PipeEnd

	mu     sync.RWMutex
	client control.MessagePortClient
	closed bool
}

// NewPipe creates two connected endpoints identified by aID and bID.
func NewPipe(aID, bID string) (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{localID: aID}
	b := &PipeEnd{localID: bID}
	a.peer = b
	b.peer = a
	return a, b
}

// LocalID returns the identity messages from this end carry as source.
func (p *PipeEnd) LocalID() string { return p.localID }

// SetClient implements control.MessagePort.
func (p *PipeEnd) SetClient(client control.MessagePortClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = client
}

// PostMessage implements control.MessagePort.
func (p *PipeEnd) PostMessage(destinationID, namespace string, message []byte) error {
	if p.isClosed() {
		return ErrPortClosed
	}
	if destinationID != p.peer.localID {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destinationID)
	}

	data := make([]byte, len(message))
	copy(data, message)
	p.peer.deliver(p.localID, namespace, data)
	return nil
}

// Close implements control.MessagePort. The peer's client is told the pipe
// went away.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.peer.mu.RLock()
	client := p.peer.client
	peerClosed := p.peer.closed
	p.peer.mu.RUnlock()
	if client != nil && !peerClosed {
		client.OnError(ErrPortClosed)
	}
	return nil
}

func (p *PipeEnd) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *PipeEnd) deliver(source, namespace string, data []byte) {
	p.mu.RLock()
	client := p.client
	closed := p.closed
	p.mu.RUnlock()

	if client == nil || closed {
		logrus.WithFields(logrus.Fields{
			"function":    "PipeEnd.deliver",
			"destination": p.localID,
			"namespace":   namespace,
		}).Debug("Dropping message, no client attached")
		return
	}
	client.OnMessage(source, namespace, data)
}
