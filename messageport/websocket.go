package messageport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/caststream/control"
	"github.com/opd-ai/caststream/limits"
	"github.com/sirupsen/logrus"
)

// BroadcastDestination addresses every endpoint on the other side.
const BroadcastDestination = "*"

// WebSocketConfig configures a WebSocketPort.
type WebSocketConfig struct {
	// LocalID is the source id stamped on outgoing envelopes.
	LocalID string
	// Encrypt runs a Noise NN handshake and seals every frame.
	Encrypt bool
	// HandshakeTimeout bounds the Noise handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// DefaultWebSocketConfig returns an encrypted configuration for localID.
func DefaultWebSocketConfig(localID string) WebSocketConfig {
	return WebSocketConfig{
		LocalID:          localID,
		Encrypt:          true,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

type envelope struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Namespace   string `json:"namespace"`
	Data        string `json:"data"`
}

// WebSocketPort is a control.MessagePort over one WebSocket connection.
type WebSocketPort struct {
	conn    *websocket.Conn
	config  WebSocketConfig
	channel *noiseChannel

	writeMu sync.Mutex

	mu        sync.RWMutex
	client    control.MessagePortClient
	closed    bool
	startRead sync.Once
	done      chan struct{}
}

// DialWebSocketPort connects to url and completes the handshake as initiator.
func DialWebSocketPort(ctx context.Context, url string, config WebSocketConfig) (*WebSocketPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	port, err := newWebSocketPort(conn, config, true)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DialWebSocketPort",
		"url":       url,
		"local_id":  config.LocalID,
		"encrypted": config.Encrypt,
	}).Info("WebSocket message port connected")
	return port, nil
}

// NewWebSocketHandler upgrades each request to a WebSocketPort, completes the
// handshake as responder and hands the port to onConnect.
func NewWebSocketHandler(config WebSocketConfig, onConnect func(*WebSocketPort)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketHandler.ServeHTTP",
				"remote":   r.RemoteAddr,
				"error":    err.Error(),
			}).Warn("WebSocket upgrade failed")
			return
		}

		port, err := newWebSocketPort(conn, config, false)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketHandler.ServeHTTP",
				"remote":   r.RemoteAddr,
				"error":    err.Error(),
			}).Warn("Message port setup failed")
			conn.Close()
			return
		}
		onConnect(port)
	})
}

func newWebSocketPort(conn *websocket.Conn, config WebSocketConfig, initiator bool) (*WebSocketPort, error) {
	conn.SetReadLimit(int64(limits.MaxControlMessageSize) * 2)

	port := &WebSocketPort{
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}

	if config.Encrypt {
		if config.HandshakeTimeout > 0 {
			deadline := time.Now().Add(config.HandshakeTimeout)
			_ = conn.SetReadDeadline(deadline)
			_ = conn.SetWriteDeadline(deadline)
		}
		channel, err := performHandshake(conn, initiator)
		if err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
		port.channel = channel
	}
	return port, nil
}

// SetClient implements control.MessagePort. The read loop starts with the
// first client so no inbound message is lost.
func (p *WebSocketPort) SetClient(client control.MessagePortClient) {
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.startRead.Do(func() { go p.readLoop() })
}

// PostMessage implements control.MessagePort.
func (p *WebSocketPort) PostMessage(destinationID, namespace string, message []byte) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPortClosed
	}

	data, err := json.Marshal(envelope{
		Source:      p.config.LocalID,
		Destination: destinationID,
		Namespace:   namespace,
		Data:        string(message),
	})
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	frameType := websocket.TextMessage
	if p.channel != nil {
		if data, err = p.channel.seal(data); err != nil {
			return fmt.Errorf("failed to seal frame: %w", err)
		}
		frameType = websocket.BinaryMessage
	}
	if p.config.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	}
	return p.conn.WriteMessage(frameType, data)
}

// Close implements control.MessagePort.
func (p *WebSocketPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()

	return p.conn.Close()
}

// Done is closed when the read loop exits.
func (p *WebSocketPort) Done() <-chan struct{} {
	return p.done
}

func (p *WebSocketPort) readLoop() {
	defer close(p.done)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.handleReadError(err)
			return
		}

		if p.channel != nil {
			if data, err = p.channel.open(data); err != nil {
				p.notifyError(fmt.Errorf("failed to open frame: %w", err))
				return
			}
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketPort.readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed envelope")
			continue
		}
		if env.Destination != p.config.LocalID && env.Destination != BroadcastDestination {
			logrus.WithFields(logrus.Fields{
				"function":    "WebSocketPort.readLoop",
				"destination": env.Destination,
			}).Debug("Dropping envelope for another endpoint")
			continue
		}

		p.mu.RLock()
		client := p.client
		p.mu.RUnlock()
		if client != nil {
			client.OnMessage(env.Source, env.Namespace, []byte(env.Data))
		}
	}
}

func (p *WebSocketPort) handleReadError(err error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.notifyError(ErrPortClosed)
		return
	}
	p.notifyError(err)
}

func (p *WebSocketPort) notifyError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "WebSocketPort.notifyError",
		"error":    err.Error(),
		"closed":   errors.Is(err, ErrPortClosed),
	}).Warn("Message port failed")

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.OnError(err)
	}
}
