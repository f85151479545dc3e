package environment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/limits"
	"github.com/sirupsen/logrus"
)

// PacketConsumer receives inbound datagrams on the task runner.
type PacketConsumer interface {
	OnReceivedPacket(source net.Addr, arrival time.Time, packet []byte)
}

// Environment owns the datagram socket shared by every stream in a session
// and delivers inbound packets to a PacketConsumer on the task runner.
type Environment struct {
	clock  clockwork.Clock
	runner TaskRunner
	conn   net.PacketConn

	mu           sync.RWMutex
	remote       net.Addr
	errorHandler func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	receiving bool
	wg        sync.WaitGroup
}

// NewEnvironment wraps an existing socket.
func NewEnvironment(clock clockwork.Clock, runner TaskRunner, conn net.PacketConn) (*Environment, error) {
	if conn == nil {
		return nil, ErrNilPacketConn
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Environment{
		clock:  clock,
		runner: runner,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ListenUDP opens a UDP socket on listenAddr and wraps it in an Environment.
func ListenUDP(clock clockwork.Clock, runner TaskRunner, listenAddr string) (*Environment, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ListenUDP",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP environment listening")

	return NewEnvironment(clock, runner, conn)
}

// Now returns the current time on the environment clock.
func (e *Environment) Now() time.Time { return e.clock.Now() }

// Clock returns the environment clock.
func (e *Environment) Clock() clockwork.Clock { return e.clock }

// TaskRunner returns the runner inbound packets are posted to.
func (e *Environment) TaskRunner() TaskRunner { return e.runner }

// LocalAddr returns the bound socket address.
func (e *Environment) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// SetRemoteEndpoint sets the destination of SendPacket.
func (e *Environment) SetRemoteEndpoint(addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = addr
}

// SetRemotePort keeps the remote IP and replaces the port. It is used once the
// peer announces its UDP port in an ANSWER.
func (e *Environment) SetRemotePort(port int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	udp, ok := e.remote.(*net.UDPAddr)
	if !ok {
		e.remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
		return
	}
	e.remote = &net.UDPAddr{IP: udp.IP, Port: port, Zone: udp.Zone}
}

// RemoteEndpoint returns the current destination, or nil if unknown.
func (e *Environment) RemoteEndpoint() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// MaxPacketSize returns the largest unfragmented RTP packet for the remote
// endpoint's address family, or the IPv4 size while the remote is unknown.
func (e *Environment) MaxPacketSize() int {
	if udp, ok := e.RemoteEndpoint().(*net.UDPAddr); ok {
		return limits.MaxRTPPacketSizeFor(udp.IP)
	}
	return limits.MaxRTPPacketSizeIPv4
}

// SetErrorHandler registers a callback for fatal socket errors. The callback
// runs on the task runner.
func (e *Environment) SetErrorHandler(handler func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHandler = handler
}

// SendPacket sends packet to the remote endpoint.
func (e *Environment) SendPacket(packet []byte) error {
	remote := e.RemoteEndpoint()
	if remote == nil {
		return ErrNoRemoteEndpoint
	}
	if _, err := e.conn.WriteTo(packet, remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrEnvironmentClosed
		}
		return err
	}
	return nil
}

// StartReceiving launches the read loop. Each datagram is copied and posted
// to the task runner for consumer.
func (e *Environment) StartReceiving(consumer PacketConsumer) {
	e.mu.Lock()
	if e.receiving {
		e.mu.Unlock()
		return
	}
	e.receiving = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.processPackets(consumer)
}

// Close stops the read loop and closes the socket.
func (e *Environment) Close() error {
	e.cancel()
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

func (e *Environment) processPackets(consumer PacketConsumer) {
	defer e.wg.Done()
	buffer := make([]byte, limits.MaxDatagramSize)

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		if !e.processIncomingPacket(buffer, consumer) {
			return
		}
	}
}

// processIncomingPacket reads one datagram. It returns false once the loop
// should exit.
func (e *Environment) processIncomingPacket(buffer []byte, consumer PacketConsumer) bool {
	_ = e.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := e.conn.ReadFrom(buffer)
	if err != nil {
		return e.handleReadError(err)
	}
	arrival := e.clock.Now()

	if err := limits.ValidateDatagram(buffer[:n]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Environment.processIncomingPacket",
			"source":   addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping invalid datagram")
		return true
	}

	packet := make([]byte, n)
	copy(packet, buffer[:n])
	e.runner.PostTask(func() {
		consumer.OnReceivedPacket(addr, arrival, packet)
	})
	return true
}

func (e *Environment) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "Environment.handleReadError",
		"error":    err.Error(),
	}).Error("Socket read failed")

	e.mu.RLock()
	handler := e.errorHandler
	e.mu.RUnlock()
	if handler != nil {
		e.runner.PostTask(func() { handler(err) })
	}
	return false
}
