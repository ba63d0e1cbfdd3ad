package conn

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
NetworkTransport provides a network based transport that can be
used to communicate with remote peers. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Inbound connections are handed over on ConnChan, outbound ones are returned
by Dial. Either way the caller owns the NetConn and must Release it.
*/
type NetworkTransport struct {
	connCh chan *NetConn // connCh is used to hand accepted connections to the outer variable (e.g., Swarm)

	reflectedTypesMap map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// ConnChan returns the channel of accepted connections.
func (n *NetworkTransport) ConnChan() <-chan *NetConn {
	return n.connCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn hands an inbound connection over to the consumer of ConnChan.
// The connection is closed if the transport shuts down first.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	netC := NewNetConn(conn, n.reflectedTypesMap)
	select {
	case n.connCh <- netC:
	case <-connCtx.Done():
		n.logger.Debug("stream layer is closed")
		netC.Release()
	case <-n.shutdownCh:
		netC.Release()
	}
}

// LocalAddr returns the address the transport listens on.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport. Connections already handed
// over are left to their owners.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.streamCtxLock.Lock()
		n.streamCancel()
		n.streamCtxLock.Unlock()
		n.stream.Close()
		n.shutdown = true
	}
	return nil
}

// Dial establishes a new outbound connection to target.
func (n *NetworkTransport) Dial(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("dialed connection", "local-address", n.LocalAddr(), "remote-address", target)
	return NewNetConn(conn, n.reflectedTypesMap), nil
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	ReflectedTypesMap map[uint8]reflect.Type

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used when dialing.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "friends-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		connCh:            make(chan *NetConn),
		reflectedTypesMap: config.ReflectedTypesMap,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}
