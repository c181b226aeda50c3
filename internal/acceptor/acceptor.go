// Package acceptor probes a configured port range for a free listening
// port and then accepts inbound peer connections, publishing each raw
// connection for the session's handshake dispatch (§4.H).
package acceptor

import (
	"net"

	"github.com/cenkalti/rain/internal/logger"
)

// Acceptor listens on one TCP port and forwards accepted connections.
type Acceptor struct {
	listener net.Listener
	Port     int
	NewConns chan net.Conn
	log      logger.Logger
	closeC   chan struct{}
}

// New probes [portBegin, portEnd) in order and binds the first free
// port, like the teacher's session does when opening its listen socket.
func New(portBegin, portEnd int) (*Acceptor, error) {
	var lastErr error
	for port := portBegin; port < portEnd; port++ {
		l, err := net.Listen("tcp", (&net.TCPAddr{Port: port}).String())
		if err != nil {
			lastErr = err
			continue
		}
		return &Acceptor{
			listener: l,
			Port:     port,
			NewConns: make(chan net.Conn),
			log:      logger.New("acceptor"),
			closeC:   make(chan struct{}),
		}, nil
	}
	return nil, lastErr
}

// Run accepts connections until Close is called, publishing each one on
// NewConns. NewConns has no buffer; a slow-draining caller backpressures
// the accept loop itself rather than the listening socket's own queue.
func (a *Acceptor) Run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("accept error:", err)
				return
			}
		}
		select {
		case a.NewConns <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
		a.listener.Close()
	}
}
