// Package server accepts log payloads over TCP and UDP and serves the status
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/coffersTech/logsink/internal/engine"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReadSize = 4096
	// MaxDatagramSize is the largest UDP payload accepted in one read.
	MaxDatagramSize = 65535
	// UDPReadBuffer is the kernel receive buffer requested for the UDP socket.
	UDPReadBuffer = 1 << 20

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler processes one payload. It must be safe for concurrent use.
type Handler interface {
	Handle(payload []byte, addr string)
}

// IngestServer listens for payloads on a TCP and a UDP socket sharing one port.
type IngestServer struct {
	addr     string
	handler  Handler
	stats    *engine.Stats
	log      *logrus.Logger
	readSize int

	tcp *net.TCPListener
	udp *net.UDPConn

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup
}

func NewIngestServer(addr string, h Handler, stats *engine.Stats, log *logrus.Logger, readSize int) *IngestServer {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &IngestServer{
		addr:     addr,
		handler:  h,
		stats:    stats,
		log:      log,
		readSize: readSize,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds both sockets. With port 0 the UDP socket reuses the port the
// kernel picked for TCP.
func (s *IngestServer) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.addr, err)
	}
	tcp, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.addr, err)
	}

	host, _, _ := net.SplitHostPort(s.addr)
	port := tcp.Addr().(*net.TCPAddr).Port
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		tcp.Close()
		return fmt.Errorf("resolve %s: %w", s.addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("listen udp %s: %w", udpAddr, err)
	}
	if err := udp.SetReadBuffer(UDPReadBuffer); err != nil {
		s.log.WithError(err).Warn("Could not enlarge UDP receive buffer")
	}

	s.tcp = tcp
	s.udp = udp
	s.log.Infof("TCP Server listening on %s", tcp.Addr())
	s.log.Infof("UDP Server listening on %s", udp.LocalAddr())
	return nil
}

func (s *IngestServer) TCPAddr() net.Addr { return s.tcp.Addr() }
func (s *IngestServer) UDPAddr() net.Addr { return s.udp.LocalAddr() }

// Serve runs both listeners until ctx is cancelled or one of them fails. On
// return both sockets are closed and every connection handler has exited.
func (s *IngestServer) Serve(ctx context.Context) error {
	if s.tcp == nil || s.udp == nil {
		return errors.New("server: Listen must be called before Serve")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.tcp.Close()
		s.udp.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error { return s.serveStream(ctx) })
	g.Go(func() error { return s.serveDatagram(ctx) })

	err := g.Wait()
	s.connWG.Wait()
	return err
}

func (s *IngestServer) serveStream(ctx context.Context) error {
	var delay time.Duration
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept failure (e.g. too many open files).
			delay = nextRetryDelay(delay)
			s.log.WithError(err).Errorf("TCP accept error, retrying in %v", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		delay = 0

		if !s.trackConn(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *IngestServer) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	defer s.untrackConn(conn)

	addr := conn.RemoteAddr().String()
	s.stats.ConnOpened()
	defer s.stats.ConnClosed()
	s.log.Infof("TCP connection established from %s", addr)

	buf := make([]byte, s.readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.stats.RecordPayload(engine.TransportTCP, n)
			s.handler.Handle(payload, addr)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).WithField("addr", addr).Error("TCP client error")
			}
			break
		}
	}
	s.log.Infof("TCP connection closed from %s", addr)
}

func (s *IngestServer) serveDatagram(ctx context.Context) error {
	// One extra byte detects datagrams larger than the accepted maximum.
	buf := make([]byte, MaxDatagramSize+1)
	var delay time.Duration
	for {
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = nextRetryDelay(delay)
			s.log.WithError(err).Errorf("UDP read error, retrying in %v", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		delay = 0

		addr := from.String()
		if n > MaxDatagramSize {
			s.log.WithField("addr", addr).Warnf("Datagram from %s may be truncated to %d bytes", addr, MaxDatagramSize)
			n = MaxDatagramSize
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.stats.RecordPayload(engine.TransportUDP, n)
		s.handler.Handle(payload, addr)
	}
}

// nextRetryDelay doubles the previous delay, starting at minAcceptDelay and
// capped at maxAcceptDelay.
func nextRetryDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if prev *= 2; prev > maxAcceptDelay {
		return maxAcceptDelay
	}
	return prev
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// trackConn registers conn unless the server is shutting down.
func (s *IngestServer) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *IngestServer) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.connMu.Unlock()
	conn.Close()
}

func (s *IngestServer) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = nil
}
