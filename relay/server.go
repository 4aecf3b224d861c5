package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/refract/certs"
	"github.com/zsiec/refract/media"
)

const (
	relayIdleTimeout = 30 * time.Second
	relayKeepAlive   = 10 * time.Second
)

// codeShuttingDown is sent in CONNECTION_CLOSE when the relay stops.
const codeShuttingDown = quic.ApplicationErrorCode(0x10)

// sendBuffer is the per-client envelope queue depth. A client that
// falls this far behind is disconnected rather than slowing the rest.
const sendBuffer = 256

// subscriber is one connected inspection client. All stream writes go
// through the send channel so a single goroutine owns the stream.
type subscriber struct {
	conn   quic.Connection
	stream quic.SendStream
	send   chan []byte
}

// Server accepts QUIC connections from inspection clients and pushes
// every broadcast message to each of them.
type Server struct {
	log  *slog.Logger
	addr string
	cert *certs.CertInfo

	ln *quic.Listener

	mu   sync.Mutex
	subs map[quic.Connection]*subscriber
}

// NewServer creates a relay server that will listen on addr. The
// certificate is typically freshly generated; clients verify it by
// fingerprint.
func NewServer(addr string, cert *certs.CertInfo, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "relay"),
		addr: addr,
		cert: cert,
		subs: make(map[quic.Connection]*subscriber),
	}
}

// Start listens for inspection clients until ctx is cancelled. It
// blocks for the lifetime of the listener.
func (s *Server) Start(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.cert.TLSCert},
		NextProtos:   []string{ALPN},
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  relayIdleTimeout,
		KeepAlivePeriod: relayKeepAlive,
	}

	ln, err := quic.ListenAddr(s.addr, tlsConf, quicConf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("relay listening", "addr", ln.Addr().String(),
		"fingerprint", s.cert.FingerprintBase64())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the listener address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote", conn.RemoteAddr().String())

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		log.Error("open envelope stream failed", "error", err)
		_ = conn.CloseWithError(0, "stream setup failed")
		return
	}

	// The stream is only announced to the peer once bytes flow on it,
	// so the greeting must go out before the client's accept can return.
	if _, err := stream.Write(AppendHello(nil)); err != nil {
		log.Error("write hello failed", "error", err)
		_ = conn.CloseWithError(0, "stream setup failed")
		return
	}

	sub := &subscriber{
		conn:   conn,
		stream: stream,
		send:   make(chan []byte, sendBuffer),
	}
	s.mu.Lock()
	s.subs[conn] = sub
	count := len(s.subs)
	s.mu.Unlock()

	log.Info("inspection client connected", "subscribers", count)
	go s.writeLoop(sub)

	// Block until the peer goes away, then drop the subscription.
	<-conn.Context().Done()
	s.drop(conn)
	log.Info("inspection client disconnected")
}

// writeLoop is the single writer for one client's envelope stream.
func (s *Server) writeLoop(sub *subscriber) {
	for {
		select {
		case buf := <-sub.send:
			if _, err := sub.stream.Write(buf); err != nil {
				s.log.Debug("dropping client on write error",
					"remote", sub.conn.RemoteAddr().String(), "error", err)
				s.drop(sub.conn)
				return
			}
		case <-sub.conn.Context().Done():
			return
		}
	}
}

// Broadcast encodes msg once and queues it for every connected client.
// Safe for concurrent use; each client's stream has a single writer
// goroutine. Clients whose queue is full are disconnected.
func (s *Server) Broadcast(msg *media.Message) {
	buf, err := AppendEnvelope(nil, msg)
	if err != nil {
		s.log.Warn("skipping unencodable message", "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.send <- buf:
		default:
			s.log.Debug("dropping slow client", "remote", sub.conn.RemoteAddr().String())
			s.drop(sub.conn)
		}
	}
}

func (s *Server) drop(conn quic.Connection) {
	s.mu.Lock()
	_, ok := s.subs[conn]
	if ok {
		delete(s.subs, conn)
	}
	s.mu.Unlock()
	if ok {
		// Closing the connection errors any in-flight write and stops
		// the write loop via the connection context.
		_ = conn.CloseWithError(0, "")
	}
}

// Close stops the listener and disconnects all clients.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]quic.Connection, 0, len(s.subs))
	for conn := range s.subs {
		conns = append(conns, conn)
	}
	s.subs = make(map[quic.Connection]*subscriber)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWithError(codeShuttingDown, "relay shutting down")
	}
	if ln != nil {
		_ = ln.Close()
	}
}
