// Package tunnel runs one proxy session per WebSocket connection.
//
// A session reads the request header from the first frame, authenticates the
// embedded credential, binds to exactly one outbound (a TCP destination, the
// DoH relay, or nothing for unsupported UDP) and then relays bytes in both
// directions until either side finishes.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/doh"
	"github.com/1ureka/vlessgate/internal/protocol"
	"github.com/1ureka/vlessgate/internal/util"
)

// Tuning constants.
const (
	InboxBufferSize = 64        // frames queued between the reader and the consumer loop
	MaxReadSize     = 32 * 1024 // outbound read buffer
	dnsPort         = 53
)

var (
	// ErrUnauthorized means the credential is unknown or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConnectFailed means every outbound attempt failed.
	ErrConnectFailed = errors.New("connect failed")

	// ErrBacklogFull means the client sent more than MaxPending bytes while
	// no destination connection was live.
	ErrBacklogFull = errors.New("pending data limit exceeded")
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Compile-time interface check.
var _ Conn = (*websocket.Conn)(nil)

// Options configures sessions. Zero values fall back to the config defaults.
type Options struct {
	Accounts       directory.Lookup
	Dialer         Dialer
	Resolver       doh.Exchanger
	Relay          *config.Relay
	MaxAttempts    int
	MaxPending     int // bytes queued while connecting
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Now            func() time.Time
}

func (o *Options) withDefaults() {
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.Resolver == nil {
		o.Resolver = doh.NewClient(config.DefaultResolver, config.DefaultDoHTimeout)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = config.DefaultMaxAttempts
	}
	if o.MaxPending <= 0 {
		o.MaxPending = config.DefaultMaxPending
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.DefaultConnectTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Info carries what the HTTP layer learned about the client.
type Info struct {
	ClientIP string

	// EarlyData is the raw Sec-WebSocket-Protocol value. It is decoded when
	// the session starts and processed as the first frame.
	EarlyData string
}

// bindingKind is the outbound a session is bound to. It changes exactly once,
// away from bindUnbound, when the first frame is processed.
type bindingKind int

const (
	bindUnbound bindingKind = iota
	bindTCP
	bindDNS
	bindDropped
)

// Session is one tunnel over one WebSocket connection.
type Session struct {
	id   uint32
	log  util.Tagged
	ws   Conn
	opts Options
	info Info

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan []byte
	resp  *responder

	kind bindingKind
	tcp  *tcpOutbound
	dns  *doh.Relay

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewSession prepares a session for ws. Run starts it.
func NewSession(ws Conn, opts Options, info Info) *Session {
	opts.withDefaults()
	id := util.SessionID(ws.LocalAddr(), ws.RemoteAddr())
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		log:    util.Tagged(id),
		ws:     ws,
		opts:   opts,
		info:   info,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan []byte, InboxBufferSize),
	}
}

// ID returns the session's log tag.
func (s *Session) ID() uint32 { return s.id }

// Run processes frames until the client or the outbound side finishes, or
// ctx is cancelled. It returns the error that ended the session, nil for a
// normal close.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	util.Stats.OpenSession()
	defer util.Stats.CloseSession()
	s.log.Debug("session opened from %s", s.info.ClientIP)

	early, err := protocol.DecodeEarlyData(s.info.EarlyData)
	if err != nil {
		s.log.Error("invalid early data from %s: %v", s.info.ClientIP, err)
		s.finish(err)
		return err
	}
	if len(early) > 0 {
		s.inbox <- early
	}
	go s.readLoop()

loop:
	for {
		select {
		case frame, ok := <-s.inbox:
			if !ok {
				break loop
			}
			if err := s.handle(frame); err != nil {
				s.finish(err)
				break loop
			}
		case <-s.ctx.Done():
			break loop
		}
	}

	s.Close()
	if s.tcp != nil {
		<-s.tcp.done
	}
	if s.dns != nil {
		s.dns.Wait()
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.log.Debug("session closed (%v)", s.err)
	return s.err
}

// Close tears the session down. Safe to call more than once and from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.ws.Close()
	})
}

// finish records err as the session result, keeping the first one, and
// closes the session.
func (s *Session) finish(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.Close()
}

// readLoop pumps WebSocket messages into the inbox. It closes the inbox when
// the WebSocket fails or closes.
func (s *Session) readLoop() {
	defer close(s.inbox)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read: %v", err)
			}
			return
		}

		select {
		case s.inbox <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// handle processes one inbound frame. The first frame binds the session;
// later frames are forwarded verbatim.
func (s *Session) handle(frame []byte) error {
	switch s.kind {
	case bindUnbound:
		return s.bind(frame)
	case bindTCP:
		util.Stats.AddUp(len(frame))
		if err := s.tcp.send(frame); err != nil {
			s.log.Warn("%v", err)
			return err
		}
	case bindDNS:
		util.Stats.AddUp(len(frame))
		_, _ = s.dns.Write(frame) // fails only once the session is closing
	case bindDropped:
	}
	return nil
}

// bind parses the header frame, authenticates it and selects the outbound.
func (s *Session) bind(frame []byte) error {
	h, err := protocol.ReadHeader(frame, s.opts.Accounts, s.opts.Now())
	if err != nil {
		s.log.Error("invalid header from %s: %v", s.info.ClientIP, err)
		return fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if h.Port == 0 {
		s.log.Error("invalid header from %s: destination port 0", s.info.ClientIP)
		return fmt.Errorf("%w: destination port 0", protocol.ErrProtocol)
	}
	if h.Account == nil {
		util.Stats.AddUnauthorized()
		s.log.Warn("unauthorized credential %s from %s", h.CredentialID, s.info.ClientIP)
		return fmt.Errorf("%w: %s", ErrUnauthorized, h.CredentialID)
	}

	s.resp = newResponder(s.ws, protocol.ResponsePrefix(h.Version))
	payload := frame[h.PayloadOffset:]
	dest := net.JoinHostPort(h.Address, fmt.Sprint(h.Port))

	switch h.Transport {
	case protocol.TransportUDP:
		if h.Port != dnsPort {
			s.kind = bindDropped
			s.log.Info("%s: UDP to %s is not supported, dropping", h.Account.Email, dest)
			return nil
		}
		s.kind = bindDNS
		s.dns = doh.NewRelay(s.ctx, s.opts.Resolver, s.resp, s.log)
		s.log.Info("%s: DNS via DoH from %s", h.Account.Email, s.info.ClientIP)
		if len(payload) > 0 {
			util.Stats.AddUp(len(payload))
			_, _ = s.dns.Write(payload)
		}

	case protocol.TransportTCP:
		s.kind = bindTCP
		s.log.Info("%s: TCP %s from %s", h.Account.Email, dest, s.info.ClientIP)
		util.Stats.AddUp(len(payload))
		s.tcp = newTCPOutbound(s, h.Address, h.Port, payload)
		go s.tcp.run()
	}
	return nil
}

// ---------------------------------------------------------------------------
// WebSocket writer
// ---------------------------------------------------------------------------

// responder serializes writes to the WebSocket and prepends the response
// prefix to the first chunk only.
type responder struct {
	mu     sync.Mutex
	ws     Conn
	prefix []byte // nil once sent
}

func newResponder(ws Conn, prefix []byte) *responder {
	return &responder{ws: ws, prefix: prefix}
}

// Write sends p as one binary message.
func (r *responder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := p
	if r.prefix != nil {
		msg = make([]byte, 0, len(r.prefix)+len(p))
		msg = append(msg, r.prefix...)
		msg = append(msg, p...)
	}
	if err := r.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return 0, err
	}
	r.prefix = nil
	util.Stats.AddDown(len(p))
	return len(p), nil
}
