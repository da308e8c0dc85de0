package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/util"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Compile-time interface check.
var _ Dialer = (*net.Dialer)(nil)

// errClientGone means the WebSocket could not take a write; retrying the
// destination cannot help.
var errClientGone = errors.New("client gone")

// step is the outcome of one connection attempt.
type step int

const (
	stepDone step = iota
	stepRetry
	stepGiveUp
)

// nextStep decides what follows an attempt that ended after received bytes
// came back from the destination, with err as the attempt's error (nil when
// the destination closed cleanly).
//
// A destination that delivered anything is done. One that failed to connect,
// failed the initial write or closed without sending a byte is retried until
// maxAttempts is spent.
func nextStep(attempt, maxAttempts int, received int64, err error) step {
	if received > 0 || errors.Is(err, errClientGone) {
		return stepDone
	}
	if attempt >= maxAttempts {
		return stepGiveUp
	}
	return stepRetry
}

// tcpOutbound owns the destination side of a TCP session.
type tcpOutbound struct {
	ctx  context.Context
	log  util.Tagged
	out  *responder
	opts *Options
	fail func(error)

	address string
	port    uint16
	relay   *config.Relay
	initial []byte

	mu           sync.Mutex
	conn         net.Conn // live connection once the initial write and flush are done
	pending      [][]byte // frames received while conn is nil
	pendingBytes int

	done chan struct{}
}

func newTCPOutbound(s *Session, address string, port uint16, initial []byte) *tcpOutbound {
	return &tcpOutbound{
		ctx:     s.ctx,
		log:     s.log,
		out:     s.resp,
		opts:    &s.opts,
		fail:    s.finish,
		address: address,
		port:    port,
		relay:   s.opts.Relay,
		initial: initial,
		done:    make(chan struct{}),
	}
}

// targetFor returns the address dialed on the given attempt. The first
// attempt always goes to the requested destination; later ones go through
// the relay override, field by field.
func (o *tcpOutbound) targetFor(attempt int) string {
	address, port := o.address, o.port
	if attempt > 1 && o.relay != nil {
		if o.relay.Address != "" {
			address = o.relay.Address
		}
		if o.relay.Port != 0 {
			port = o.relay.Port
		}
	}
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

// send forwards a later frame, or queues it while no connection is live.
// It fails once the queue would exceed MaxPending bytes.
func (o *tcpOutbound) send(frame []byte) error {
	o.mu.Lock()
	conn := o.conn
	if conn == nil {
		if o.pendingBytes+len(frame) > o.opts.MaxPending {
			o.mu.Unlock()
			return fmt.Errorf("%w: %d bytes queued", ErrBacklogFull, o.pendingBytes)
		}
		o.pending = append(o.pending, frame)
		o.pendingBytes += len(frame)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if _, err := conn.Write(frame); err != nil {
		o.log.Debug("TCP write error: %v", err)
	}
	return nil
}

// run drives the attempt loop until the session is done.
func (o *tcpOutbound) run() {
	defer close(o.done)

	for attempt := 1; ; attempt++ {
		if o.ctx.Err() != nil {
			return
		}

		target := o.targetFor(attempt)
		if attempt > 1 {
			util.Stats.AddRetry()
			o.log.Info("retrying via %s (attempt %d/%d)", target, attempt, o.opts.MaxAttempts)
		}

		received, err := o.attempt(target)
		if o.ctx.Err() != nil {
			return
		}

		switch nextStep(attempt, o.opts.MaxAttempts, received, err) {
		case stepDone:
			o.log.Debug("destination %s finished after %d bytes", target, received)
			o.fail(nil)
			return
		case stepRetry:
			o.log.Debug("attempt %d to %s yielded nothing: %v", attempt, target, err)
		case stepGiveUp:
			err = fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, target, attempt, err)
			o.log.Error("%v", err)
			o.fail(err)
			return
		}
	}
}

// attempt connects to target, writes the initial payload, flushes queued
// frames and relays the destination back to the client. It returns how many
// bytes the destination delivered.
func (o *tcpOutbound) attempt(target string) (int64, error) {
	dialCtx, cancel := context.WithTimeout(o.ctx, o.opts.ConnectTimeout)
	conn, err := o.opts.Dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(o.ctx, func() { conn.Close() })
	defer stop()

	if len(o.initial) > 0 {
		if _, err := conn.Write(o.initial); err != nil {
			return 0, fmt.Errorf("initial write: %w", err)
		}
	}
	if err := o.publish(conn); err != nil {
		return 0, err
	}
	defer o.unpublish()

	return o.pump(conn)
}

// publish flushes pending frames to conn and then makes it the live
// connection. Frames that arrive during the flush are queued and flushed in
// the next round, so ordering is kept.
func (o *tcpOutbound) publish(conn net.Conn) error {
	for {
		o.mu.Lock()
		batch := o.pending
		o.pending = nil
		o.pendingBytes = 0
		if len(batch) == 0 {
			o.conn = conn
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()

		for _, frame := range batch {
			if _, err := conn.Write(frame); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
		}
	}
}

func (o *tcpOutbound) unpublish() {
	o.mu.Lock()
	o.conn = nil
	o.mu.Unlock()
}

// pump copies the destination to the client until EOF, an error or the idle
// deadline.
func (o *tcpOutbound) pump(conn net.Conn) (int64, error) {
	buf := make([]byte, MaxReadSize)
	var received int64

	for {
		if o.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(o.opts.IdleTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			received += int64(n)
			if _, werr := o.out.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("%w: %v", errClientGone, werr)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return received, fmt.Errorf("idle for %s", o.opts.IdleTimeout)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return received, nil
			}
			return received, err
		}
	}
}
