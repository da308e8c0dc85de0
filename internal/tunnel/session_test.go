package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/doh"
	"github.com/1ureka/vlessgate/internal/protocol"
)

const (
	validID   = "d342d11e-d424-4583-b36e-524ab1f0afa4"
	expiredID = "6f1c9d52-9b0e-4c43-8f39-3b1b7c1f0e11"
	unknownID = "00000000-0000-4000-8000-000000000000"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeWS is an in-memory WebSocket. Frames pushed to in are returned by
// ReadMessage; closing in simulates the client closing.
type fakeWS struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.BinaryMessage, b, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, bytes.Clone(data))
	return nil
}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (f *fakeWS) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 40000}
}

func (f *fakeWS) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeWS) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer records every dial and delegates to dial, which receives the
// 1-based attempt number.
type fakeDialer struct {
	mu    sync.Mutex
	addrs []string
	dial  func(attempt int, addr string) (net.Conn, error)
}

func (d *fakeDialer) DialContext(_ context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	n := len(d.addrs)
	d.mu.Unlock()
	return d.dial(n, addr)
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

type echoResolver struct{}

func (echoResolver) Exchange(_ context.Context, q []byte) ([]byte, error) {
	return append([]byte("ans:"), q...), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testAccounts(t *testing.T, now time.Time) *directory.Store {
	t.Helper()
	store := directory.NewStore()
	_, err := store.Add(directory.Account{ID: validID, Email: "alice@example.com", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = store.Add(directory.Account{ID: expiredID, Email: "bob@example.com", ExpiresAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	return store
}

func headerFrame(t *testing.T, id string, transport protocol.Transport, addr string, port uint16, payload string) []byte {
	t.Helper()
	kind := protocol.AddressDomain
	if ip := net.ParseIP(addr); ip != nil {
		kind = protocol.AddressIPv4
		if ip.To4() == nil {
			kind = protocol.AddressIPv6
		}
	}
	frame, err := protocol.EncodeHeader(&protocol.Header{
		CredentialID: id,
		Transport:    transport,
		AddressKind:  kind,
		Address:      addr,
		Port:         port,
	}, []byte(payload))
	require.NoError(t, err)
	return frame
}

func baseOptions(t *testing.T, dialer Dialer) Options {
	now := time.Now()
	return Options{
		Accounts:       testAccounts(t, now),
		Dialer:         dialer,
		Resolver:       echoResolver{},
		ConnectTimeout: time.Second,
		IdleTimeout:    5 * time.Second,
		Now:            func() time.Time { return now },
	}
}

func start(s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func frameQuery(t *testing.T, q string) []byte {
	t.Helper()
	framed, err := doh.Frame([]byte(q))
	require.NoError(t, err)
	return framed
}

func refuse(int, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

// ---------------------------------------------------------------------------
// Decision logic
// ---------------------------------------------------------------------------

func TestNextStep(t *testing.T) {
	refused := errors.New("refused")
	testCases := []struct {
		name     string
		attempt  int
		received int64
		err      error
		want     step
	}{
		{"delivered then closed", 1, 10, nil, stepDone},
		{"delivered then failed", 2, 10, refused, stepDone},
		{"connect failure retries", 1, 0, refused, stepRetry},
		{"silent close retries", 3, 0, nil, stepRetry},
		{"budget spent", 5, 0, refused, stepGiveUp},
		{"client gone", 1, 0, errClientGone, stepDone},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextStep(tc.attempt, 5, tc.received, tc.err))
		})
	}
}

func TestTargetFor(t *testing.T) {
	o := &tcpOutbound{address: "example.com", port: 443}
	assert.Equal(t, "example.com:443", o.targetFor(1))
	assert.Equal(t, "example.com:443", o.targetFor(2))

	o.relay = &config.Relay{Address: "relay.internal"}
	assert.Equal(t, "example.com:443", o.targetFor(1))
	assert.Equal(t, "relay.internal:443", o.targetFor(2))

	o.relay = &config.Relay{Port: 8443}
	assert.Equal(t, "example.com:8443", o.targetFor(3))

	o = &tcpOutbound{address: "2001:db8:0:0:0:0:0:1", port: 80}
	assert.Equal(t, "[2001:db8:0:0:0:0:0:1]:80", o.targetFor(1))
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// TestSessionTCPRelay checks ordering of client data and that only the first
// chunk back carries the response prefix.
func TestSessionTCPRelay(t *testing.T) {
	received := make(chan string, 1)
	dialer := &fakeDialer{dial: func(_ int, _ string) (net.Conn, error) {
		client, dest := net.Pipe()
		go func() {
			defer dest.Close()
			buf := make([]byte, 8)
			if _, err := io.ReadFull(dest, buf); err != nil {
				return
			}
			received <- string(buf)
			dest.Write([]byte("hello"))
			dest.Write([]byte("world"))
		}()
		return client, nil
	}}

	ws := newFakeWS()
	s := NewSession(ws, baseOptions(t, dialer), Info{ClientIP: "203.0.113.7"})
	errCh := start(s)

	ws.in <- headerFrame(t, validID, protocol.TransportTCP, "93.184.216.34", 80, "ping")
	ws.in <- []byte("more")

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, "pingmore", <-received)
	assert.Equal(t, []string{"93.184.216.34:80"}, dialer.dialed())
	assert.Equal(t, [][]byte{[]byte("\x00\x00hello"), []byte("world")}, ws.written())
	assert.True(t, ws.isClosed())
}

// TestSessionEarlyData runs the header from the upgrade request without any
// WebSocket frame.
func TestSessionEarlyData(t *testing.T) {
	dialer := &fakeDialer{dial: func(_ int, _ string) (net.Conn, error) {
		client, dest := net.Pipe()
		go func() {
			defer dest.Close()
			buf := make([]byte, 3)
			if _, err := io.ReadFull(dest, buf); err == nil && string(buf) == "GET" {
				dest.Write([]byte("200"))
			}
		}()
		return client, nil
	}}

	ws := newFakeWS()
	early := headerFrame(t, validID, protocol.TransportTCP, "example.com", 80, "GET")
	s := NewSession(ws, baseOptions(t, dialer), Info{EarlyData: base64.RawURLEncoding.EncodeToString(early)})

	require.NoError(t, waitRun(t, start(s)))
	assert.Equal(t, []string{"example.com:80"}, dialer.dialed())
	assert.Equal(t, [][]byte{[]byte("\x00\x00200")}, ws.written())
}

// TestSessionBrokenEarlyData aborts the already upgraded stream before any
// frame is read or any destination is dialed.
func TestSessionBrokenEarlyData(t *testing.T) {
	dialer := &fakeDialer{dial: refuse}
	ws := newFakeWS()
	s := NewSession(ws, baseOptions(t, dialer), Info{EarlyData: "a"})

	err := waitRun(t, start(s))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))
	assert.Empty(t, dialer.dialed())
	assert.Empty(t, ws.written())
	assert.True(t, ws.isClosed())
}

// TestSessionRetriesThroughRelay spends the whole budget: the first attempt
// goes direct, the remaining four go through the relay override.
func TestSessionRetriesThroughRelay(t *testing.T) {
	dialer := &fakeDialer{dial: refuse}
	opts := baseOptions(t, dialer)
	opts.Relay = &config.Relay{Address: "relay.internal"}

	ws := newFakeWS()
	s := NewSession(ws, opts, Info{})
	errCh := start(s)
	ws.in <- headerFrame(t, validID, protocol.TransportTCP, "93.184.216.34", 80, "GET /")

	err := waitRun(t, errCh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))

	assert.Equal(t, []string{
		"93.184.216.34:80",
		"relay.internal:80",
		"relay.internal:80",
		"relay.internal:80",
		"relay.internal:80",
	}, dialer.dialed())
	assert.Empty(t, ws.written())
	assert.True(t, ws.isClosed())
}

// TestSessionSilentDestinationRetries treats a destination that closes
// without sending anything as a failed attempt, and still sends the prefix
// exactly once.
func TestSessionSilentDestinationRetries(t *testing.T) {
	dialer := &fakeDialer{dial: func(attempt int, _ string) (net.Conn, error) {
		client, dest := net.Pipe()
		go func() {
			defer dest.Close()
			buf := make([]byte, 2)
			if _, err := io.ReadFull(dest, buf); err != nil {
				return
			}
			if attempt == 3 {
				dest.Write([]byte("ok"))
			}
		}()
		return client, nil
	}}
	opts := baseOptions(t, dialer)
	opts.Relay = &config.Relay{Address: "relay.internal", Port: 9000}

	ws := newFakeWS()
	s := NewSession(ws, opts, Info{})
	errCh := start(s)
	ws.in <- headerFrame(t, validID, protocol.TransportTCP, "example.com", 443, "hi")

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, []string{"example.com:443", "relay.internal:9000", "relay.internal:9000"}, dialer.dialed())
	assert.Equal(t, [][]byte{[]byte("\x00\x00ok")}, ws.written())
}

func TestSessionRejectsCredentials(t *testing.T) {
	for _, id := range []string{unknownID, expiredID} {
		t.Run(id, func(t *testing.T) {
			dialer := &fakeDialer{dial: refuse}
			ws := newFakeWS()
			s := NewSession(ws, baseOptions(t, dialer), Info{ClientIP: "198.51.100.1"})
			errCh := start(s)
			ws.in <- headerFrame(t, id, protocol.TransportTCP, "93.184.216.34", 80, "GET /")

			err := waitRun(t, errCh)
			assert.True(t, errors.Is(err, ErrUnauthorized))
			assert.Empty(t, dialer.dialed())
			assert.Empty(t, ws.written())
			assert.True(t, ws.isClosed())
		})
	}
}

func TestSessionProtocolErrors(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		ws := newFakeWS()
		s := NewSession(ws, baseOptions(t, &fakeDialer{dial: refuse}), Info{})
		errCh := start(s)
		ws.in <- make([]byte, 10)

		err := waitRun(t, errCh)
		assert.True(t, errors.Is(err, protocol.ErrProtocol))
		assert.True(t, errors.Is(err, protocol.ErrMalformedHeader))
	})

	t.Run("port zero", func(t *testing.T) {
		dialer := &fakeDialer{dial: refuse}
		ws := newFakeWS()
		s := NewSession(ws, baseOptions(t, dialer), Info{})
		errCh := start(s)
		ws.in <- headerFrame(t, validID, protocol.TransportTCP, "example.com", 0, "")

		err := waitRun(t, errCh)
		assert.True(t, errors.Is(err, protocol.ErrProtocol))
		assert.Empty(t, dialer.dialed())
	})
}

// TestSessionDropsGenericUDP accepts the session but forwards nothing.
func TestSessionDropsGenericUDP(t *testing.T) {
	dialer := &fakeDialer{dial: refuse}
	ws := newFakeWS()
	s := NewSession(ws, baseOptions(t, dialer), Info{})
	errCh := start(s)

	ws.in <- headerFrame(t, validID, protocol.TransportUDP, "8.8.8.8", 443, "quic")
	ws.in <- []byte("more datagrams")
	close(ws.in)

	require.NoError(t, waitRun(t, errCh))
	assert.Empty(t, dialer.dialed())
	assert.Empty(t, ws.written())
}

// TestSessionDNS relays two framed queries from the header frame and writes
// two framed answers, the first one prefixed.
func TestSessionDNS(t *testing.T) {
	dialer := &fakeDialer{dial: refuse}
	ws := newFakeWS()
	s := NewSession(ws, baseOptions(t, dialer), Info{})
	errCh := start(s)

	payload := string(frameQuery(t, "q1")) + string(frameQuery(t, "q2"))
	ws.in <- headerFrame(t, validID, protocol.TransportUDP, "1.1.1.1", 53, payload)

	require.Eventually(t, func() bool { return len(ws.written()) == 2 }, 5*time.Second, 10*time.Millisecond)
	close(ws.in)
	require.NoError(t, waitRun(t, errCh))

	writes := ws.written()
	require.True(t, bytes.HasPrefix(writes[0], []byte{0, 0}))
	assert.False(t, bytes.HasPrefix(writes[1], []byte{0, 0}))

	var f doh.Framer
	answers := f.Feed(append(bytes.Clone(writes[0][2:]), writes[1]...))
	require.Len(t, answers, 2)
	assert.ElementsMatch(t, []string{"ans:q1", "ans:q2"}, []string{string(answers[0]), string(answers[1])})
	assert.Empty(t, dialer.dialed())
}

// TestSessionBacklogLimit ends the session when the client keeps sending
// while the destination has not accepted the initial payload yet.
func TestSessionBacklogLimit(t *testing.T) {
	var dests []net.Conn
	var mu sync.Mutex
	dialer := &fakeDialer{dial: func(int, string) (net.Conn, error) {
		client, dest := net.Pipe()
		mu.Lock()
		dests = append(dests, dest)
		mu.Unlock()
		return client, nil
	}}
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range dests {
			d.Close()
		}
	})

	opts := baseOptions(t, dialer)
	opts.MaxPending = 8

	ws := newFakeWS()
	s := NewSession(ws, opts, Info{})
	errCh := start(s)
	ws.in <- headerFrame(t, validID, protocol.TransportTCP, "example.com", 80, "x")
	ws.in <- []byte("12345")
	ws.in <- []byte("67890")

	err := waitRun(t, errCh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBacklogFull))
	assert.Empty(t, ws.written())
	assert.True(t, ws.isClosed())
}

// TestSessionCancel stops a session whose destination never answers.
func TestSessionCancel(t *testing.T) {
	var dests []net.Conn
	var mu sync.Mutex
	dialer := &fakeDialer{dial: func(int, string) (net.Conn, error) {
		client, dest := net.Pipe()
		mu.Lock()
		dests = append(dests, dest)
		mu.Unlock()
		go io.Copy(io.Discard, dest)
		return client, nil
	}}
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range dests {
			d.Close()
		}
	})

	ws := newFakeWS()
	s := NewSession(ws, baseOptions(t, dialer), Info{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	ws.in <- headerFrame(t, validID, protocol.TransportTCP, "example.com", 80, "x")

	require.Eventually(t, func() bool { return len(dialer.dialed()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	require.NoError(t, waitRun(t, errCh))
	assert.Len(t, dialer.dialed(), 1)
	assert.True(t, ws.isClosed())
}
