package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/tunnel"
	"github.com/1ureka/vlessgate/internal/util"
)

const earlyDataHeader = "Sec-WebSocket-Protocol"

// handleTunnel upgrades the request and runs a session on it until it ends.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	// The early data value doubles as the requested subprotocol. It is
	// echoed as is and decoded by the session after the upgrade.
	proto := r.Header.Get(earlyDataHeader)

	relay := s.cfg.Relay
	if raw := r.URL.Query().Get("proxy"); raw != "" {
		if override, err := config.ParseRelay(raw); err != nil {
			util.LogWarning("ignoring proxy override from %s: %v", ip, err)
		} else {
			relay = override
		}
	}

	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{}
		respHeader.Set(earlyDataHeader, proto)
	}

	ws, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already replied.
		util.LogDebug("websocket upgrade from %s failed: %v", ip, err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	session := tunnel.NewSession(ws, tunnel.Options{
		Accounts:       s.store,
		Dialer:         s.dialer,
		Resolver:       s.resolver,
		Relay:          relay,
		MaxAttempts:    s.cfg.MaxAttempts,
		MaxPending:     s.cfg.MaxPending,
		ConnectTimeout: s.cfg.ConnectTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		Now:            s.cfg.Now,
	}, tunnel.Info{ClientIP: ip, EarlyData: proto})

	s.registry.Register(session)
	defer s.registry.Unregister(session)

	if err := session.Run(r.Context()); err != nil && !errors.Is(err, tunnel.ErrUnauthorized) {
		util.LogDebug("[%08x] session ended: %v", session.ID(), err)
	}
}

// clientIP prefers CF-Connecting-IP, then the first X-Forwarded-For hop,
// then the socket peer.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
