// Package util provides logging, traffic statistics and small helpers shared
// by the server and the tunnel sessions.
package util

import (
	"hash/fnv"
	"net"
)

// SessionID computes a 4-byte hash from a connection's local and remote
// addresses. It only tags log lines and does not need to be reversible or
// unique across restarts.
func SessionID(local, remote net.Addr) uint32 {
	h := fnv.New32a()
	if local != nil {
		h.Write([]byte(local.String()))
	}
	if remote != nil {
		h.Write([]byte(remote.String()))
	}
	return h.Sum32()
}
