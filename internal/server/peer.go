// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package server

import (
	"net"
)

// IsLocal reports whether conn comes from this host. Unix socket peers and
// loopback TCP peers are local.
func IsLocal(conn net.Conn) bool {
	switch addr := conn.RemoteAddr().(type) {
	case *net.UnixAddr:
		return true
	case *net.TCPAddr:
		return addr.IP.IsLoopback()
	case nil:
		return false
	default:
		return addr.Network() == "pipe"
	}
}

// PeerName describes the remote end for logs.
func PeerName(conn net.Conn) string {
	if uc, ok := conn.(*net.UnixConn); ok {
		if cred, ok := peerCredentials(uc); ok {
			return cred
		}
		return "unix"
	}
	if conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}
