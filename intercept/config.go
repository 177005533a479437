// Package intercept wires capture hooks into the extension points Go's TLS
// stack exposes natively: tls.Config callback chaining and net.Conn
// wrapping. Every seam fails open: a capture problem falls through to the
// original callback's result and can never break the host's handshake.
package intercept

import (
	"crypto/tls"
	"net"

	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/rec"
	"github.com/remmody/tlstap/sni"
	"github.com/remmody/tlstap/tap"
)

// Server clones cfg and chains capture hooks into GetConfigForClient and
// the per-connection VerifyConnection. The original callbacks keep their
// exact semantics; a nil original means "no further checks", same as
// before wrapping.
func Server(t *tap.Tap, cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	wrapped := cfg.Clone()

	origGet := wrapped.GetConfigForClient
	wrapped.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		key := connKeyFromHello(chi)
		t.OnHandshakeStart(key)
		if chi.ServerName != "" {
			addr, port := tap.SplitHostPort(key)
			t.OnServerNames(key,
				[]sni.ServerName{{Type: sni.TypeHostname, Value: []byte(chi.ServerName)}},
				tap.PeerInfo{PeerAddr: addr, PeerPort: port})
		}

		// Resolve the config the original chain wants for this client.
		var perConn *tls.Config
		if origGet != nil {
			c, err := origGet(chi)
			if err != nil {
				return c, err
			}
			if c != nil {
				perConn = c.Clone()
			}
		}
		if perConn == nil {
			perConn = cfg.Clone()
			perConn.GetConfigForClient = nil
		}

		origVerify := perConn.VerifyConnection
		perConn.VerifyConnection = func(cs tls.ConnectionState) error {
			t.OnHandshakeDone(key, doneInfo(cs, key, rec.RoleServer))
			if origVerify != nil {
				return origVerify(cs)
			}
			return nil
		}
		return perConn, nil
	}

	log.Tracef("Server tls.Config seam attached")
	return wrapped
}

// Client clones cfg and chains the capture hooks for an outbound
// connection to raddr. The indicated hostname comes from the config's
// ServerName, same as the handshake will send it.
//
// The handshake start timestamp is taken here: Go's TLS stack fires no
// client-side callback at handshake begin, so wrap immediately before
// dialing or the reported duration includes the gap. Each wrapped config
// covers exactly one connection.
func Client(t *tap.Tap, cfg *tls.Config, raddr net.Addr) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	wrapped := cfg.Clone()
	key := tap.ConnKey(raddr)

	t.OnHandshakeStart(key)
	if wrapped.ServerName != "" {
		addr, port := tap.SplitHostPort(key)
		t.OnServerNames(key,
			[]sni.ServerName{{Type: sni.TypeHostname, Value: []byte(wrapped.ServerName)}},
			tap.PeerInfo{ResolvedHost: wrapped.ServerName, PeerAddr: addr, PeerPort: port})
	}

	origVerify := wrapped.VerifyConnection
	wrapped.VerifyConnection = func(cs tls.ConnectionState) error {
		info := doneInfo(cs, key, rec.RoleClient)
		info.ResolvedHost = wrapped.ServerName
		t.OnHandshakeDone(key, info)
		if origVerify != nil {
			return origVerify(cs)
		}
		return nil
	}

	log.Tracef("Client tls.Config seam attached for %s", key)
	return wrapped
}

func connKeyFromHello(chi *tls.ClientHelloInfo) string {
	if chi.Conn != nil {
		return tap.ConnKey(chi.Conn.RemoteAddr())
	}
	return "unknown"
}

func doneInfo(cs tls.ConnectionState, key, role string) tap.PeerInfo {
	addr, port := tap.SplitHostPort(key)
	info := tap.PeerInfo{
		Role:        role,
		PeerAddr:    addr,
		PeerPort:    port,
		Protocol:    tls.VersionName(cs.Version),
		CipherSuite: tls.CipherSuiteName(cs.CipherSuite),
	}
	if cs.ServerName != "" {
		info.ResolvedHost = cs.ServerName
	}
	if len(cs.PeerCertificates) > 0 {
		info.PeerCertCN = cs.PeerCertificates[0].Subject.CommonName
	}
	return info
}
