package intercept

import (
	"net"
	"sync"

	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/sni"
	"github.com/remmody/tlstap/tap"
)

// sniffLimit caps how much of a connection prefix the sniffer will buffer
// before giving up on seeing a ClientHello.
const sniffLimit = 4096

// Directions a sniffed conn watches. A server sees the ClientHello arrive
// on Read; a client sends it on Write.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// NewListener wraps a listener so every accepted connection is sniffed for
// a client-initiated negotiation message. Used when the host hands out raw
// connections and its tls.Config is out of reach.
func NewListener(t *tap.Tap, ln net.Listener) net.Listener {
	return &listener{Listener: ln, tap: t}
}

type listener struct {
	net.Listener
	tap *tap.Tap
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return c, err
	}
	return NewConn(l.tap, c, Inbound), nil
}

// NewConn wraps a connection with an opportunistic ClientHello sniffer on
// the given direction. The sniffer only tees bytes; it never consumes,
// delays, or alters the stream, and a prefix that is not a TLS handshake
// makes it go dormant after the first byte.
func NewConn(t *tap.Tap, c net.Conn, dir Direction) net.Conn {
	return &sniffConn{
		Conn: c,
		tap:  t,
		dir:  dir,
		key:  tap.ConnKey(c.RemoteAddr()),
	}
}

type sniffConn struct {
	net.Conn
	tap *tap.Tap
	dir Direction
	key string

	mu   sync.Mutex
	buf  []byte
	done bool
}

func (c *sniffConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.dir == Inbound {
		c.feed(p[:n])
	}
	return n, err
}

func (c *sniffConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.dir == Outbound {
		c.feed(p[:n])
	}
	return n, err
}

// feed accumulates the connection prefix and fires the capture hooks once
// a ClientHello shows up. Anything unparseable is a silent no-op.
func (c *sniffConn) feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	if len(c.buf) == 0 {
		// First bytes on the wire mark the earliest observable handshake
		// start for this seam.
		c.tap.OnHandshakeStart(c.key)
		if p[0] != 0x16 {
			c.done = true
			return
		}
	}

	c.buf = append(c.buf, p...)

	// Wait for the whole first record; the tolerant parser would otherwise
	// accept a segment boundary as a truncated hello and miss the SNI.
	if len(c.buf) < 5 {
		return
	}
	recLen := int(c.buf[3])<<8 | int(c.buf[4])
	if len(c.buf) < 5+recLen && len(c.buf) <= sniffLimit {
		return
	}

	info, ok := sni.SniffClientHello(c.buf)
	if ok {
		c.done = true
		c.buf = nil
		addr, port := tap.SplitHostPort(c.key)
		c.tap.OnServerNames(c.key, info.ServerNames, tap.PeerInfo{
			PeerAddr: addr,
			PeerPort: port,
		})
		if info.HasECH && len(info.ServerNames) == 0 {
			log.Tracef("ClientHello with ECH and no clear SNI on %s", c.key)
		}
		return
	}

	if len(c.buf) > sniffLimit {
		c.done = true
		c.buf = nil
	}
}
