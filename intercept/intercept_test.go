package intercept

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/rec"
	"github.com/remmody/tlstap/sni"
	"github.com/remmody/tlstap/tap"
)

func newTestTap(t *testing.T) (*tap.Tap, string) {
	t.Helper()
	c := config.NewConfig()
	c.Recording.OutputPath = filepath.Join(t.TempDir(), "intercept.rec")
	tp := tap.New(&c)
	if err := tp.Start(); err != nil {
		t.Fatalf("tap start failed: %v", err)
	}
	return tp, c.Recording.OutputPath
}

func testCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestConfigSeamsEndToEnd(t *testing.T) {
	tp, path := newTestTap(t)

	srvCfg := Server(tp, &tls.Config{
		Certificates: []tls.Certificate{testCert(t, "test-server")},
		ClientAuth:   tls.RequestClientCert,
	})
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()

	cc := Client(tp, &tls.Config{
		ServerName:         "seam.example.com",
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{testCert(t, "test-client")},
	}, ln.Addr())

	conn, err := tls.Dial("tcp", ln.Addr().String(), cc)
	if err != nil {
		t.Fatalf("handshake failed through wrapped configs: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	tp.Shutdown()
	events, err := rec.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read recording: %v", err)
	}

	var indicated, clientDone, serverDone *rec.Event
	for i := range events {
		ev := &events[i]
		switch {
		case ev.Kind == config.KindClientIndicated && ev.SNIHostname == "seam.example.com":
			indicated = ev
		case ev.Kind == config.KindHandshakeInfo && ev.Role == rec.RoleClient:
			clientDone = ev
		case ev.Kind == config.KindHandshakeInfo && ev.Role == rec.RoleServer:
			serverDone = ev
		}
	}

	if indicated == nil {
		t.Fatalf("no indicated-name event recorded: %+v", events)
	}
	if clientDone == nil {
		t.Fatalf("no client completion event recorded: %+v", events)
	}
	if clientDone.Protocol == "" || clientDone.CipherSuite == "" {
		t.Errorf("client completion lacks negotiated parameters: %+v", clientDone)
	}
	if clientDone.DurationMS == nil {
		t.Error("client completion lacks a duration")
	}
	if clientDone.SNIHostname != "seam.example.com" {
		t.Errorf("client completion not correlated: %+v", clientDone)
	}
	if clientDone.PeerCertCN != "test-server" {
		t.Errorf("client should see the server certificate CN: %q", clientDone.PeerCertCN)
	}

	if serverDone == nil {
		t.Fatalf("no server completion event recorded: %+v", events)
	}
	if serverDone.SNIHostname != "seam.example.com" {
		t.Errorf("server completion not correlated: %+v", serverDone)
	}
	if serverDone.PeerCertCN != "test-client" {
		t.Errorf("server should see the client certificate CN: %q", serverDone.PeerCertCN)
	}
}

// The seams chain, never replace: callbacks that were on the config before
// wrapping still run.
func TestOriginalCallbacksPreserved(t *testing.T) {
	tp, _ := newTestTap(t)

	var origGet, origVerify atomic.Bool
	srvCfg := Server(tp, &tls.Config{
		Certificates: []tls.Certificate{testCert(t, "test-server")},
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			origGet.Store(true)
			return nil, nil
		},
		VerifyConnection: func(cs tls.ConnectionState) error {
			origVerify.Store(true)
			return nil
		},
	})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		ServerName:         "chain.example.com",
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("x"))
	io.ReadFull(conn, make([]byte, 1))
	conn.Close()

	if !origGet.Load() {
		t.Error("original GetConfigForClient was not called")
	}
	if !origVerify.Load() {
		t.Error("original VerifyConnection was not called")
	}
}

func TestSniffConnInbound(t *testing.T) {
	tp, _ := newTestTap(t)

	client, server := net.Pipe()
	defer client.Close()
	wrapped := NewConn(tp, server, Inbound)
	defer wrapped.Close()

	hello, err := sni.BuildClientHelloHost("sniffed.example.com")
	if err != nil {
		t.Fatal(err)
	}

	// Deliver across a segment boundary; the sniffer must wait for the
	// whole record before deciding.
	go func() {
		client.Write(hello[:10])
		client.Write(hello[10:])
	}()

	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(wrapped, buf); err != nil {
		t.Fatalf("read through sniffer failed: %v", err)
	}

	entry, ok := tp.Store().Claim("pipe")
	if !ok {
		t.Fatal("sniffer stored nothing")
	}
	if !entry.HasHostname || entry.Hostname != "sniffed.example.com" {
		t.Errorf("hostname not captured: %+v", entry)
	}
	if !entry.HasStart {
		t.Error("first bytes should mark the handshake start")
	}
	if tp.Metrics().Captures() == 0 {
		t.Error("an indicated-name event should have been emitted")
	}
}

func TestSniffConnOutbound(t *testing.T) {
	tp, _ := newTestTap(t)

	client, server := net.Pipe()
	defer server.Close()
	wrapped := NewConn(tp, client, Outbound)
	defer wrapped.Close()

	hello, err := sni.BuildClientHelloHost("outbound.example.com")
	if err != nil {
		t.Fatal(err)
	}

	go io.Copy(io.Discard, server)
	if _, err := wrapped.Write(hello); err != nil {
		t.Fatalf("write through sniffer failed: %v", err)
	}

	entry, ok := tp.Store().Claim("pipe")
	if !ok || entry.Hostname != "outbound.example.com" {
		t.Errorf("outbound hello not captured: %+v", entry)
	}
}

func TestSniffConnNonTLS(t *testing.T) {
	tp, _ := newTestTap(t)

	client, server := net.Pipe()
	defer client.Close()
	wrapped := NewConn(tp, server, Inbound)
	defer wrapped.Close()

	go client.Write([]byte("GET / HTTP/1.1\r\nHost: plain.example.com\r\n\r\n"))
	if _, err := wrapped.Read(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	entry, ok := tp.Store().Claim("pipe")
	if !ok {
		t.Fatal("handshake start should be recorded even for non-TLS traffic")
	}
	if entry.HasHostname {
		t.Errorf("no hostname should be captured from plaintext: %+v", entry)
	}
	if tp.Metrics().Captures() != 0 {
		t.Error("no event should be emitted for non-TLS traffic")
	}
}

func TestListenerWrapsAcceptedConns(t *testing.T) {
	tp, _ := newTestTap(t)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln := NewListener(tp, inner)
	defer ln.Close()

	hello, err := sni.BuildClientHelloHost("accepted.example.com")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		_, err = c.Write(hello)
		done <- err
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if _, err := io.ReadFull(conn, make([]byte, len(hello))); err != nil {
		t.Fatal(err)
	}

	key := tap.ConnKey(conn.RemoteAddr())
	entry, ok := tp.Store().Claim(key)
	if !ok || entry.Hostname != "accepted.example.com" {
		t.Errorf("accepted conn not sniffed: %+v", entry)
	}
}
