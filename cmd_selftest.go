package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/intercept"
	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/rec"
	"github.com/remmody/tlstap/tap"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the capture pipeline end to end and verify the recording",
	RunE:  runSelftest,
}

var selftestHosts = []string{
	"alpha.example.com",
	"beta.example.com",
	"gamma.example.com",
}

// runSelftest stands up an in-process TLS server with both seams attached,
// completes one handshake per test hostname through a wrapped client
// config, then reads the recording back and checks what was captured.
func runSelftest(cmd *cobra.Command, args []string) error {
	log.Init(log.OrigStderr(), log.LevelInfo, true)

	dir, err := os.MkdirTemp("", "tlstap-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	c := config.NewConfig()
	c.Recording.OutputPath = filepath.Join(dir, "selftest.rec")
	// The verification expects one of every kind, including the
	// default-off heartbeat.
	c.SetKindEnabled(config.KindHeartbeat, true)

	t := tap.New(&c)
	if err := t.Start(); err != nil {
		return fmt.Errorf("recording start failed: %w", err)
	}

	serverCert, err := selfSignedCert("localhost", "127.0.0.1")
	if err != nil {
		return err
	}
	clientCert, err := selfSignedCert("selftest-client")
	if err != nil {
		return err
	}

	srvCfg := intercept.Server(t, &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequestClientCert,
	})

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer raw.Close()
	ln := tls.NewListener(intercept.NewListener(t, raw), srvCfg)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go echo(conn)
		}
	}()

	for _, host := range selftestHosts {
		if err := selftestDial(t, raw.Addr(), host, clientCert); err != nil {
			return fmt.Errorf("handshake for %s failed: %w", host, err)
		}
	}
	t.Heartbeat()

	t.Shutdown()

	events, err := rec.ReadFile(c.Recording.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to read recording back: %w", err)
	}
	if err := verifySelftest(events); err != nil {
		return err
	}

	fmt.Print(rec.Summarize(events).Format())
	fmt.Printf("Selftest passed: %d events across %d handshakes\n",
		len(events), len(selftestHosts))
	return nil
}

// selftestDial completes one full round trip so the server side has
// finished its handshake, and with it the completion hook, before we move
// on.
func selftestDial(t *tap.Tap, addr net.Addr, host string, cert tls.Certificate) error {
	cc := intercept.Client(t, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{cert},
	}, addr)

	conn, err := tls.Dial("tcp", addr.String(), cc)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		return err
	}
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	return err
}

func verifySelftest(events []rec.Event) error {
	indicated := map[string]int{}
	completed := map[string]int{}
	sawClientCN := false
	sawHeartbeat := false

	for _, ev := range events {
		switch ev.Kind {
		case config.KindClientIndicated:
			indicated[ev.SNIHostname]++
		case config.KindHandshakeInfo:
			if ev.Protocol == "" || ev.CipherSuite == "" {
				return fmt.Errorf("completion event for %q lacks negotiated parameters", ev.SNIHostname)
			}
			if ev.DurationMS == nil {
				return fmt.Errorf("completion event for %q lacks a duration", ev.SNIHostname)
			}
			completed[ev.SNIHostname]++
			if ev.PeerCertCN == "selftest-client" {
				sawClientCN = true
			}
		case config.KindHeartbeat:
			sawHeartbeat = true
		}
	}

	for _, host := range selftestHosts {
		if indicated[host] == 0 {
			return fmt.Errorf("no indicated-name event for %s", host)
		}
		if completed[host] == 0 {
			return fmt.Errorf("no completion event for %s", host)
		}
	}
	if !sawClientCN {
		return fmt.Errorf("no completion event carried the client certificate CN")
	}
	if !sawHeartbeat {
		return fmt.Errorf("no heartbeat event recorded")
	}
	return nil
}
