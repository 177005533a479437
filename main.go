package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/diag"
	tlshttp "github.com/remmody/tlstap/http"
	"github.com/remmody/tlstap/intercept"
	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/tap"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	listenAddr  string
	maxConns    int

	saveConfigPath string

	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "tlstap",
	Short: "TLS handshake capture agent",
	Long:  `tlstap observes in-process TLS handshakes and records indicated hostnames, negotiated parameters, and peer identities to a rotating binary recording`,
	RunE:  runServe,
}

func init() {
	cfg.BindFlags(rootCmd.Flags())

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, error, silent)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
	rootCmd.Flags().StringVarP(&cfg.ConfigPath, "config", "c", "", "Load configuration from a JSON file (overrides other flags)")
	rootCmd.Flags().StringVar(&saveConfigPath, "save-config", "", "Write the effective configuration to a JSON file and exit")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":8443", "Demo TLS server listen address")
	rootCmd.Flags().IntVar(&maxConns, "max-conns", 256, "Concurrent connection cap for the demo server")

	rootCmd.AddCommand(printCmd, summaryCmd, selftestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("tlstap version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	if cfg.ConfigPath != "" {
		if err := cfg.LoadFromFile(cfg.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if saveConfigPath != "" {
		if err := cfg.SaveToFile(saveConfigPath); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", saveConfigPath)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	if cfg.Diagnostics.Debug && cfg.Logging.Level < log.LevelDebug {
		cfg.Logging.Level = log.LevelDebug
	}
	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %v", err)
	}

	log.Infof("Starting tlstap capture agent")

	t := tap.New(&cfg)
	captureActive := true
	if err := t.Start(); err != nil {
		// Capture must never block the host's primary function: run on
		// without recording capability.
		log.Errorf("FATAL for capture subsystem: %v", err)
		captureActive = false
	} else {
		log.Infof("Recording session %s active: %s", t.Session().ID(), cfg.Recording.OutputPath)
	}

	httpServer, err := tlshttp.StartServer(&cfg, t)
	if err != nil {
		return log.Errorf("failed to start diagnostics web server: %v", err)
	}

	cert, err := selfSignedCert("localhost")
	if err != nil {
		return log.Errorf("failed to generate demo certificate: %v", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if captureActive && cfg.Intercept.ConfigSeam {
		tlsCfg = intercept.Server(t, tlsCfg)
	}

	rawLn, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return log.Errorf("failed to listen on %s: %v", listenAddr, err)
	}
	rawLn = netutil.LimitListener(rawLn, maxConns)
	if captureActive && cfg.Intercept.SnifferSeam {
		rawLn = intercept.NewListener(t, rawLn)
	}
	ln := tls.NewListener(rawLn, tlsCfg)
	log.Infof("Demo TLS server listening on %s", rawLn.Addr())

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				log.Warnf("Accept error: %v", err)
				continue
			}
			go echo(conn)
		}
	})

	if cfg.Diagnostics.Debug && captureActive {
		loop := diag.New(t, &cfg)
		g.Go(func() error {
			loop.Run(gctx)
			return nil
		})
	}

	log.Infof("tlstap is running. Press Ctrl+C to stop")
	<-ctx.Done()
	log.Infof("Shutdown signal received")

	_ = g.Wait()
	return gracefulShutdown(t, httpServer)
}

// echo serves one demo connection; the handshake (and with it every capture
// hook) fires on the first read.
func echo(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.Copy(conn, conn); err != nil {
		log.Tracef("Echo connection ended: %v", err)
	}
}

func gracefulShutdown(t *tap.Tap, httpServer *stdhttp.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		log.Infof("Shutting down diagnostics web server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Web server shutdown error: %v", err)
		}
	}
	tlshttp.Shutdown()

	// Final flush and terminal stop of the recording session.
	t.Shutdown()

	log.Infof("tlstap stopped")
	log.CloseErrorFile()
	log.Flush()
	return nil
}

func initLogging(cfg *config.Config) error {
	var w io.Writer = log.OrigStderr()
	if cfg.WebServer.Port > 0 {
		w = io.MultiWriter(log.OrigStderr(), tlshttp.LogWriter())
	}
	log.Init(w, cfg.Logging.Level, cfg.Logging.Instaflush)

	if cfg.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", cfg.Logging.ErrorFile)
		}
	}
	return nil
}
