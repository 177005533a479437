// Package http serves the diagnostics surface: a status/config JSON API
// and a websocket log stream. Counters and log lines only; captured
// events never leave the process.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/http/ws"
	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/tap"
)

func StartServer(cfg *config.Config, t *tap.Tap) (*stdhttp.Server, error) {
	if cfg.WebServer.Port == 0 {
		log.Infof("Diagnostics web server disabled (port 0)")
		return nil, nil
	}

	mux := stdhttp.NewServeMux()

	mux.HandleFunc("/api/ws/logs", ws.HandleLogsWebSocket)
	mux.HandleFunc("/api/status", handleStatus(t))
	mux.HandleFunc("/api/config", handleConfig(cfg))

	var httpHandler stdhttp.Handler = mux
	httpHandler = cors(httpHandler)

	addr := fmt.Sprintf(":%d", cfg.WebServer.Port)
	log.Infof("Starting diagnostics web server on %s", addr)

	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			log.Errorf("Diagnostics web server error: %v", err)
		}
	}()

	return srv, nil
}

func handleStatus(t *tap.Tap) stdhttp.HandlerFunc {
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if r.Method != stdhttp.MethodGet {
			stdhttp.Error(w, "method not allowed", stdhttp.StatusMethodNotAllowed)
			return
		}
		t.Metrics().SetStoreGauge(t.Store().Len())
		writeJSON(w, map[string]any{
			"session": t.Session().ID(),
			"metrics": t.Metrics().Snapshot(),
		})
	}
}

func handleConfig(cfg *config.Config) stdhttp.HandlerFunc {
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if r.Method != stdhttp.MethodGet {
			stdhttp.Error(w, "method not allowed", stdhttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, cfg)
	}
}

func writeJSON(w stdhttp.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Tracef("Failed to write JSON response: %v", err)
	}
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogWriter exposes the websocket broadcast writer for log fan-out.
func LogWriter() io.Writer {
	return ws.LogWriter()
}

func Shutdown() {
	ws.Shutdown()
}
