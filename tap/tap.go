// Package tap holds the capture hooks and the event emitter. Hooks run
// synchronously on whichever goroutine the host's handshake code is on, so
// they do a type check, a decode, and a map operation at most, and they
// never, under any input, let a failure escape into the host's TLS path.
package tap

import (
	"bytes"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/remmody/tlstap/config"
	"github.com/remmody/tlstap/correlate"
	"github.com/remmody/tlstap/log"
	"github.com/remmody/tlstap/metrics"
	"github.com/remmody/tlstap/rec"
	"github.com/remmody/tlstap/sni"
)

// PeerInfo is what a seam knows about the connection at hook time. Any
// field may be zero.
type PeerInfo struct {
	Role         string
	ResolvedHost string
	PeerAddr     string
	PeerPort     int
	Protocol     string
	CipherSuite  string
	PeerCertCN   string
}

// Tap is the process-scoped capture context: it owns the correlation store,
// the recording session, and the counters. Construct one and hand it by
// reference to the interception seams; there are no ambient singletons.
type Tap struct {
	cfg     *config.Config
	store   *correlate.Store
	session *rec.Session
	coll    *metrics.Collector

	now func() time.Time
}

func New(cfg *config.Config) *Tap {
	return &Tap{
		cfg:     cfg,
		store:   correlate.NewStore(),
		session: rec.NewSession(),
		coll:    metrics.NewCollector(),
		now:     time.Now,
	}
}

// Start configures and starts the recording session. A failure here is
// fatal to the capture subsystem only: the caller logs it and the host
// process continues without capture capability.
func (t *Tap) Start() error {
	if err := t.session.Configure(t.cfg.Recording); err != nil {
		return err
	}
	return t.session.Start()
}

// Shutdown performs the final dump and stops the session. Safe to call
// more than once.
func (t *Tap) Shutdown() {
	log.Infof("Capture shutdown - %d events captured", t.coll.Captures())
	if err := t.session.Stop(); err != nil {
		log.Errorf("Recording stop error: %v", err)
	}
}

func (t *Tap) Session() *rec.Session       { return t.session }
func (t *Tap) Store() *correlate.Store     { return t.store }
func (t *Tap) Metrics() *metrics.Collector { return t.coll }

// ConnKey derives the correlation key for a connection from its peer
// address ("ip:port").
func ConnKey(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

// OnServerNames is the indicated-name hook. It filters the typed list for
// the hostname type (discriminator 0), takes the first match, stores it for
// the completion hook, and emits an immediate stage-tagged event when that
// kind is enabled.
func (t *Tap) OnServerNames(key string, names []sni.ServerName, peer PeerInfo) {
	defer t.guard("OnServerNames")

	host, ok := sni.Hostname(names)
	if !ok {
		return
	}

	t.store.PutHostname(key, host)
	log.Tracef("SNI captured: %s (conn %s)", host, key)

	if !t.session.Enabled(config.KindClientIndicated) {
		return
	}

	ev := rec.Event{
		Kind:         config.KindClientIndicated,
		SNIHostname:  host,
		ResolvedHost: peer.ResolvedHost,
		PeerAddress:  peer.PeerAddr,
		PeerPort:     peer.PeerPort,
		Role:         config.KindClientIndicated,
	}
	if peer.Role != "" {
		ev.Role = peer.Role
	}
	t.emit(&ev)
}

// OnHandshakeStart records the start timestamp for later duration
// computation.
func (t *Tap) OnHandshakeStart(key string) {
	defer t.guard("OnHandshakeStart")
	t.store.PutStart(key, t.now())
}

// OnHandshakeDone is the completion hook: it claims whatever the earlier
// hooks stored for this connection and emits the correlated event. Either
// side of the correlation may be missing; the event carries what exists.
func (t *Tap) OnHandshakeDone(key string, peer PeerInfo) {
	defer t.guard("OnHandshakeDone")

	if !t.session.Enabled(config.KindHandshakeInfo) {
		// Consume the entry anyway so it cannot go stale.
		t.store.Claim(key)
		return
	}

	ev := rec.Event{
		Kind:         config.KindHandshakeInfo,
		ResolvedHost: peer.ResolvedHost,
		PeerAddress:  peer.PeerAddr,
		PeerPort:     peer.PeerPort,
		Protocol:     peer.Protocol,
		CipherSuite:  peer.CipherSuite,
		PeerCertCN:   peer.PeerCertCN,
		Role:         peer.Role,
	}
	if ev.Role == "" {
		ev.Role = config.KindHandshakeInfo
	}

	if entry, ok := t.store.Claim(key); ok {
		ev.ConnID = entry.ConnID
		if entry.HasHostname {
			ev.SNIHostname = entry.Hostname
		}
		if entry.HasStart {
			d := t.now().Sub(entry.StartedAt).Milliseconds()
			if d < 0 {
				d = 0
			}
			if set := t.session.KindSettings(config.KindHandshakeInfo); d < set.ThresholdMS {
				log.Tracef("Handshake under threshold (%dms), not recorded", d)
				return
			}
			ev.DurationMS = &d
		}
	}

	t.emit(&ev)
}

// Heartbeat emits the synthetic diagnostics event that lets operators tell
// "no traffic" from "capture broken".
func (t *Tap) Heartbeat() {
	defer t.guard("Heartbeat")

	if !t.session.Enabled(config.KindHeartbeat) {
		return
	}
	t.emit(&rec.Event{
		Kind: config.KindHeartbeat,
		Role: config.KindHeartbeat,
	})
}

// emit finalizes and commits one event. Commit failures are logged and
// swallowed.
func (t *Tap) emit(ev *rec.Event) {
	ev.Time = t.now()
	ev.Origin = originLabel()
	if set := t.session.KindSettings(ev.Kind); set.WithStack {
		ev.Stack = stackExcerpt()
	}

	if err := t.session.Commit(*ev); err != nil {
		t.coll.RecordDrop()
		log.Errorf("Event commit failed: %v", err)
		return
	}
	t.coll.RecordCapture(ev.Kind, ev.SNIHostname)
	log.Debugf("Event committed: kind=%s sni=%q role=%s", ev.Kind, ev.SNIHostname, ev.Role)
}

// guard is the hook boundary: recover everything, count it, move on.
func (t *Tap) guard(hook string) {
	if r := recover(); r != nil {
		t.coll.RecordSuppressed()
		log.Debugf("Suppressed %s failure: %v", hook, r)
	}
}

// originLabel identifies the emitting goroutine. Goroutines have no names;
// the numeric id from the stack header is the closest stable stand-in.
func originLabel() string {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// "goroutine 12 [running]:"
	fields := bytes.Fields(buf)
	if len(fields) >= 2 {
		if id, err := strconv.ParseUint(string(fields[1]), 10, 64); err == nil {
			return fmt.Sprintf("goroutine-%d", id)
		}
	}
	return "goroutine-unknown"
}

// stackExcerpt captures a short stack for kinds configured with_stack.
func stackExcerpt() string {
	buf := make([]byte, 2048)
	buf = buf[:runtime.Stack(buf, false)]
	return string(buf)
}

// SplitHostPort breaks a correlation key back into address and port for
// event fields. Malformed keys yield the whole key as address.
func SplitHostPort(key string) (string, int) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return key, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
