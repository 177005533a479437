package rec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remmody/tlstap/config"
)

func testRecConfig(t *testing.T) config.RecordingConfig {
	t.Helper()
	return config.RecordingConfig{
		OutputPath:   filepath.Join(t.TempDir(), "test.rec"),
		MaxSizeBytes: 1 << 20,
		MaxAgeHours:  24,
		DumpOnExit:   true,
		Kinds: []config.KindConfig{
			{Name: config.KindClientIndicated, Enabled: true},
			{Name: config.KindHandshakeInfo, Enabled: true, ThresholdMS: 10},
			{Name: config.KindHeartbeat, Enabled: false},
		},
	}
}

func TestLifecycle(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)

	if s.ID() == "" {
		t.Error("session should have an id")
	}
	if s.Enabled(config.KindClientIndicated) {
		t.Error("nothing is enabled before Start")
	}
	if err := s.Start(); err == nil {
		t.Error("Start before Configure should fail")
	}

	// Commits on an unconfigured session are dropped, never an error.
	if err := s.Commit(Event{Kind: config.KindClientIndicated}); err != nil {
		t.Errorf("pre-start commit should be a no-op, got %v", err)
	}
	if _, dropped, _ := s.Counters(); dropped != 1 {
		t.Errorf("pre-start commit should count as dropped, got %d", dropped)
	}

	if err := s.Configure(rc); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := s.Configure(rc); err == nil {
		t.Error("second Configure should fail")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !s.Enabled(config.KindClientIndicated) {
		t.Error("client-indicated should be enabled while running")
	}
	if s.Enabled(config.KindHeartbeat) {
		t.Error("heartbeat is configured off")
	}
	if s.Enabled("unknown-kind") {
		t.Error("unknown kinds are disabled")
	}
	if set := s.KindSettings(config.KindHandshakeInfo); set.ThresholdMS != 10 {
		t.Errorf("unexpected threshold: %d", set.ThresholdMS)
	}

	d := int64(42)
	events := []Event{
		{Kind: config.KindClientIndicated, SNIHostname: "alpha.example.com", Role: config.KindClientIndicated, Origin: "goroutine-1"},
		{Kind: config.KindHandshakeInfo, SNIHostname: "alpha.example.com", Protocol: "TLS 1.3", DurationMS: &d, Role: RoleServer, Origin: "goroutine-1"},
	}
	for _, ev := range events {
		if err := s.Commit(ev); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	if err := s.Dump(); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	got, err := ReadFile(rc.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != config.KindClientIndicated || got[0].SNIHostname != "alpha.example.com" {
		t.Errorf("first event mismatch: %+v", got[0])
	}
	if got[1].Kind != config.KindHandshakeInfo || got[1].DurationMS == nil || *got[1].DurationMS != 42 {
		t.Errorf("second event mismatch: %+v", got[1])
	}
	if got[1].Role != RoleServer {
		t.Errorf("role not preserved: %q", got[1].Role)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStopDumpsPendingEvents(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	if err := s.Configure(rc); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.Commit(Event{Kind: config.KindClientIndicated, SNIHostname: "pending.example.com"})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, err := ReadFile(rc.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(got) != 1 || got[0].SNIHostname != "pending.example.com" {
		t.Errorf("final dump did not persist pending events: %+v", got)
	}
}

func TestStopWithoutDumpOnExit(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	rc.DumpOnExit = false
	if err := s.Configure(rc); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.Commit(Event{Kind: config.KindClientIndicated, SNIHostname: "lost.example.com"})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, err := ReadFile(rc.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("buffered events should be discarded without dump-on-exit: %+v", got)
	}
}

func TestStoppedSessionIsInert(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	if err := s.Configure(rc); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	// Everything after Stop is a logged no-op.
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
	if err := s.Dump(); err != nil {
		t.Errorf("Dump after Stop should be a no-op, got %v", err)
	}
	if err := s.Commit(Event{Kind: config.KindClientIndicated}); err != nil {
		t.Errorf("Commit after Stop should be a no-op, got %v", err)
	}
	if s.Enabled(config.KindClientIndicated) {
		t.Error("nothing is enabled after Stop")
	}

	_, dropped, _ := s.Counters()
	if dropped != 1 {
		t.Errorf("post-stop commit should count as dropped, got %d", dropped)
	}
}

func TestRotation(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	rc.MaxSizeBytes = 64 // every dump overflows the chunk
	if err := s.Configure(rc); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.Commit(Event{Kind: config.KindClientIndicated, SNIHostname: "one.example.com"})
	if err := s.Dump(); err != nil {
		t.Fatalf("first dump failed: %v", err)
	}

	rotated := rc.OutputPath + ".1"
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("rotated chunk missing: %v", err)
	}
	old, err := ReadFile(rotated)
	if err != nil {
		t.Fatalf("rotated chunk unreadable: %v", err)
	}
	if len(old) != 1 || old[0].SNIHostname != "one.example.com" {
		t.Errorf("rotated chunk content mismatch: %+v", old)
	}

	// Fresh chunk is header-only until the next dump.
	fresh, err := ReadFile(rc.OutputPath)
	if err != nil {
		t.Fatalf("fresh chunk unreadable: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("fresh chunk should be empty: %+v", fresh)
	}

	// A second rotation replaces the retained chunk.
	s.Commit(Event{Kind: config.KindClientIndicated, SNIHostname: "two.example.com"})
	if err := s.Dump(); err != nil {
		t.Fatalf("second dump failed: %v", err)
	}
	old, err = ReadFile(rotated)
	if err != nil {
		t.Fatalf("rotated chunk unreadable: %v", err)
	}
	if len(old) != 1 || old[0].SNIHostname != "two.example.com" {
		t.Errorf("retained chunk not replaced: %+v", old)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestExpiredRotatedChunkPruned(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	rc.MaxAgeHours = 24
	if err := s.Configure(rc); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	rotated := rc.OutputPath + ".1"
	if err := os.WriteFile(rotated, []byte("expired chunk"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(rotated, stale, stale); err != nil {
		t.Fatal(err)
	}

	// Any dump prunes an over-age rotated chunk, rotation or not.
	if err := s.Dump(); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if _, err := os.Stat(rotated); !os.IsNotExist(err) {
		t.Error("expired rotated chunk survived the dump")
	}

	// A chunk within the age cap is retained.
	if err := os.WriteFile(rotated, []byte("fresh chunk"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Dump(); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if _, err := os.Stat(rotated); err != nil {
		t.Errorf("fresh rotated chunk removed: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigureBadPath(t *testing.T) {
	s := NewSession()
	rc := testRecConfig(t)
	rc.OutputPath = filepath.Join(t.TempDir(), "no", "such", "dir", "x.rec")
	if err := s.Configure(rc); err == nil {
		t.Error("Configure with an unwritable path should fail")
	}
}
