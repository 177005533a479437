package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/remmody/tlstap/log"
	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()

	if c.Recording.OutputPath != "tls-handshake-capture.rec" {
		t.Errorf("unexpected default output path: %s", c.Recording.OutputPath)
	}
	if c.Recording.MaxSizeBytes != 100_000_000 {
		t.Errorf("unexpected default max size: %d", c.Recording.MaxSizeBytes)
	}
	if c.Recording.MaxAgeHours != 24 {
		t.Errorf("unexpected default max age: %d", c.Recording.MaxAgeHours)
	}
	if !c.Recording.DumpOnExit {
		t.Error("dump-on-exit should default to true")
	}
	if !c.Kind(KindClientIndicated).Enabled || !c.Kind(KindHandshakeInfo).Enabled {
		t.Error("capture kinds should be enabled by default")
	}
	if c.Kind(KindHeartbeat).Enabled {
		t.Error("heartbeat kind should be disabled by default")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestKindLookupUnknown(t *testing.T) {
	c := NewConfig()
	k := c.Kind("no-such-kind")
	if k.Enabled {
		t.Error("unknown kind should be disabled")
	}
	if k.Name != "no-such-kind" {
		t.Errorf("unexpected kind name: %s", k.Name)
	}
}

func TestSetKindEnabled(t *testing.T) {
	c := NewConfig()

	c.SetKindEnabled(KindHeartbeat, true)
	if !c.Kind(KindHeartbeat).Enabled {
		t.Error("heartbeat should be enabled after SetKindEnabled")
	}

	c.SetKindEnabled("custom-kind", true)
	if !c.Kind("custom-kind").Enabled {
		t.Error("SetKindEnabled should append unknown kinds")
	}
}

func TestNewConfigCopiesKinds(t *testing.T) {
	c := NewConfig()
	c.SetKindEnabled(KindHeartbeat, true)

	if DefaultConfig.Kind(KindHeartbeat).Enabled {
		t.Error("mutating a NewConfig must not leak into DefaultConfig")
	}
}

func TestDurationHelpers(t *testing.T) {
	c := NewConfig()
	if c.MaxAge() != 24*time.Hour {
		t.Errorf("unexpected max age: %s", c.MaxAge())
	}
	if c.CorrelationTTL() != 120*time.Second {
		t.Errorf("unexpected correlation TTL: %s", c.CorrelationTTL())
	}
	if c.DiagInterval() != 30*time.Second {
		t.Errorf("unexpected diag interval: %s", c.DiagInterval())
	}
}

func TestApplyLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.LevelDebug},
		{"trace", log.LevelTrace},
		{"info", log.LevelInfo},
		{"error", log.LevelError},
		{"silent", -1},
		{"bogus", log.LevelInfo},
	}
	for _, tt := range tests {
		c := NewConfig()
		c.ApplyLogLevel(tt.in)
		if c.Logging.Level != tt.want {
			t.Errorf("ApplyLogLevel(%q) = %d, want %d", tt.in, c.Logging.Level, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty output", func(c *Config) { c.Recording.OutputPath = "" }, true},
		{"tiny max size", func(c *Config) { c.Recording.MaxSizeBytes = 100 }, true},
		{"negative max age", func(c *Config) { c.Recording.MaxAgeHours = -1 }, true},
		{"zero ttl", func(c *Config) { c.Correlation.TTLSeconds = 0 }, true},
		{"zero interval", func(c *Config) { c.Diagnostics.IntervalSeconds = 0 }, true},
		{"bad port", func(c *Config) { c.WebServer.Port = 70000 }, true},
		{"valid port", func(c *Config) { c.WebServer.Port = 8080 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	c := NewConfig()
	c.Recording.OutputPath = "/var/lib/tlstap/capture.rec"
	c.Recording.MaxSizeBytes = 50_000_000
	c.Correlation.TTLSeconds = 60
	c.Diagnostics.Debug = true
	c.WebServer.Port = 8090
	c.SetKindEnabled(KindHeartbeat, true)

	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewConfig()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if diff := cmp.Diff(c, loaded); diff != "" {
		t.Errorf("config round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestBindFlags(t *testing.T) {
	c := NewConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)

	err := fs.Parse([]string{
		"--output=/tmp/override.rec",
		"--max-size=8192",
		"--correlation-ttl=15",
		"--debug",
		"--seam-sniffer=false",
		"--web-port=9000",
	})
	if err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}

	if c.Recording.OutputPath != "/tmp/override.rec" {
		t.Errorf("output not bound: %s", c.Recording.OutputPath)
	}
	if c.Recording.MaxSizeBytes != 8192 {
		t.Errorf("max-size not bound: %d", c.Recording.MaxSizeBytes)
	}
	if c.Correlation.TTLSeconds != 15 {
		t.Errorf("correlation-ttl not bound: %d", c.Correlation.TTLSeconds)
	}
	if !c.Diagnostics.Debug {
		t.Error("debug not bound")
	}
	if c.Intercept.SnifferSeam {
		t.Error("seam-sniffer not bound")
	}
	if c.WebServer.Port != 9000 {
		t.Errorf("web-port not bound: %d", c.WebServer.Port)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	c := NewConfig()
	if err := c.LoadFromFile(""); err == nil {
		t.Error("empty path should fail")
	}
	if err := c.LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
	if err := c.LoadFromFile(t.TempDir()); err == nil {
		t.Error("directory path should fail")
	}
}
