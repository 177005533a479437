package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/remmody/tlstap/log"
	"github.com/spf13/pflag"
)

// Event kinds known to the recorder. Kind names are free text on the wire;
// these are the ones the capture hooks emit.
const (
	KindClientIndicated = "client-indicated"
	KindHandshakeInfo   = "handshake-info"
	KindHeartbeat       = "heartbeat"
)

type Config struct {
	ConfigPath string `json:"-"`

	Recording   RecordingConfig   `json:"recording"`
	Correlation CorrelationConfig `json:"correlation"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Intercept   InterceptConfig   `json:"intercept"`
	WebServer   WebServerConfig   `json:"web_server"`
	Logging     Logging           `json:"logging"`
}

type RecordingConfig struct {
	OutputPath   string       `json:"output_path"`
	MaxSizeBytes int64        `json:"max_size_bytes"`
	MaxAgeHours  int          `json:"max_age_hours"`
	DumpOnExit   bool         `json:"dump_on_exit"`
	Kinds        []KindConfig `json:"kinds"`
}

// KindConfig carries per-event-kind recording settings.
type KindConfig struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	ThresholdMS int64  `json:"threshold_ms"`
	WithStack   bool   `json:"with_stack"`
}

type CorrelationConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type DiagnosticsConfig struct {
	Debug           bool `json:"debug"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// InterceptConfig selects which seams are active. A disabled seam is a
// silent no-op, same as a seam the host never exercises.
type InterceptConfig struct {
	ConfigSeam  bool `json:"config_seam"`
	SnifferSeam bool `json:"sniffer_seam"`
}

type WebServerConfig struct {
	Port int `json:"port"`
}

type Logging struct {
	Level      log.Level `json:"level"`
	Instaflush bool      `json:"instaflush"`
	ErrorFile  string    `json:"error_file"`
}

var DefaultConfig = Config{
	Recording: RecordingConfig{
		OutputPath:   "tls-handshake-capture.rec",
		MaxSizeBytes: 100_000_000,
		MaxAgeHours:  24,
		DumpOnExit:   true,
		Kinds: []KindConfig{
			{Name: KindClientIndicated, Enabled: true},
			{Name: KindHandshakeInfo, Enabled: true},
			{Name: KindHeartbeat, Enabled: false},
		},
	},
	Correlation: CorrelationConfig{
		TTLSeconds: 120,
	},
	Diagnostics: DiagnosticsConfig{
		Debug:           false,
		IntervalSeconds: 30,
	},
	Intercept: InterceptConfig{
		ConfigSeam:  true,
		SnifferSeam: true,
	},
	WebServer: WebServerConfig{
		Port: 0,
	},
	Logging: Logging{
		Level:      log.LevelInfo,
		Instaflush: true,
	},
}

func NewConfig() Config {
	c := DefaultConfig
	c.Recording.Kinds = append([]KindConfig{}, DefaultConfig.Recording.Kinds...)
	return c
}

// Kind returns the settings for a named event kind. Unknown kinds are
// disabled.
func (c *Config) Kind(name string) KindConfig {
	for _, k := range c.Recording.Kinds {
		if k.Name == name {
			return k
		}
	}
	return KindConfig{Name: name}
}

func (c *Config) SetKindEnabled(name string, enabled bool) {
	for i := range c.Recording.Kinds {
		if c.Recording.Kinds[i].Name == name {
			c.Recording.Kinds[i].Enabled = enabled
			return
		}
	}
	c.Recording.Kinds = append(c.Recording.Kinds, KindConfig{Name: name, Enabled: enabled})
}

func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Recording.MaxAgeHours) * time.Hour
}

func (c *Config) CorrelationTTL() time.Duration {
	return time.Duration(c.Correlation.TTLSeconds) * time.Second
}

func (c *Config) DiagInterval() time.Duration {
	return time.Duration(c.Diagnostics.IntervalSeconds) * time.Second
}

func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return log.Errorf("config path is not specified")
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	err = json.Unmarshal(data, c)
	if err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	return nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Recording.OutputPath, "output", c.Recording.OutputPath, "Recording output path")
	fs.Int64Var(&c.Recording.MaxSizeBytes, "max-size", c.Recording.MaxSizeBytes, "Recording rotation threshold in bytes")
	fs.IntVar(&c.Recording.MaxAgeHours, "max-age", c.Recording.MaxAgeHours, "Rotated recording retention in hours")
	fs.BoolVar(&c.Recording.DumpOnExit, "dump-on-exit", c.Recording.DumpOnExit, "Flush the recording on shutdown")

	fs.IntVar(&c.Correlation.TTLSeconds, "correlation-ttl", c.Correlation.TTLSeconds, "Seconds before an unclaimed handshake entry is evicted")

	fs.BoolVar(&c.Diagnostics.Debug, "debug", c.Diagnostics.Debug, "Enable the diagnostics loop and verbose logging")
	fs.IntVar(&c.Diagnostics.IntervalSeconds, "diag-interval", c.Diagnostics.IntervalSeconds, "Diagnostics loop interval in seconds")

	fs.BoolVar(&c.Intercept.ConfigSeam, "seam-config", c.Intercept.ConfigSeam, "Enable the tls.Config callback seam")
	fs.BoolVar(&c.Intercept.SnifferSeam, "seam-sniffer", c.Intercept.SnifferSeam, "Enable the ClientHello sniffer seam")

	fs.IntVar(&c.WebServer.Port, "web-port", c.WebServer.Port, "Port for the diagnostics web server (0 disables)")

	fs.BoolVarP(&c.Logging.Instaflush, "instaflush", "i", c.Logging.Instaflush, "Flush logs immediately")
	fs.StringVar(&c.Logging.ErrorFile, "error-file", c.Logging.ErrorFile, "Mirror error output into this file")
}

func (c *Config) ApplyLogLevel(level string) {
	switch level {
	case "debug":
		c.Logging.Level = log.LevelDebug
	case "trace":
		c.Logging.Level = log.LevelTrace
	case "info":
		c.Logging.Level = log.LevelInfo
	case "error":
		c.Logging.Level = log.LevelError
	case "silent":
		c.Logging.Level = -1
	default:
		c.Logging.Level = log.LevelInfo
	}
}

func (c *Config) Validate() error {
	if c.Recording.OutputPath == "" {
		return fmt.Errorf("--output must not be empty")
	}
	if c.Recording.MaxSizeBytes < 4096 {
		return fmt.Errorf("max-size must be at least 4096 bytes")
	}
	if c.Recording.MaxAgeHours < 0 {
		return fmt.Errorf("max-age must not be negative")
	}
	if c.Correlation.TTLSeconds < 1 {
		return fmt.Errorf("correlation-ttl must be at least 1 second")
	}
	if c.Diagnostics.IntervalSeconds < 1 {
		return fmt.Errorf("diag-interval must be at least 1 second")
	}
	if c.WebServer.Port < 0 || c.WebServer.Port > 65535 {
		return fmt.Errorf("web-port must be between 0 and 65535")
	}
	return nil
}
