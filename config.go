package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries everything the server needs to run. Values come from the
// built-in defaults, then an optional YAML file, then MATHOM_* environment
// variables, in that order.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	GC      GCConfig      `yaml:"gc"`
}

// HTTPConfig configures the listener. UploadIdleTimeout bounds how long an
// upload body may stall between chunks before the request fails, zero
// disables the bound.
type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	UploadIdleTimeout Duration `yaml:"upload_idle_timeout"`
}

// StorageConfig configures where payloads live and how much may be stored.
// SpoolDir defaults to a directory under DataDir, which keeps spools and
// payloads on one file system.
type StorageConfig struct {
	DataDir     string   `yaml:"data_dir"`
	SpoolDir    string   `yaml:"spool_dir"`
	Capacity    ByteSize `yaml:"capacity"`
	MaxFileSize ByteSize `yaml:"max_file_size"`
}

// ExpiryConfig bounds the lifetime of stored files.
type ExpiryConfig struct {
	Default Duration `yaml:"default"`
	Max     Duration `yaml:"max"`
}

// GCConfig configures the collection cadence.
type GCConfig struct {
	Interval Duration `yaml:"interval"`
	Grace    Duration `yaml:"grace"`
}

var defaultConfig = Config{
	HTTP: HTTPConfig{
		Addr:              ":5555",
		ReadHeaderTimeout: Duration(10 * time.Second),
		IdleTimeout:       Duration(120 * time.Second),
		UploadIdleTimeout: Duration(60 * time.Second),
	},
	Storage: StorageConfig{
		DataDir:     "/var/lib/mathom",
		Capacity:    ByteSize(100 << 30),
		MaxFileSize: ByteSize(10 << 30),
	},
	Expiry: ExpiryConfig{
		Default: Duration(168 * time.Hour),
		Max:     Duration(720 * time.Hour),
	},
	GC: GCConfig{
		Interval: Duration(time.Minute),
		Grace:    Duration(time.Hour),
	},
}

// loadConfig resolves the effective configuration. An explicitly named file
// must exist, the well-known locations are optional.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig

	candidates := []string{
		path,
		os.Getenv("MATHOM_CONFIG"),
		"mathom.yaml",
		"/etc/mathom/mathom.yaml",
	}

	for i, candidate := range candidates {
		if candidate == "" {
			continue
		}

		raw, err := os.ReadFile(candidate)
		if err != nil {
			if os.IsNotExist(err) && i > 1 {
				continue
			}
			return cfg, err
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", candidate, err)
		}
		break
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MATHOM_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("MATHOM_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("MATHOM_SPOOL_DIR"); v != "" {
		c.Storage.SpoolDir = v
	}

	if v := os.Getenv("MATHOM_CAPACITY"); v != "" {
		size, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("MATHOM_CAPACITY: %w", err)
		}
		c.Storage.Capacity = size
	}
	if v := os.Getenv("MATHOM_MAX_FILE_SIZE"); v != "" {
		size, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("MATHOM_MAX_FILE_SIZE: %w", err)
		}
		c.Storage.MaxFileSize = size
	}

	for _, d := range []struct {
		env string
		dst *Duration
	}{
		{"MATHOM_UPLOAD_IDLE_TIMEOUT", &c.HTTP.UploadIdleTimeout},
		{"MATHOM_EXPIRY_DEFAULT", &c.Expiry.Default},
		{"MATHOM_EXPIRY_MAX", &c.Expiry.Max},
		{"MATHOM_GC_INTERVAL", &c.GC.Interval},
		{"MATHOM_GC_GRACE", &c.GC.Grace},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = Duration(parsed)
	}

	return nil
}

// Validate reports the first nonsensical setting.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr not set")
	}
	if c.HTTP.UploadIdleTimeout < 0 {
		return fmt.Errorf("http.upload_idle_timeout must not be negative")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir not set")
	}
	if c.Storage.Capacity <= 0 {
		return fmt.Errorf("storage.capacity must be positive")
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be positive")
	}
	if c.Storage.MaxFileSize > c.Storage.Capacity {
		return fmt.Errorf("storage.max_file_size larger than storage.capacity")
	}
	if c.Expiry.Default <= 0 {
		return fmt.Errorf("expiry.default must be positive")
	}
	if c.Expiry.Max <= 0 {
		return fmt.Errorf("expiry.max must be positive")
	}
	if c.Expiry.Default > c.Expiry.Max {
		return fmt.Errorf("expiry.default larger than expiry.max")
	}
	if c.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be positive")
	}
	if c.GC.Grace < 0 {
		return fmt.Errorf("gc.grace must not be negative")
	}
	return nil
}

// Duration decodes YAML values like "90s" or "168h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ByteSize decodes YAML values like "512", "100MiB" or "1 gb".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

var byteUnits = map[string]uint{
	"":    0,
	"b":   0,
	"k":   10,
	"kb":  10,
	"kib": 10,
	"m":   20,
	"mb":  20,
	"mib": 20,
	"g":   30,
	"gb":  30,
	"gib": 30,
	"t":   40,
	"tb":  40,
	"tib": 40,
}

func parseByteSize(s string) (ByteSize, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("parse size %q: no digits", s)
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}

	unit := strings.TrimSpace(s[i:])
	shift, ok := byteUnits[unit]
	if !ok {
		return 0, fmt.Errorf("parse size %q: unknown unit %q", s, unit)
	}
	if n > math.MaxInt64>>shift {
		return 0, fmt.Errorf("parse size %q: overflows", s)
	}

	return ByteSize(n << shift), nil
}
