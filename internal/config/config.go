// Package config reads daemon settings from command-line flags and
// environment variables. Environment variables win over flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
)

const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

var (
	ErrInvalidPort      = errors.New("port must be between 0 and 65535")
	ErrInvalidColor     = errors.New("color must be auto, always or never")
	ErrInvalidSize      = errors.New("buffer and queue sizes must be positive")
	ErrInvalidRetention = errors.New("retention must not be negative")
	ErrEmptyDirectory   = errors.New("working directory must not be empty")
)

// Config holds every setting of the daemon.
type Config struct {
	Host           string
	Port           int
	StorageDir     string
	ReadBufferSize int
	QueueSize      int
	LogLevel       string
	Color          string
	Compress       bool
	RetentionDays  int
	StatusAddr     string // empty disables the status endpoint
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		StorageDir:     "./logs",
		ReadBufferSize: 4096,
		QueueSize:      65536,
		LogLevel:       "debug",
		Color:          ColorAuto,
	}
}

// Load parses args (without the program name) and then applies the
// LOGSINK_* variables returned by getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	fs := newFlagSet(&cfg, io.Discard)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Usage returns the flag help text.
func Usage() string {
	var b strings.Builder
	cfg := Default()
	newFlagSet(&cfg, &b).PrintDefaults()
	return b.String()
}

func newFlagSet(cfg *Config, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("logsink", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "TCP and UDP port")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP and UDP port")
	fs.StringVar(&cfg.StorageDir, "w", cfg.StorageDir, "directory for log files")
	fs.StringVar(&cfg.StorageDir, "working-directory", cfg.StorageDir, "directory for log files")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "TCP read size in bytes")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "entries buffered ahead of the writer")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "console level: debug, info, warning, error, critical")
	fs.StringVar(&cfg.Color, "color", cfg.Color, "console colors: auto, always, never")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "zstd-compress rotated files")
	fs.IntVar(&cfg.RetentionDays, "retention", cfg.RetentionDays, "days of files to keep, 0 keeps all")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "address of the status endpoint, empty disables it")
	return fs
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}

	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("LOGSINK_HOST", &cfg.Host)
	str("LOGSINK_DIR", &cfg.StorageDir)
	str("LOGSINK_LOG_LEVEL", &cfg.LogLevel)
	str("LOGSINK_COLOR", &cfg.Color)
	str("LOGSINK_STATUS_ADDR", &cfg.StatusAddr)
	for name, dst := range map[string]*int{
		"LOGSINK_PORT":           &cfg.Port,
		"LOGSINK_READ_BUFFER":    &cfg.ReadBufferSize,
		"LOGSINK_QUEUE_SIZE":     &cfg.QueueSize,
		"LOGSINK_RETENTION_DAYS": &cfg.RetentionDays,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(getenv("LOGSINK_COMPRESS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOGSINK_COMPRESS: %w", err)
		}
		cfg.Compress = b
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		return ErrEmptyDirectory
	}
	if c.ReadBufferSize <= 0 || c.QueueSize <= 0 {
		return ErrInvalidSize
	}
	if c.RetentionDays < 0 {
		return ErrInvalidRetention
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidColor, c.Color)
	}
	return nil
}

// Addr is the listen address shared by TCP and UDP.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ColorEnabled resolves the color mode for output f.
func (c Config) ColorEnabled(f *os.File) bool {
	switch c.Color {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
