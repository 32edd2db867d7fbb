package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration. Values are resolved in order:
// built-in defaults, command line flags, optional TOML file, environment.
type Config struct {
	ListenAddr      string
	DBPath          string
	VideoDir        string
	TmpDir          string
	Workers         int
	MaxRetries      int
	IntakeBuffer    int
	RetryBackoff    time.Duration
	FetchTimeout    time.Duration
	DownloadTimeout time.Duration
	LogLevel        string
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "autotube", "autotube.db")
}

// DefaultVideoDir returns the default final video directory.
func DefaultVideoDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// DefaultTmpDir returns the default root for per-attempt temp directories.
func DefaultTmpDir() string {
	return filepath.Join(os.TempDir(), "autotube")
}

// Load parses flags, an optional config file and environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}
	var configPath string

	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:22408", "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", DefaultDBPath(), "SQLite database path")
	flag.StringVar(&cfg.VideoDir, "video-dir", DefaultVideoDir(), "Final video directory")
	flag.StringVar(&cfg.TmpDir, "tmp-dir", DefaultTmpDir(), "Root for per-attempt temp directories")
	flag.IntVar(&cfg.Workers, "workers", 3, "Concurrent download workers")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum download attempts per job")
	flag.IntVar(&cfg.IntakeBuffer, "intake-buffer", 256, "Job queue buffer size")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", 30*time.Second, "Base delay before a retry, doubled per attempt")
	flag.DurationVar(&cfg.FetchTimeout, "fetch-timeout", 30*time.Second, "Feed fetch timeout")
	flag.DurationVar(&cfg.DownloadTimeout, "download-timeout", 30*time.Minute, "Single download attempt timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	flag.Parse()

	if configPath != "" {
		if err := LoadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// fileConfig mirrors Config for TOML decoding. Pointer fields so that keys
// absent from the file leave the current value alone.
type fileConfig struct {
	ListenAddr      *string `toml:"listen_addr"`
	DBPath          *string `toml:"db_path"`
	VideoDir        *string `toml:"video_dir"`
	TmpDir          *string `toml:"tmp_dir"`
	Workers         *int    `toml:"workers"`
	MaxRetries      *int    `toml:"max_retries"`
	IntakeBuffer    *int    `toml:"intake_buffer"`
	RetryBackoff    *string `toml:"retry_backoff"`
	FetchTimeout    *string `toml:"fetch_timeout"`
	DownloadTimeout *string `toml:"download_timeout"`
	LogLevel        *string `toml:"log_level"`
}

// LoadFile applies settings from a TOML file on top of cfg.
func LoadFile(path string, cfg *Config) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		*dst = d
		return nil
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.VideoDir, fc.VideoDir)
	setString(&cfg.TmpDir, fc.TmpDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setInt(&cfg.Workers, fc.Workers)
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setInt(&cfg.IntakeBuffer, fc.IntakeBuffer)
	for _, pair := range []struct {
		dst *time.Duration
		src *string
	}{
		{&cfg.RetryBackoff, fc.RetryBackoff},
		{&cfg.FetchTimeout, fc.FetchTimeout},
		{&cfg.DownloadTimeout, fc.DownloadTimeout},
	} {
		if err := setDuration(pair.dst, pair.src); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv applies AUTOTUBE_* environment overrides on top of cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("AUTOTUBE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AUTOTUBE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOTUBE_VIDEO_DIR"); v != "" {
		cfg.VideoDir = v
	}
	if v := os.Getenv("AUTOTUBE_TMP_DIR"); v != "" {
		cfg.TmpDir = v
	}
	if v := os.Getenv("AUTOTUBE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("AUTOTUBE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("AUTOTUBE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
