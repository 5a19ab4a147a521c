// Package config loads the harness's tunables: environment overrides for
// the handful of documented variables (§6 of the spec), plus a YAML file
// for everything else (ring sizes, timers, glyph sets), following the
// layered env>file>default precedence the teacher uses for its own
// settings.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the spec, with defaults matching
// the values spec.md calls out explicitly.
type Config struct {
	// Process-level, overridable only via environment (spec.md §6).
	Port           int    `yaml:"-"`
	CredentialsDir string `yaml:"-"`
	DBPath         string `yaml:"-"`

	// Slot table.
	Slots int `yaml:"slots"`

	// C2 Output Ring & Log.
	RingCapacity  int           `yaml:"ring_capacity"`
	LineSoftMax   int           `yaml:"line_soft_max_bytes"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// C3 Wait-State Detector.
	DetectWindow    int           `yaml:"detect_window"`
	RunIdle         time.Duration `yaml:"run_idle"`
	InputIdle       time.Duration `yaml:"input_idle"`
	IdleIdle        time.Duration `yaml:"idle_idle"`
	Debounce        time.Duration `yaml:"debounce"`
	PromptGlyphs    []string      `yaml:"prompt_glyphs"`
	SpinnerGlyphs   []string      `yaml:"spinner_glyphs"`
	SpinnerWindow   time.Duration `yaml:"spinner_window"`

	// C1 PTY Session.
	KillGrace time.Duration `yaml:"kill_grace"`

	// Session Manager sweeps.
	StaleTimeout  time.Duration `yaml:"stale_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OrphanTimeout time.Duration `yaml:"orphan_timeout"`

	// C9 HTTP + WS Server.
	WSBufferMax int `yaml:"ws_buffer_max_bytes"`

	// Store error handling (§7).
	StoreRetryMax int `yaml:"store_retry_max"`
}

const (
	defaultPort           = 3333
	defaultDBPathSuffix   = "data/sessions.db"
	defaultCredentialsDir = "credentials"
)

// Default returns a Config populated with spec.md's documented defaults.
func Default() *Config {
	home, err := HomeDir()
	if err != nil {
		home = ".harness"
	}
	return &Config{
		Port:           defaultPort,
		CredentialsDir: filepath.Join(home, defaultCredentialsDir),
		DBPath:         filepath.Join(home, defaultDBPathSuffix),

		Slots: 4,

		RingCapacity:  10000,
		LineSoftMax:   4 * 1024,
		FlushInterval: 50 * time.Millisecond,

		DetectWindow:  8,
		RunIdle:       500 * time.Millisecond,
		InputIdle:     1500 * time.Millisecond,
		IdleIdle:      5 * time.Second,
		Debounce:      200 * time.Millisecond,
		PromptGlyphs:  []string{"❯"},
		SpinnerGlyphs: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		SpinnerWindow: 300 * time.Millisecond,

		KillGrace: 2 * time.Second,

		StaleTimeout:  10 * time.Minute,
		SweepInterval: 30 * time.Second,
		OrphanTimeout: 60 * time.Second,

		WSBufferMax: 1 * 1024 * 1024,

		StoreRetryMax: 3,
	}
}

// Load builds a Config from defaults, a YAML file (if present), and
// finally environment variables, in increasing precedence order.
func Load() (*Config, error) {
	cfg := Default()

	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	yamlPath := filepath.Join(home, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("HARNESS_PORT"); v != "" {
		if p, perr := strconv.Atoi(v); perr == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("HARNESS_CREDENTIALS_DIR"); v != "" {
		cfg.CredentialsDir = v
	}
	if v := os.Getenv("HARNESS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	return cfg, nil
}
