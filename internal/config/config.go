// Package config loads keyscan service and CLI configuration.
//
// Layers, lowest precedence first: built-in defaults, a keyscan.yaml
// config file, a .env file, KEYSCAN_* environment variables and runtime
// overrides passed to Load.
package config

import "time"

// Config is the fully resolved configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Check    CheckConfig    `mapstructure:"check"`
	Backends BackendsConfig `mapstructure:"backends"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Results  ResultsConfig  `mapstructure:"results"`
	S3       S3Config       `mapstructure:"s3"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// CheckConfig holds defaults for jobs that do not set them explicitly.
type CheckConfig struct {
	API   string        `mapstructure:"api"`
	Delay time.Duration `mapstructure:"delay"`
}

// BackendsConfig configures the HTTP balance services.
type BackendsConfig struct {
	// Order restricts and orders services for auto and rotate modes.
	// Empty means the built-in catalog order.
	Order     []string      `mapstructure:"order"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	UserAgent string        `mapstructure:"user_agent"`
}

type JobsConfig struct {
	// LogLimit bounds each job's activity log. Negative keeps every
	// entry.
	LogLimit int `mapstructure:"log_limit"`

	// Dedupe makes a start request for a range that is already queued or
	// running return the existing job.
	Dedupe bool `mapstructure:"dedupe"`

	// ReportsDir receives one JSON report per finished job. Empty disables
	// reports.
	ReportsDir string `mapstructure:"reports_dir"`
}

type UploadsConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"`
}

type ResultsConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"`
}

// S3Config applies to s3:// inputs.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}
