package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for env vars and config files.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the keyscan identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "keyscan", EnvPrefix: "KEYSCAN", ConfigName: "keyscan"}
}

// EnvSpec maps one environment variable to a config key path.
type EnvSpec struct {
	Name string
	Path []string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile makes Load read path instead of searching the default
// locations. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// AppIdentity returns the identity used by the last Load, or nil.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load resolves the configuration and stores it for GetConfig. Later
// overrides win over earlier ones; nested maps address nested keys.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && val != "" {
			v.Set(strings.Join(spec.Path, "."), val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	normalize(&cfg)

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers the built-in value of every config key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("check.api", "auto")
	v.SetDefault("check.delay", "1s")

	v.SetDefault("backends.order", []string{})
	v.SetDefault("backends.timeout", "10s")
	v.SetDefault("backends.rate_limit", 0.0)
	v.SetDefault("backends.user_agent", "")

	v.SetDefault("jobs.log_limit", 100)
	v.SetDefault("jobs.dedupe", false)
	v.SetDefault("jobs.reports_dir", "")

	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.max_size_mb", 100)

	v.SetDefault("results.dir", "results")
	v.SetDefault("results.max_size_mb", 10000)

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return nil
}

// getUserConfigPaths lists candidate config files, lowest precedence
// first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}

	name := appIdentity.ConfigName + ".yaml"
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName, name))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appIdentity.ConfigName, name))
	}
	paths = append(paths, name)
	return dedupe(paths)
}

func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}

	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: []string{"server", "host"}},
		{Name: p + "PORT", Path: []string{"server", "port"}},
		{Name: p + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}},
		{Name: p + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}},
		{Name: p + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}},
		{Name: p + "LOG_LEVEL", Path: []string{"logging", "level"}},
		{Name: p + "LOG_PROFILE", Path: []string{"logging", "profile"}},
		{Name: p + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}},
		{Name: p + "METRICS_PORT", Path: []string{"metrics", "port"}},
		{Name: p + "HEALTH_ENABLED", Path: []string{"health", "enabled"}},
		{Name: p + "DEBUG", Path: []string{"debug", "enabled"}},
		{Name: p + "PPROF", Path: []string{"debug", "pprof_enabled"}},
		{Name: p + "WORKERS", Path: []string{"workers"}},
		{Name: p + "API", Path: []string{"check", "api"}},
		{Name: p + "DELAY", Path: []string{"check", "delay"}},
		{Name: p + "BACKENDS", Path: []string{"backends", "order"}},
		{Name: p + "BACKEND_TIMEOUT", Path: []string{"backends", "timeout"}},
		{Name: p + "BACKEND_RATE_LIMIT", Path: []string{"backends", "rate_limit"}},
		{Name: p + "USER_AGENT", Path: []string{"backends", "user_agent"}},
		{Name: p + "JOB_LOG_LIMIT", Path: []string{"jobs", "log_limit"}},
		{Name: p + "JOB_DEDUPE", Path: []string{"jobs", "dedupe"}},
		{Name: p + "REPORTS_DIR", Path: []string{"jobs", "reports_dir"}},
		{Name: p + "UPLOAD_DIR", Path: []string{"uploads", "dir"}},
		{Name: p + "UPLOAD_MAX_SIZE_MB", Path: []string{"uploads", "max_size_mb"}},
		{Name: p + "RESULTS_DIR", Path: []string{"results", "dir"}},
		{Name: p + "RESULTS_MAX_SIZE_MB", Path: []string{"results", "max_size_mb"}},
		{Name: p + "S3_REGION", Path: []string{"s3", "region"}},
		{Name: p + "S3_ENDPOINT", Path: []string{"s3", "endpoint"}},
		{Name: p + "S3_PROFILE", Path: []string{"s3", "profile"}},
		{Name: p + "S3_FORCE_PATH_STYLE", Path: []string{"s3", "force_path_style"}},
	}
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Check.API = strings.ToLower(strings.TrimSpace(cfg.Check.API))

	order := cfg.Backends.Order[:0]
	for _, name := range cfg.Backends.Order {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			order = append(order, name)
		}
	}
	cfg.Backends.Order = order
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
