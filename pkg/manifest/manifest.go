// Package manifest loads keyscan job manifests.
//
// A job manifest is a YAML or JSON file describing one check run: where
// the keys come from, how balances are looked up, and where results go.
// Unknown fields are rejected.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: cold-storage-audit
//	input:
//	  path: s3://audit-bucket/keys/batch-07.txt
//	  s3:
//	    region: eu-west-1
//	check:
//	  api: rotate
//	  delay: 500ms
//	  start: 0
//	  end: 5000
//	backends:
//	  order: [mempool, blockstream, blockchain]
//	  timeout: 8s
//	output:
//	  path: results/found.csv
//	  max_size_mb: 100
//	  summary: results/reports
package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/source"
)

// CurrentVersion is the only supported manifest version.
const CurrentVersion = "1.0"

// Manifest represents a job manifest.
//
// Input.Path is required. Everything else has defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the job in logs and reports. Defaults to the input path.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Input    InputConfig    `json:"input" yaml:"input"`
	Check    CheckConfig    `json:"check,omitempty" yaml:"check,omitempty"`
	Backends BackendsConfig `json:"backends,omitempty" yaml:"backends,omitempty"`
	Output   OutputConfig   `json:"output,omitempty" yaml:"output,omitempty"`
}

// InputConfig locates the key list.
type InputConfig struct {
	// Path is a local file or an s3://bucket/key URI.
	Path string `json:"path" yaml:"path"`

	// S3 configures access for s3:// inputs. Optional.
	S3 *S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3Config configures the S3 client for s3:// inputs.
type S3Config struct {
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// CheckConfig controls how keys are checked.
type CheckConfig struct {
	// API is "auto", "rotate" or a backend name. Default: auto.
	API string `json:"api,omitempty" yaml:"api,omitempty"`

	// Delay is the pause between lookups. Accepts a Go duration string or
	// a number of seconds. Default: 1s.
	Delay *Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Start is the first zero-based line to check.
	Start int `json:"start,omitempty" yaml:"start,omitempty"`

	// End is the exclusive end line. Omit for end of input.
	End *int `json:"end,omitempty" yaml:"end,omitempty"`
}

// BackendsConfig tunes balance lookups.
type BackendsConfig struct {
	// Order restricts and orders backends for auto and rotate modes.
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`

	// Timeout bounds each lookup. Default: balance.DefaultTimeout.
	Timeout *Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RateLimit caps requests per second per service. Zero is unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// OutputConfig controls where results go.
type OutputConfig struct {
	// Path receives found keys as CSV in real time. Optional.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// MaxSizeMB rotates the output file beyond this size. Zero uses the
	// default.
	MaxSizeMB int `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`

	// Summary is a directory that receives <job_id>/job.json when the job
	// ends. Optional.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// DefaultDelay is the pause between lookups when a manifest sets none.
const DefaultDelay = time.Second

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = CurrentVersion
	}
	if strings.TrimSpace(m.Check.API) == "" {
		m.Check.API = string(balance.ModeAuto)
	}
	if m.Check.Delay == nil {
		d := Duration(DefaultDelay)
		m.Check.Delay = &d
	}
	if m.Name == "" {
		m.Name = m.Input.Path
	}
}

// JobConfig converts the manifest into a job configuration.
func (m *Manifest) JobConfig() job.Config {
	cfg := job.Config{
		Input:      m.Input.Path,
		Filename:   m.Name,
		API:        m.Check.API,
		StartLine:  m.Check.Start,
		OutputPath: m.Output.Path,
	}
	if m.Check.Delay != nil {
		cfg.Delay = m.Check.Delay.Duration()
	}
	if m.Check.End != nil {
		end := *m.Check.End
		cfg.EndLine = &end
	}
	return cfg
}

// SourceOptions returns input access options.
func (m *Manifest) SourceOptions() source.Options {
	var opts source.Options
	if s := m.Input.S3; s != nil {
		opts.S3 = source.S3Options{
			Region:         s.Region,
			Endpoint:       s.Endpoint,
			Profile:        s.Profile,
			ForcePathStyle: s.ForcePathStyle,
		}
	}
	return opts
}

// BackendOptions returns balance lookup options.
func (m *Manifest) BackendOptions() balance.Options {
	opts := balance.Options{RateLimit: m.Backends.RateLimit}
	if m.Backends.Timeout != nil {
		opts.Timeout = m.Backends.Timeout.Duration()
	}
	return opts
}

// Duration is a time.Duration that decodes from a Go duration string
// ("750ms") or a number of seconds (1.5).
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a string or number")
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
