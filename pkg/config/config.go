// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	"github.com/xdmod/xdmod-etl/pkg/buckets"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/logging"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
	"github.com/xdmod/xdmod-etl/pkg/statestore"
	"github.com/xdmod/xdmod-etl/pkg/telemetry"
	"github.com/xdmod/xdmod-etl/pkg/warehouse"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XDMOD_ETL_"

// Config holds all xdmod-etl configuration.
type Config struct {
	Version int `yaml:"version"`

	Database       warehouse.Config     `yaml:"database"`
	Aggregation    AggregationConfig    `yaml:"aggregation"`
	Buckets        BucketsConfig        `yaml:"buckets"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction"`
	State          StateConfig          `yaml:"state"`
	Logging        logging.Config       `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Telemetry      telemetry.Config     `yaml:"telemetry"`
}

// AggregationConfig controls the period aggregator.
type AggregationConfig struct {
	// Granularities run by the pipeline, finest first.
	Granularities []string `yaml:"granularities"`

	// Exclusions maps a fact dimension column to values maintained by
	// another process.
	Exclusions map[string][]int64 `yaml:"exclusions"`
}

// BucketsConfig names the lookup tables and configures processor buckets.
type BucketsConfig struct {
	JobTimeTable         string           `yaml:"job_time_table"`
	ProcessorBucketTable string           `yaml:"processor_bucket_table"`
	Processors           []buckets.Bucket `yaml:"processors"`
}

// ReconstructionConfig selects the layouts the pipeline rebuilds.
type ReconstructionConfig struct {
	// Layouts names builtin layouts.
	Layouts []string `yaml:"layouts"`

	// Custom defines additional layouts.
	Custom []reconstruct.Layout `yaml:"custom"`

	BatchSize int `yaml:"batch_size"`
}

// StateConfig selects the action state backend.
type StateConfig struct {
	// Backend is sql, redis, s3 or mirror.
	Backend string                 `yaml:"backend"`
	Redis   statestore.RedisConfig `yaml:"redis"`
	S3      statestore.S3Config    `yaml:"s3"`
	Mirror  MirrorConfig           `yaml:"mirror"`
}

// MirrorConfig names the two backends of a mirror.
type MirrorConfig struct {
	Primary   string `yaml:"primary"`
	Secondary string `yaml:"secondary"`
}

// MetricsConfig controls the log-backed metrics exporter.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Level      string `yaml:"level"`
	BufferSize int    `yaml:"buffer_size"`
}

// State backends.
const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendMirror = "mirror"
)

// Default returns the default configuration.
func Default() *Config {
	granularities := make([]string, len(calendar.All))
	for i, g := range calendar.All {
		granularities[i] = string(g)
	}
	layouts := make([]string, 0, 3)
	for _, l := range reconstruct.Builtin() {
		layouts = append(layouts, l.Name)
	}

	return &Config{
		Version:  1,
		Database: warehouse.DefaultConfig(),
		Aggregation: AggregationConfig{
			Granularities: granularities,
		},
		Buckets: BucketsConfig{
			JobTimeTable:         "job_times",
			ProcessorBucketTable: "processor_buckets",
			Processors:           buckets.DefaultProcessorBuckets(),
		},
		Reconstruction: ReconstructionConfig{
			Layouts:   layouts,
			BatchSize: reconstruct.DefaultBatchSize,
		},
		State: StateConfig{
			Backend: BackendSQL,
			Redis:   statestore.DefaultRedisConfig("localhost:6379"),
			S3:      statestore.DefaultS3Config(""),
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Level:   "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Load loads configuration from all sources in priority order. explicit, if
// set, is loaded after the standard locations and must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range searchPaths() {
		if err := m.loadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		m.paths = append(m.paths, path)
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			if os.IsNotExist(err) {
				return etlerrors.Wrap(err, etlerrors.CodeConfiguration, "config file not found").
					WithContext("path", explicit)
			}
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	m.loadEnv()
	return nil
}

// searchPaths returns config file paths in priority order.
func searchPaths() []string {
	var paths []string
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/xdmod-etl/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".xdmod-etl", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".xdmod-etl.yaml"))
	}
	return paths
}

// loadFile decodes a file over the current configuration: keys present in
// the file replace earlier values, absent keys keep them.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, m.config); err != nil {
		return etlerrors.Wrap(err, etlerrors.CodeConfiguration, "invalid config file").
			WithContext("path", path)
	}
	return nil
}

// loadEnv applies XDMOD_ETL_* overrides.
func (m *Manager) loadEnv() {
	str := map[string]*string{
		"DB_DRIVER":        &m.config.Database.Driver,
		"DB_DSN":           &m.config.Database.DSN,
		"TABLE_PREFIX":     &m.config.Database.TablePrefix,
		"STATE_BACKEND":    &m.config.State.Backend,
		"REDIS_ADDRESS":    &m.config.State.Redis.Address,
		"REDIS_PASSWORD":   &m.config.State.Redis.Password,
		"S3_BUCKET":        &m.config.State.S3.Bucket,
		"S3_REGION":        &m.config.State.S3.Region,
		"S3_ENDPOINT":      &m.config.State.S3.Endpoint,
		"LOG_LEVEL":        &m.config.Logging.Level,
		"LOG_FORMAT":       &m.config.Logging.Format,
		"METRICS_LEVEL":    &m.config.Metrics.Level,
		"OTEL_ENDPOINT":    &m.config.Telemetry.Endpoint,
		"OTEL_ENVIRONMENT": &m.config.Telemetry.Environment,
	}
	for name, dst := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			m.config.Telemetry.Enabled = b
		}
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			m.config.Metrics.Enabled = b
		}
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return etlerrors.Wrap(err, etlerrors.CodeSerialization, "failed to encode config")
	}
	return os.WriteFile(path, data, 0644)
}

// GranularityList parses the configured granularities.
func (c *Config) GranularityList() ([]calendar.Granularity, error) {
	out := make([]calendar.Granularity, 0, len(c.Aggregation.Granularities))
	for _, name := range c.Aggregation.Granularities {
		g, err := calendar.ParseGranularity(name)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// LayoutList resolves the configured builtin and custom layouts.
func (c *Config) LayoutList() ([]reconstruct.Layout, error) {
	out := make([]reconstruct.Layout, 0, len(c.Reconstruction.Layouts)+len(c.Reconstruction.Custom))
	for _, name := range c.Reconstruction.Layouts {
		l, err := reconstruct.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	out = append(out, c.Reconstruction.Custom...)
	return out, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs etlerrors.MultiError

	switch c.Database.Driver {
	case warehouse.DriverDuckDB, warehouse.DriverSQLite:
	case warehouse.DriverPostgres:
		if c.Database.DSN == "" {
			errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "postgres requires database.dsn"))
		}
	default:
		errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "unsupported database driver").
			WithContext("driver", c.Database.Driver))
	}

	if _, err := c.GranularityList(); err != nil {
		errs.Add(err)
	}
	for dim := range c.Aggregation.Exclusions {
		if !aggregate.IsFactDimension(dim) {
			errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "exclusion names an unknown dimension").
				WithContext("dimension", dim))
		}
	}

	if _, err := buckets.ProcessorBuckets(c.Buckets.Processors); err != nil {
		errs.Add(err)
	}
	if c.Buckets.JobTimeTable == "" || c.Buckets.ProcessorBucketTable == "" {
		errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "bucket table names must be set"))
	}

	layouts, err := c.LayoutList()
	if err != nil {
		errs.Add(err)
	}
	seen := map[string]bool{}
	for _, l := range layouts {
		if err := l.Validate(); err != nil {
			errs.Add(err)
			continue
		}
		if seen[l.Destination] {
			errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "two layouts write the same table").
				WithContext("table", l.Destination))
		}
		seen[l.Destination] = true
	}

	errs.Add(c.validateState())

	if _, err := logging.New(c.Logging, io.Discard); err != nil {
		errs.Add(err)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs.Add(etlerrors.New(etlerrors.CodeConfiguration, "telemetry enabled without an endpoint"))
	}

	return errs.Combined()
}

func (c *Config) validateState() error {
	check := func(backend string) error {
		switch backend {
		case BackendSQL:
		case BackendRedis:
			if c.State.Redis.Address == "" {
				return etlerrors.New(etlerrors.CodeConfiguration, "redis state backend requires state.redis.address")
			}
		case BackendS3:
			if c.State.S3.Bucket == "" {
				return etlerrors.New(etlerrors.CodeConfiguration, "s3 state backend requires state.s3.bucket")
			}
		default:
			return etlerrors.New(etlerrors.CodeConfiguration, "unsupported state backend").
				WithContext("backend", backend)
		}
		return nil
	}

	if c.State.Backend != BackendMirror {
		return check(c.State.Backend)
	}
	p, s := c.State.Mirror.Primary, c.State.Mirror.Secondary
	if p == "" || s == "" || p == s {
		return etlerrors.New(etlerrors.CodeConfiguration, "mirror needs two distinct backends").
			WithContext("primary", p).
			WithContext("secondary", s)
	}
	if err := check(p); err != nil {
		return err
	}
	return check(s)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager, loaded from the standard
// locations.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load("")
	})
	return globalManager
}
