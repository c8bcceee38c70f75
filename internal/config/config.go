// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Portal     PortalConfig     `mapstructure:"portal"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Evidence   EvidenceConfig   `mapstructure:"evidence"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PortalConfig points the engine at the lookup portal.
type PortalConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	SearchPath       string `mapstructure:"search_path"`
	UserAgent        string `mapstructure:"user_agent"`
	NavTimeoutSec    int    `mapstructure:"nav_timeout_seconds"`
	ResultTimeoutSec int    `mapstructure:"result_timeout_seconds"`
}

// SearchURL joins the portal base with the lookup form path.
func (p PortalConfig) SearchURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.SearchPath
}

// NavTimeout bounds page navigation waits.
func (p PortalConfig) NavTimeout() time.Duration {
	return time.Duration(p.NavTimeoutSec) * time.Second
}

// ResultTimeout bounds the wait for the post-submit page transition.
func (p PortalConfig) ResultTimeout() time.Duration {
	return time.Duration(p.ResultTimeoutSec) * time.Second
}

// BrowserConfig configures the Chrome instances behind sessions.
type BrowserConfig struct {
	Headless bool   `mapstructure:"headless"`
	ExecPath string `mapstructure:"exec_path"`
}

// SchedulerConfig governs batching, the worker pool, and reporting.
type SchedulerConfig struct {
	BatchSize         int `mapstructure:"batch_size"`
	ChunkSize         int `mapstructure:"chunk_size"`
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	ReportIntervalSec int `mapstructure:"report_interval_seconds"`
}

// ReportInterval is the cadence for aggregate progress logging.
func (s SchedulerConfig) ReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalSec) * time.Second
}

// SupervisorConfig parameterizes the resilience policies around a session.
type SupervisorConfig struct {
	AgingThreshold      int `mapstructure:"aging_threshold"`
	TransientRetries    int `mapstructure:"transient_retries"`
	SolverTimeoutStreak int `mapstructure:"solver_timeout_streak"`
	MinDelayMs          int `mapstructure:"min_delay_ms"`
	MaxDelayMs          int `mapstructure:"max_delay_ms"`
	LongPauseEvery      int `mapstructure:"long_pause_every"`
	LongPauseMinSec     int `mapstructure:"long_pause_min_seconds"`
	LongPauseMaxSec     int `mapstructure:"long_pause_max_seconds"`
	ProbeTimeoutSec     int `mapstructure:"probe_timeout_seconds"`
	BackoffBaseSec      int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSec       int `mapstructure:"backoff_max_seconds"`
}

// MinDelay is the politeness floor between requests on one session.
func (s SupervisorConfig) MinDelay() time.Duration {
	return time.Duration(s.MinDelayMs) * time.Millisecond
}

// MaxDelay is the politeness ceiling between requests on one session.
func (s SupervisorConfig) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// LongPauseMin is the floor of the periodic long pause.
func (s SupervisorConfig) LongPauseMin() time.Duration {
	return time.Duration(s.LongPauseMinSec) * time.Second
}

// LongPauseMax is the ceiling of the periodic long pause.
func (s SupervisorConfig) LongPauseMax() time.Duration {
	return time.Duration(s.LongPauseMaxSec) * time.Second
}

// ProbeTimeout bounds the session responsiveness probe.
func (s SupervisorConfig) ProbeTimeout() time.Duration {
	return time.Duration(s.ProbeTimeoutSec) * time.Second
}

// BackoffBase seeds the exponential backoff applied after a block.
func (s SupervisorConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSec) * time.Second
}

// BackoffMax caps the exponential backoff applied after a block.
func (s SupervisorConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSec) * time.Second
}

// SolverConfig configures the external CAPTCHA-solving service client.
type SolverConfig struct {
	Endpoint        string  `mapstructure:"endpoint"`
	APIKey          string  `mapstructure:"api_key"`
	MinScore        float64 `mapstructure:"min_score"`
	PollIntervalSec int     `mapstructure:"poll_interval_seconds"`
	PollCeilingSec  int     `mapstructure:"poll_ceiling_seconds"`
	MaxRPS          float64 `mapstructure:"max_rps"`
	TokenEnabled    bool    `mapstructure:"token_enabled"`
	ImageEnabled    bool    `mapstructure:"image_enabled"`
}

// PollInterval is the spacing between solver result polls.
func (s SolverConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// PollCeiling is the fixed ceiling on waiting for one solve.
func (s SolverConfig) PollCeiling() time.Duration {
	return time.Duration(s.PollCeilingSec) * time.Second
}

// PostgresConfig controls access to the outcome store.
type PostgresConfig struct {
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	RunsTable string `mapstructure:"runs_table"`
}

// EvidenceConfig selects the snapshot archive backend.
type EvidenceConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for outcome event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatusConfig binds the status/metrics HTTP server; empty addr disables it.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://e-consultaruc.sunat.gob.pe")
	v.SetDefault("portal.search_path", "/cl-ti-itmrconsruc/FrameCriterioBusquedaWeb.jsp")
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("portal.nav_timeout_seconds", 30)
	v.SetDefault("portal.result_timeout_seconds", 20)
	v.SetDefault("browser.headless", true)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.chunk_size", 10)
	v.SetDefault("scheduler.workers", 3)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.report_interval_seconds", 60)
	v.SetDefault("supervisor.aging_threshold", 50)
	v.SetDefault("supervisor.transient_retries", 3)
	v.SetDefault("supervisor.solver_timeout_streak", 3)
	v.SetDefault("supervisor.min_delay_ms", 2000)
	v.SetDefault("supervisor.max_delay_ms", 5000)
	v.SetDefault("supervisor.long_pause_every", 20)
	v.SetDefault("supervisor.long_pause_min_seconds", 10)
	v.SetDefault("supervisor.long_pause_max_seconds", 20)
	v.SetDefault("supervisor.probe_timeout_seconds", 10)
	v.SetDefault("supervisor.backoff_base_seconds", 30)
	v.SetDefault("supervisor.backoff_max_seconds", 600)
	v.SetDefault("solver.endpoint", "https://2captcha.com")
	v.SetDefault("solver.min_score", 0.3)
	v.SetDefault("solver.poll_interval_seconds", 2)
	v.SetDefault("solver.poll_ceiling_seconds", 120)
	v.SetDefault("solver.max_rps", 5)
	v.SetDefault("solver.token_enabled", true)
	v.SetDefault("solver.image_enabled", true)
	v.SetDefault("postgres.table", "ruc_registry")
	v.SetDefault("postgres.runs_table", "harvest_runs")
	v.SetDefault("evidence.backend", "none")
	v.SetDefault("evidence.prefix", "evidence")
	v.SetDefault("status.addr", "127.0.0.1:8090")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url must be set")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.ChunkSize <= 0 {
		return fmt.Errorf("scheduler.chunk_size must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	if c.Supervisor.AgingThreshold <= 0 {
		return fmt.Errorf("supervisor.aging_threshold must be > 0")
	}
	if c.Supervisor.MinDelayMs < 0 || c.Supervisor.MaxDelayMs < c.Supervisor.MinDelayMs {
		return fmt.Errorf("supervisor delay bounds must satisfy 0 <= min <= max")
	}
	if c.Supervisor.LongPauseMaxSec < c.Supervisor.LongPauseMinSec {
		return fmt.Errorf("supervisor long pause bounds must satisfy min <= max")
	}
	if c.Supervisor.BackoffMaxSec < c.Supervisor.BackoffBaseSec {
		return fmt.Errorf("supervisor backoff ceiling must be >= base")
	}
	if c.Solver.PollIntervalSec <= 0 {
		return fmt.Errorf("solver.poll_interval_seconds must be > 0")
	}
	if c.Solver.PollCeilingSec <= 0 {
		return fmt.Errorf("solver.poll_ceiling_seconds must be > 0")
	}
	if c.Solver.MinScore < 0 || c.Solver.MinScore > 1 {
		return fmt.Errorf("solver.min_score must be within [0, 1]")
	}
	switch c.Evidence.Backend {
	case "none", "local", "gcs", "memory":
	default:
		return fmt.Errorf("evidence.backend %q is not one of none, local, gcs, memory", c.Evidence.Backend)
	}
	if c.Evidence.Backend == "gcs" && c.Evidence.GCSBucket == "" {
		return fmt.Errorf("evidence.gcs_bucket must be set when the gcs backend is selected")
	}
	if c.Evidence.Backend == "local" && c.Evidence.LocalDir == "" {
		return fmt.Errorf("evidence.local_dir must be set when the local backend is selected")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
