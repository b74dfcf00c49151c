package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/driftware/paddock/pkg/log"
)

// Config holds the full orchestrator configuration, loaded from the
// environment with documented defaults.
type Config struct {
	// Cadence
	PollInterval  time.Duration
	ObserveBudget time.Duration
	CallTimeout   time.Duration

	// Fleet sizing
	MinActiveGPUs        int
	MaxActiveGPUs        int
	TasksPerGPUThreshold int
	IdleBuffer           int
	AllowZeroFloor       bool

	// Failure detection
	HeartbeatTimeout       time.Duration
	SpawnTimeout           time.Duration
	StuckTaskTimeout       time.Duration
	WorkerGracePeriod      time.Duration
	ErrorCleanupGrace      time.Duration
	TerminatingTimeout     time.Duration
	FailsafeStaleThreshold time.Duration

	// Failure-rate interlock
	FailureRateCeiling float64
	FailureWindow      time.Duration
	MinSamplesForRate  int

	// Demand
	RunType             string
	OrchestratorMarkers []string

	// External endpoints
	DatabaseURL       string
	ProviderAPIURL    string
	ProviderAPIKey    string
	ProviderGPUType   string
	ProviderImage     string
	DemandOracleURL   string
	DemandOracleToken string

	// Process surface
	MetricsAddr string
	JournalPath string
	LogLevel    string
	LogJSON     bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("POLL_INTERVAL_SEC", 30)
	v.SetDefault("OBSERVE_BUDGET_SEC", 10)
	v.SetDefault("CALL_TIMEOUT_SEC", 10)

	v.SetDefault("MIN_ACTIVE_GPUS", 1)
	v.SetDefault("MAX_ACTIVE_GPUS", 10)
	v.SetDefault("TASKS_PER_GPU_THRESHOLD", 3)
	v.SetDefault("IDLE_BUFFER", 0)
	v.SetDefault("ALLOW_ZERO_FLOOR", false)

	v.SetDefault("HEARTBEAT_TIMEOUT_SEC", 300)
	v.SetDefault("SPAWN_TIMEOUT_SEC", 300)
	v.SetDefault("STUCK_TASK_TIMEOUT_SEC", 600)
	v.SetDefault("WORKER_GRACE_PERIOD_SEC", 120)
	v.SetDefault("ERROR_CLEANUP_GRACE_PERIOD_SEC", 600)
	v.SetDefault("TERMINATING_TIMEOUT_SEC", 300)
	v.SetDefault("FAILSAFE_STALE_THRESHOLD_SEC", 900)

	v.SetDefault("FAILURE_RATE_CEILING", 0.80)
	v.SetDefault("FAILURE_WINDOW_SEC", 1800)
	v.SetDefault("MIN_SAMPLES_FOR_RATE", 5)

	v.SetDefault("RUN_TYPE", "cloud")
	v.SetDefault("ORCHESTRATOR_TASK_MARKERS", []string{"_orchestrator"})

	v.SetDefault("PROVIDER_API_URL", "https://api.runpod.io/v1")
	v.SetDefault("PROVIDER_GPU_TYPE", "NVIDIA GeForce RTX 4090")
	v.SetDefault("PROVIDER_IMAGE", "")

	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("JOURNAL_PATH", "paddock-journal.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", true)
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// Load reads configuration from the environment. Missing connectivity
// settings are not an error here; Validate enforces them for commands
// that actually reach the datastore and provider.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		PollInterval:  seconds(v, "POLL_INTERVAL_SEC"),
		ObserveBudget: seconds(v, "OBSERVE_BUDGET_SEC"),
		CallTimeout:   seconds(v, "CALL_TIMEOUT_SEC"),

		MinActiveGPUs:        v.GetInt("MIN_ACTIVE_GPUS"),
		MaxActiveGPUs:        v.GetInt("MAX_ACTIVE_GPUS"),
		TasksPerGPUThreshold: v.GetInt("TASKS_PER_GPU_THRESHOLD"),
		IdleBuffer:           v.GetInt("IDLE_BUFFER"),
		AllowZeroFloor:       v.GetBool("ALLOW_ZERO_FLOOR"),

		HeartbeatTimeout:       seconds(v, "HEARTBEAT_TIMEOUT_SEC"),
		SpawnTimeout:           seconds(v, "SPAWN_TIMEOUT_SEC"),
		StuckTaskTimeout:       seconds(v, "STUCK_TASK_TIMEOUT_SEC"),
		WorkerGracePeriod:      seconds(v, "WORKER_GRACE_PERIOD_SEC"),
		ErrorCleanupGrace:      seconds(v, "ERROR_CLEANUP_GRACE_PERIOD_SEC"),
		TerminatingTimeout:     seconds(v, "TERMINATING_TIMEOUT_SEC"),
		FailsafeStaleThreshold: seconds(v, "FAILSAFE_STALE_THRESHOLD_SEC"),

		FailureRateCeiling: v.GetFloat64("FAILURE_RATE_CEILING"),
		FailureWindow:      seconds(v, "FAILURE_WINDOW_SEC"),
		MinSamplesForRate:  v.GetInt("MIN_SAMPLES_FOR_RATE"),

		RunType:             v.GetString("RUN_TYPE"),
		OrchestratorMarkers: v.GetStringSlice("ORCHESTRATOR_TASK_MARKERS"),

		DatabaseURL:       v.GetString("DATABASE_URL"),
		ProviderAPIURL:    v.GetString("PROVIDER_API_URL"),
		ProviderAPIKey:    v.GetString("PROVIDER_API_KEY"),
		ProviderGPUType:   v.GetString("PROVIDER_GPU_TYPE"),
		ProviderImage:     v.GetString("PROVIDER_IMAGE"),
		DemandOracleURL:   v.GetString("DEMAND_ORACLE_URL"),
		DemandOracleToken: v.GetString("DEMAND_ORACLE_TOKEN"),

		MetricsAddr: v.GetString("METRICS_ADDR"),
		JournalPath: v.GetString("JOURNAL_PATH"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogJSON:     v.GetBool("LOG_JSON"),
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize clamps values that can be repaired and rejects those that
// cannot.
func (c *Config) normalize() error {
	if c.MinActiveGPUs < 0 {
		return fmt.Errorf("MIN_ACTIVE_GPUS must be >= 0, got %d", c.MinActiveGPUs)
	}
	if c.MaxActiveGPUs < 1 {
		return fmt.Errorf("MAX_ACTIVE_GPUS must be >= 1, got %d", c.MaxActiveGPUs)
	}
	if c.MinActiveGPUs > c.MaxActiveGPUs {
		return fmt.Errorf("MIN_ACTIVE_GPUS (%d) exceeds MAX_ACTIVE_GPUS (%d)",
			c.MinActiveGPUs, c.MaxActiveGPUs)
	}
	if c.TasksPerGPUThreshold < 1 {
		return fmt.Errorf("TASKS_PER_GPU_THRESHOLD must be >= 1, got %d", c.TasksPerGPUThreshold)
	}
	if c.PollInterval < 2*time.Second {
		return fmt.Errorf("POLL_INTERVAL_SEC must be >= 2, got %s", c.PollInterval)
	}

	if c.IdleBuffer < 0 {
		log.Warn("IDLE_BUFFER cannot be negative, clamping to 0")
		c.IdleBuffer = 0
	} else if c.IdleBuffer > c.MaxActiveGPUs {
		log.Logger.Warn().
			Int("idle_buffer", c.IdleBuffer).
			Int("max_active_gpus", c.MaxActiveGPUs).
			Msg("IDLE_BUFFER exceeds MAX_ACTIVE_GPUS, clamping")
		c.IdleBuffer = c.MaxActiveGPUs
	}
	if c.FailureRateCeiling <= 0 || c.FailureRateCeiling > 1 {
		log.Warn("FAILURE_RATE_CEILING out of (0,1], resetting to 0.80")
		c.FailureRateCeiling = 0.80
	}
	return nil
}

// Validate checks the settings required to actually run control cycles.
// Failures here are fatal init errors.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY must be set")
	}
	if c.ProviderImage == "" {
		return fmt.Errorf("PROVIDER_IMAGE must be set")
	}
	return nil
}

// CycleDeadline is how long one cycle may run before in-flight work is
// abandoned and the cycle is truncated.
func (c *Config) CycleDeadline() time.Duration {
	d := c.PollInterval - time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}
