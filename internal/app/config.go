package app

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskgrid/taskgrid-backend/internal/platform/envutil"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/assign"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/core"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/queue"
)

// fileConfig is the optional YAML shape (SCHEDULER_CONFIG_FILE). Environment
// variables override file values; both fall back to engine defaults.
type fileConfig struct {
	HeartbeatTimeout       string `yaml:"heartbeatTimeout"`
	HealthCheckInterval    string `yaml:"healthCheckInterval"`
	CleanupInterval        string `yaml:"cleanupInterval"`
	CleanupThreshold       string `yaml:"cleanupThreshold"`
	MaxConsecutiveFailures int    `yaml:"maxConsecutiveFailures"`

	MaxRegistrationAttempts int    `yaml:"maxRegistrationAttempts"`
	RegistrationCooldown    string `yaml:"registrationCooldown"`
	MaxConcurrentJobsLimit  int    `yaml:"maxConcurrentJobsLimit"`

	AssignmentStrategy string `yaml:"assignmentStrategy"`

	QueueCapacities struct {
		High   int `yaml:"high"`
		Normal int `yaml:"normal"`
		Low    int `yaml:"low"`
	} `yaml:"queueCapacities"`

	LoadBalancing struct {
		DrainInterval      string  `yaml:"drainInterval"`
		RebalanceInterval  string  `yaml:"rebalanceInterval"`
		ImbalanceThreshold float64 `yaml:"imbalanceThreshold"`
	} `yaml:"loadBalancing"`
}

// parseDuration tolerates empty and malformed values; the engine defaults
// fill the gaps.
func parseDuration(log *logger.Logger, field, raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("config duration invalid, using default", "field", field, "value", raw)
		return 0
	}
	return d
}

func LoadConfig(log *logger.Logger) core.Config {
	var fc fileConfig
	if path := envutil.String("SCHEDULER_CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn("config file unreadable, using defaults", "path", path, "error", err)
		} else if err := yaml.Unmarshal(raw, &fc); err != nil {
			log.Warn("config file invalid, using defaults", "path", path, "error", err)
		}
	}

	strategyName := envutil.String("ASSIGNMENT_STRATEGY", fc.AssignmentStrategy)
	strategy, err := assign.ParseStrategy(strategyName)
	if err != nil {
		log.Warn("unknown assignment strategy, using intelligent", "strategy", strategyName)
		strategy = assign.Intelligent
	}

	cfg := core.Config{
		HeartbeatTimeout:       envutil.Duration("HEARTBEAT_TIMEOUT", parseDuration(log, "heartbeatTimeout", fc.HeartbeatTimeout)),
		HealthCheckInterval:    envutil.Duration("HEALTH_CHECK_INTERVAL", parseDuration(log, "healthCheckInterval", fc.HealthCheckInterval)),
		CleanupInterval:        envutil.Duration("CLEANUP_INTERVAL", parseDuration(log, "cleanupInterval", fc.CleanupInterval)),
		CleanupThreshold:       envutil.Duration("CLEANUP_THRESHOLD", parseDuration(log, "cleanupThreshold", fc.CleanupThreshold)),
		MaxConsecutiveFailures: envutil.Int("MAX_CONSECUTIVE_FAILURES", fc.MaxConsecutiveFailures),

		MaxRegistrationAttempts: envutil.Int("MAX_REGISTRATION_ATTEMPTS", fc.MaxRegistrationAttempts),
		RegistrationCooldown:    envutil.Duration("REGISTRATION_COOLDOWN", parseDuration(log, "registrationCooldown", fc.RegistrationCooldown)),
		MaxConcurrentJobsLimit:  envutil.Int("MAX_CONCURRENT_JOBS_LIMIT", fc.MaxConcurrentJobsLimit),

		QueueCapacities: queue.Capacities{
			High:   envutil.Int("QUEUE_CAPACITY_HIGH", fc.QueueCapacities.High),
			Normal: envutil.Int("QUEUE_CAPACITY_NORMAL", fc.QueueCapacities.Normal),
			Low:    envutil.Int("QUEUE_CAPACITY_LOW", fc.QueueCapacities.Low),
		},
		Strategy: strategy,

		DrainInterval:      envutil.Duration("DRAIN_INTERVAL", parseDuration(log, "loadBalancing.drainInterval", fc.LoadBalancing.DrainInterval)),
		RebalanceInterval:  envutil.Duration("REBALANCE_INTERVAL", parseDuration(log, "loadBalancing.rebalanceInterval", fc.LoadBalancing.RebalanceInterval)),
		ImbalanceThreshold: envutil.Float("IMBALANCE_THRESHOLD", fc.LoadBalancing.ImbalanceThreshold),

		AutoConfirmStarts: envutil.Bool("AUTO_CONFIRM_STARTS", true),
	}
	return cfg
}
