package topology

import (
	"os"
	"time"

	"github.com/stack-tools/stackd/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 30 * time.Second
	defaultStopGracePeriod = 10 * time.Second

	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeRetries  = 3

	defaultRestartRetries = 3
	defaultRetryDelay     = 5 * time.Second
	defaultBackoffRate    = 2.0
	defaultMaxBackoff     = 2 * time.Minute
)

// Load parses a topology document, applies defaults and validates it.
// Pure function of its input, no side effects beyond validation.
func Load(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse topology YAML", err)
	}

	setConfigDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFile reads and parses a topology document from disk.
func LoadFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read topology file", err).WithContext("filename", filename)
	}

	config, err := Load(data)
	if err != nil {
		if orchErr, ok := err.(*errors.OrchestrationError); ok {
			return nil, orchErr.WithContext("filename", filename)
		}
		return nil, err
	}

	return config, nil
}

func setConfigDefaults(config *Config) {
	if config.Topology.LogLevel == "" {
		config.Topology.LogLevel = defaultLogLevel
	}
	if config.Topology.ShutdownTimeout == 0 {
		config.Topology.ShutdownTimeout = defaultShutdownTimeout
	}

	for i := range config.Units {
		unit := &config.Units[i]

		if unit.StopGracePeriod == 0 {
			unit.StopGracePeriod = defaultStopGracePeriod
		}

		if unit.HealthCheck != nil {
			setHealthCheckDefaults(unit.HealthCheck)
		}

		setRestartDefaults(&unit.Restart)
	}
}

func setHealthCheckDefaults(check *HealthCheckConfig) {
	if check.Interval == 0 {
		check.Interval = defaultProbeInterval
	}
	if check.Timeout == 0 {
		check.Timeout = defaultProbeTimeout
	}
	if check.Retries == 0 {
		check.Retries = defaultProbeRetries
	}
	if check.Type == HealthCheckTypeHTTP && check.HTTP.Method == "" {
		check.HTTP.Method = "GET"
	}
}

func setRestartDefaults(restart *RestartConfig) {
	if restart.Policy == "" {
		restart.Policy = RestartPolicyNone
	}
	if restart.Policy == RestartPolicyNone {
		return
	}
	if restart.MaxRetries == 0 && restart.Policy == RestartPolicyOnFailure {
		restart.MaxRetries = defaultRestartRetries
	}
	if restart.RetryDelay == 0 {
		restart.RetryDelay = defaultRetryDelay
	}
	if restart.BackoffRate == 0 {
		restart.BackoffRate = defaultBackoffRate
	}
	if restart.MaxBackoff == 0 {
		restart.MaxBackoff = defaultMaxBackoff
	}
}
