package topology

import (
	"time"
)

// Config is the top-level topology document: global options plus the set
// of unit declarations. Unit order in the document is significant, it
// breaks ties in the computed start order.
type Config struct {
	Topology TopologyOptions `yaml:"topology"`
	Units    []UnitSpec      `yaml:"units"`
}

// TopologyOptions carries deployment-wide settings.
type TopologyOptions struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	Listen          string        `yaml:"listen,omitempty"`           // status API address, host:port
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"` // bounds total teardown latency
}

// UnitSpec is the declarative description of one service unit. Specs are
// immutable after load; a topology change means loading a new document.
type UnitSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`

	// Ports and volumes are opaque to the orchestrator, they are handed
	// to the process supervisor verbatim.
	Ports   []string `yaml:"ports,omitempty"`
	Volumes []string `yaml:"volumes,omitempty"`

	DependsOn []string `yaml:"depends_on,omitempty"`

	HealthCheck *HealthCheckConfig `yaml:"health_check,omitempty"`
	Restart     RestartConfig      `yaml:"restart,omitempty"`

	StopGracePeriod time.Duration `yaml:"stop_grace_period,omitempty"`
}

// HasHealthCheck reports whether the unit declares a health check. Units
// without one become ready as soon as their process launch succeeds.
func (s *UnitSpec) HasHealthCheck() bool {
	return s.HealthCheck != nil && s.HealthCheck.Type != ""
}

type HealthCheckType string

const (
	HealthCheckTypeTCP  HealthCheckType = "tcp"
	HealthCheckTypeHTTP HealthCheckType = "http"
	HealthCheckTypeExec HealthCheckType = "exec"
)

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type HTTPHealthCheckConfig struct {
	URL            string `yaml:"url"`
	Method         string `yaml:"method,omitempty"`
	ExpectedStatus int    `yaml:"expected_status,omitempty"` // 0 accepts any 2xx
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// HealthCheckConfig mirrors container health-check semantics: probes run
// every Interval after a StartDelay grace period, each probe is bounded by
// Timeout, and Retries consecutive results flip the verdict.
type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`
	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty"`

	Interval   time.Duration `yaml:"interval,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	StartDelay time.Duration `yaml:"start_delay,omitempty"`
	Retries    int           `yaml:"retries,omitempty"`
}

type RestartPolicy string

const (
	RestartPolicyNone      RestartPolicy = "none"
	RestartPolicyOnFailure RestartPolicy = "on-failure"
	RestartPolicyAlways    RestartPolicy = "always"
)

// RestartConfig governs what happens to a unit that reaches FAILED.
// Restart delays grow by BackoffRate per attempt, capped at MaxBackoff.
type RestartConfig struct {
	Policy      RestartPolicy `yaml:"policy,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty"` // 0 means unlimited
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	BackoffRate float64       `yaml:"backoff_rate,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
}

// BackoffDelay computes the delay before restart attempt n (0-based).
func (r RestartConfig) BackoffDelay(attempt int) time.Duration {
	delay := r.RetryDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * r.BackoffRate)
		if delay >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if r.MaxBackoff > 0 && delay > r.MaxBackoff {
		return r.MaxBackoff
	}
	return delay
}
