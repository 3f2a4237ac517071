package topology

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/stack-tools/stackd/pkg/errors"
)

// Validate checks a whole topology document: global options, each unit
// spec, name uniqueness and dependency reference resolution. The
// dependency relation being acyclic is checked later by the graph builder.
func Validate(config *Config) error {
	if config == nil {
		return errors.NewValidationError("topology configuration cannot be nil", nil)
	}

	if err := validateTopologyOptions(&config.Topology); err != nil {
		return err
	}

	if len(config.Units) == 0 {
		return errors.NewValidationError("topology declares no units", nil)
	}

	declared := make(map[string]int, len(config.Units))
	for i, unit := range config.Units {
		if err := ValidateUnitName(unit.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit name at index %d", i), err,
			).WithContext("unit", unit.Name)
		}

		if prev, exists := declared[unit.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate unit name %q at indices %d and %d", unit.Name, prev, i), nil)
		}
		declared[unit.Name] = i
	}

	for _, unit := range config.Units {
		if err := validateUnitSpec(&unit, declared); err != nil {
			return err
		}
	}

	return nil
}

// ValidateUnitName validates unit name format and constraints.
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError(
				"unit name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

func validateTopologyOptions(options *TopologyOptions) error {
	if options.Listen != "" {
		if err := validateNetworkAddress(options.Listen); err != nil {
			return errors.NewValidationError("invalid status listen address", err)
		}
	}

	if options.ShutdownTimeout < 0 {
		return errors.NewValidationError("shutdown timeout cannot be negative", nil)
	}

	switch options.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel), nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	return nil
}

func validateUnitSpec(unit *UnitSpec, declared map[string]int) error {
	if unit.Command == "" {
		return errors.NewValidationError("unit command cannot be empty", nil).
			WithContext("unit", unit.Name)
	}

	seen := make(map[string]bool, len(unit.DependsOn))
	for _, dep := range unit.DependsOn {
		if dep == unit.Name {
			return errors.NewValidationError(
				fmt.Sprintf("unit %q depends on itself", unit.Name), nil,
			).WithContext("unit", unit.Name)
		}
		if _, exists := declared[dep]; !exists {
			return errors.NewValidationError(
				fmt.Sprintf("unit %q depends on undeclared unit %q", unit.Name, dep), nil,
			).WithContext("unit", unit.Name).WithContext("dependency", dep)
		}
		if seen[dep] {
			return errors.NewValidationError(
				fmt.Sprintf("unit %q declares dependency %q twice", unit.Name, dep), nil,
			).WithContext("unit", unit.Name).WithContext("dependency", dep)
		}
		seen[dep] = true
	}

	if unit.HealthCheck != nil {
		if err := ValidateHealthCheckConfig(unit.HealthCheck); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid health check for unit %q", unit.Name), err,
			).WithContext("unit", unit.Name)
		}
	}

	if err := validateRestartConfig(&unit.Restart); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("invalid restart policy for unit %q", unit.Name), err,
		).WithContext("unit", unit.Name)
	}

	if unit.StopGracePeriod < 0 {
		return errors.NewValidationError("stop grace period cannot be negative", nil).
			WithContext("unit", unit.Name)
	}

	return nil
}

// ValidateHealthCheckConfig checks a health-check descriptor for shape and
// run-option sanity.
func ValidateHealthCheckConfig(check *HealthCheckConfig) error {
	switch check.Type {
	case HealthCheckTypeTCP:
		if check.TCP.Address == "" {
			return errors.NewValidationError("tcp health check requires an address", nil)
		}
		if check.TCP.Port <= 0 || check.TCP.Port > 65535 {
			return errors.NewValidationError(
				fmt.Sprintf("tcp health check port out of range: %d", check.TCP.Port), nil)
		}
	case HealthCheckTypeHTTP:
		if check.HTTP.URL == "" {
			return errors.NewValidationError("http health check requires a url", nil)
		}
		parsed, err := url.Parse(check.HTTP.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errors.NewValidationError("http health check url is malformed: "+check.HTTP.URL, err)
		}
		if check.HTTP.ExpectedStatus != 0 && (check.HTTP.ExpectedStatus < 100 || check.HTTP.ExpectedStatus > 599) {
			return errors.NewValidationError(
				fmt.Sprintf("http health check expected status out of range: %d", check.HTTP.ExpectedStatus), nil)
		}
	case HealthCheckTypeExec:
		if check.Exec.Command == "" {
			return errors.NewValidationError("exec health check requires a command", nil)
		}
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported health check type: %s", check.Type), nil,
		).WithContext("supported_types", "tcp, http, exec")
	}

	if check.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}
	if check.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if check.StartDelay < 0 {
		return errors.NewValidationError("health check start delay cannot be negative", nil)
	}
	if check.Retries <= 0 {
		return errors.NewValidationError("health check retries must be positive", nil)
	}

	return nil
}

func validateRestartConfig(restart *RestartConfig) error {
	switch restart.Policy {
	case RestartPolicyNone:
		return nil
	case RestartPolicyOnFailure, RestartPolicyAlways:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported restart policy: %s", restart.Policy), nil,
		).WithContext("supported_policies", "none, on-failure, always")
	}

	if restart.MaxRetries < 0 {
		return errors.NewValidationError("restart max retries cannot be negative", nil)
	}
	if restart.RetryDelay <= 0 {
		return errors.NewValidationError("restart retry delay must be positive", nil)
	}
	if restart.BackoffRate < 1.0 {
		return errors.NewValidationError("restart backoff rate must be at least 1.0", nil)
	}
	if restart.MaxBackoff < restart.RetryDelay {
		return errors.NewValidationError("restart max backoff cannot be below the retry delay", nil)
	}

	return nil
}

func validateNetworkAddress(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}
	_ = host // empty host binds all interfaces

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}

	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
