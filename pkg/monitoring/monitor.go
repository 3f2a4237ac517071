package monitoring

import (
	"sync"
	"time"

	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/topology"
)

// ProbeOutcome is the reduced result of a single probe.
type ProbeOutcome string

const (
	OutcomeUnknown   ProbeOutcome = "unknown"
	OutcomeHealthy   ProbeOutcome = "healthy"
	OutcomeUnhealthy ProbeOutcome = "unhealthy"
)

// HealthCheckResult is the ephemeral outcome of one probe, consumed by
// the orchestrator through the result sink.
type HealthCheckResult struct {
	Outcome   ProbeOutcome
	Timestamp time.Time
	Message   string
}

// Verdict is the monitor's aggregate judgement over consecutive probes.
type Verdict string

const (
	// VerdictPending means neither threshold has been crossed yet.
	VerdictPending Verdict = "pending"
	// VerdictReady means Retries consecutive healthy probes were observed.
	VerdictReady Verdict = "ready"
	// VerdictFailed means Retries consecutive unhealthy probes were
	// observed after the start-delay grace period, or the probe budget was
	// exhausted without a single healthy result.
	VerdictFailed Verdict = "failed"
)

// ResultSink receives every probe result together with the current
// verdict. The sink must not block; the orchestrator buffers internally.
type ResultSink func(unit string, result HealthCheckResult, verdict Verdict)

// Monitor runs one probe loop for one unit. It only ever reports through
// its sink; unit phase transitions belong to the orchestrator. The loop
// is not permitted to crash the surrounding process: probe panics are
// reduced to unhealthy results.
type Monitor struct {
	unit   string
	config topology.HealthCheckConfig
	prober prober
	sink   ResultSink
	logger logging.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mutex                sync.Mutex
	lastResult           HealthCheckResult
	consecutiveHealthy   int
	consecutiveUnhealthy int
	everHealthy          bool
	lastVerdict          Verdict
}

// NewMonitor builds a monitor for a unit's health-check descriptor. The
// descriptor has already been validated at topology load.
func NewMonitor(unit string, config topology.HealthCheckConfig, sink ResultSink, logger logging.Logger) *Monitor {
	return &Monitor{
		unit:        unit,
		config:      config,
		prober:      newProber(config),
		sink:        sink,
		logger:      logger,
		stopChan:    make(chan struct{}),
		lastResult:  HealthCheckResult{Outcome: OutcomeUnknown, Timestamp: time.Now()},
		lastVerdict: VerdictPending,
	}
}

// Start launches the probe loop. Probing begins after the start-delay
// grace period; failures during the grace period are never counted.
func (m *Monitor) Start() {
	m.logger.Infof("Starting health monitor, unit: %s, type: %s, interval: %v, retries: %d",
		m.unit, m.config.Type, m.config.Interval, m.config.Retries)

	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the probe loop and waits for it to exit. Safe to call
// more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	m.logger.Debugf("Health monitor stopped, unit: %s", m.unit)
}

// LastResult returns a copy of the most recent probe result.
func (m *Monitor) LastResult() HealthCheckResult {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastResult
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	started := time.Now()

	if m.config.StartDelay > 0 {
		m.logger.Debugf("Health monitor grace period, unit: %s, delay: %v", m.unit, m.config.StartDelay)
		select {
		case <-time.After(m.config.StartDelay):
		case <-m.stopChan:
			return
		}
	}

	// Budget for reaching readiness: grace period plus one full
	// interval+timeout window per allowed retry. A unit that never
	// produces a healthy probe within the budget is failed even if its
	// probes only ever come back unknown.
	budget := m.config.StartDelay + time.Duration(m.config.Retries)*(m.config.Interval+m.config.Timeout)
	deadline := time.NewTimer(budget - time.Since(started))
	defer deadline.Stop()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.performProbe()

	for {
		select {
		case <-ticker.C:
			m.performProbe()
		case <-deadline.C:
			if m.budgetExpired() {
				return
			}
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) performProbe() {
	healthy, message := m.safeProbe()

	result := HealthCheckResult{
		Timestamp: time.Now(),
		Message:   message,
	}
	if healthy {
		result.Outcome = OutcomeHealthy
	} else {
		result.Outcome = OutcomeUnhealthy
	}

	verdict := m.updateState(result)
	m.sink(m.unit, result, verdict)
}

// safeProbe runs one probe and reduces any panic to an unhealthy result.
func (m *Monitor) safeProbe() (healthy bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Health probe panicked, unit: %s, panic: %v", m.unit, r)
			healthy = false
			message = "health probe panicked"
		}
	}()

	return m.prober.probe(m.config.Timeout)
}

func (m *Monitor) updateState(result HealthCheckResult) Verdict {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.lastResult = result

	switch result.Outcome {
	case OutcomeHealthy:
		m.consecutiveHealthy++
		m.consecutiveUnhealthy = 0
		m.everHealthy = true
		if m.consecutiveHealthy >= m.config.Retries && m.lastVerdict != VerdictReady {
			m.lastVerdict = VerdictReady
			m.logger.Infof("Health check ready, unit: %s, consecutive_healthy: %d", m.unit, m.consecutiveHealthy)
		}
	case OutcomeUnhealthy:
		m.consecutiveUnhealthy++
		m.consecutiveHealthy = 0
		m.logger.Warnf("Health check failed, unit: %s, consecutive_unhealthy: %d, message: %s",
			m.unit, m.consecutiveUnhealthy, result.Message)
		if m.consecutiveUnhealthy >= m.config.Retries {
			if m.lastVerdict != VerdictFailed {
				m.logger.Errorf("Health check failure threshold reached, unit: %s, retries: %d",
					m.unit, m.config.Retries)
			}
			m.lastVerdict = VerdictFailed
		} else if m.lastVerdict == VerdictReady {
			// Stay ready until the failure threshold is crossed.
		}
	}

	return m.lastVerdict
}

// budgetExpired fails a unit that has never produced a healthy probe by
// the time the readiness budget runs out. Returns true when the loop
// should exit because the failure verdict was delivered.
func (m *Monitor) budgetExpired() bool {
	m.mutex.Lock()
	if m.everHealthy || m.lastVerdict == VerdictFailed {
		m.mutex.Unlock()
		return false
	}
	m.lastVerdict = VerdictFailed
	result := HealthCheckResult{
		Outcome:   OutcomeUnhealthy,
		Timestamp: time.Now(),
		Message:   "readiness budget exceeded without a healthy probe",
	}
	m.lastResult = result
	m.mutex.Unlock()

	m.logger.Errorf("Health check readiness budget exceeded, unit: %s", m.unit)
	m.sink(m.unit, result, VerdictFailed)
	return true
}
