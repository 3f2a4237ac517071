package monitoring

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/topology"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test", logging.LogFuncs{})
}

// scriptedProber replays a fixed sequence of outcomes, repeating the last
// one once the script runs out.
type scriptedProber struct {
	mutex   sync.Mutex
	script  []bool
	index   int
	panicAt int // 1-based probe number that panics, 0 disables
}

func (p *scriptedProber) probe(time.Duration) (bool, string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.index++
	if p.panicAt != 0 && p.index == p.panicAt {
		panic("scripted panic")
	}
	i := p.index - 1
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	if p.script[i] {
		return true, "scripted healthy"
	}
	return false, "scripted unhealthy"
}

// sinkRecorder captures every result the monitor reports.
type sinkRecorder struct {
	mutex    sync.Mutex
	verdicts []Verdict
	outcomes []ProbeOutcome
	ready    chan struct{}
	failed   chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
}

func (r *sinkRecorder) sink(unit string, result HealthCheckResult, verdict Verdict) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes = append(r.outcomes, result.Outcome)
	r.verdicts = append(r.verdicts, verdict)
	if verdict == VerdictReady {
		select {
		case <-r.ready:
		default:
			close(r.ready)
		}
	}
	if verdict == VerdictFailed {
		select {
		case <-r.failed:
		default:
			close(r.failed)
		}
	}
}

func (r *sinkRecorder) snapshot() ([]ProbeOutcome, []Verdict) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]ProbeOutcome(nil), r.outcomes...), append([]Verdict(nil), r.verdicts...)
}

func waitClosed(t *testing.T, ch chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func probeConfig(retries int, startDelay time.Duration) topology.HealthCheckConfig {
	return topology.HealthCheckConfig{
		Type:       topology.HealthCheckTypeTCP,
		TCP:        topology.TCPHealthCheckConfig{Address: "127.0.0.1", Port: 1},
		Interval:   20 * time.Millisecond,
		Timeout:    20 * time.Millisecond,
		StartDelay: startDelay,
		Retries:    retries,
	}
}

func TestMonitor_ReadyAfterConsecutiveHealthyProbes(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(3, 0), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{true}}

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.ready, 2*time.Second, "ready verdict")

	_, verdicts := recorder.snapshot()
	require.GreaterOrEqual(t, len(verdicts), 3)
	assert.Equal(t, VerdictPending, verdicts[0])
	assert.Equal(t, VerdictPending, verdicts[1])
	assert.Equal(t, VerdictReady, verdicts[2])
}

func TestMonitor_SingleHealthyProbeDoesNotFlipEarly(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(3, 0), recorder.sink, testLogger())
	// An unhealthy probe between two healthy ones resets the streak.
	m.prober = &scriptedProber{script: []bool{true, true, false, true, true, true}}

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.ready, 2*time.Second, "ready verdict")

	_, verdicts := recorder.snapshot()
	// Ready is reached on probe 6, not before.
	for i := 0; i < 5 && i < len(verdicts); i++ {
		assert.Equal(t, VerdictPending, verdicts[i], "probe %d", i+1)
	}
}

func TestMonitor_FailedAfterConsecutiveUnhealthyProbes(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(3, 0), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{false}}

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.failed, 2*time.Second, "failed verdict")

	_, verdicts := recorder.snapshot()
	require.GreaterOrEqual(t, len(verdicts), 3)
	assert.Equal(t, VerdictPending, verdicts[0])
	assert.Equal(t, VerdictPending, verdicts[1])
	assert.Equal(t, VerdictFailed, verdicts[2])
}

func TestMonitor_ReadyUnitFailsAfterThreshold(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(2, 0), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{true, true, false, false}}

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.ready, 2*time.Second, "ready verdict")
	waitClosed(t, recorder.failed, 2*time.Second, "failed verdict")

	_, verdicts := recorder.snapshot()
	require.GreaterOrEqual(t, len(verdicts), 4)
	assert.Equal(t, VerdictReady, verdicts[1])
	// One unhealthy probe keeps the ready verdict, the second flips it.
	assert.Equal(t, VerdictReady, verdicts[2])
	assert.Equal(t, VerdictFailed, verdicts[3])
}

func TestMonitor_PanicCountsAsUnhealthy(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(2, 0), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{false}, panicAt: 1}

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.failed, 2*time.Second, "failed verdict")

	outcomes, _ := recorder.snapshot()
	assert.Equal(t, OutcomeUnhealthy, outcomes[0])
}

func TestMonitor_StartDelayDefersProbing(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(1, 100*time.Millisecond), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{true}}

	m.Start()
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	outcomes, _ := recorder.snapshot()
	assert.Empty(t, outcomes, "no probe may run during the grace period")

	waitClosed(t, recorder.ready, 2*time.Second, "ready verdict")
}

func TestMonitor_StopDuringGracePeriod(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(1, time.Hour), recorder.sink, testLogger())

	m.Start()
	m.Stop()

	outcomes, _ := recorder.snapshot()
	assert.Empty(t, outcomes)
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := NewMonitor("db", probeConfig(1, 0), newSinkRecorder().sink, testLogger())
	m.prober = &scriptedProber{script: []bool{true}}

	m.Start()
	m.Stop()
	m.Stop()
}

func TestMonitor_LastResult(t *testing.T) {
	recorder := newSinkRecorder()
	m := NewMonitor("db", probeConfig(1, 0), recorder.sink, testLogger())
	m.prober = &scriptedProber{script: []bool{true}}

	assert.Equal(t, OutcomeUnknown, m.LastResult().Outcome)

	m.Start()
	defer m.Stop()

	waitClosed(t, recorder.ready, 2*time.Second, "ready verdict")
	assert.Equal(t, OutcomeHealthy, m.LastResult().Outcome)
}

func TestTCPProber(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := &tcpProber{config: topology.TCPHealthCheckConfig{Address: "127.0.0.1", Port: port}}
	healthy, _ := p.probe(time.Second)
	assert.True(t, healthy)

	listener.Close()
	healthy, message := p.probe(100 * time.Millisecond)
	assert.False(t, healthy)
	assert.Contains(t, message, "tcp connect")
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthy":
			w.WriteHeader(http.StatusOK)
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	tests := []struct {
		name    string
		config  topology.HTTPHealthCheckConfig
		healthy bool
	}{
		{
			name:    "2xx_is_healthy",
			config:  topology.HTTPHealthCheckConfig{URL: server.URL + "/healthy", Method: "GET"},
			healthy: true,
		},
		{
			name:    "5xx_is_unhealthy",
			config:  topology.HTTPHealthCheckConfig{URL: server.URL + "/broken", Method: "GET"},
			healthy: false,
		},
		{
			name:    "expected_status_match",
			config:  topology.HTTPHealthCheckConfig{URL: server.URL + "/teapot", Method: "GET", ExpectedStatus: http.StatusTeapot},
			healthy: true,
		},
		{
			name:    "expected_status_mismatch",
			config:  topology.HTTPHealthCheckConfig{URL: server.URL + "/healthy", Method: "GET", ExpectedStatus: http.StatusNoContent},
			healthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &httpProber{config: tt.config}
			healthy, _ := p.probe(time.Second)
			assert.Equal(t, tt.healthy, healthy)
		})
	}
}

func TestExecProber(t *testing.T) {
	p := &execProber{config: topology.ExecHealthCheckConfig{Command: "sh", Args: []string{"-c", "exit 0"}}}
	healthy, _ := p.probe(2 * time.Second)
	assert.True(t, healthy)

	p = &execProber{config: topology.ExecHealthCheckConfig{Command: "sh", Args: []string{"-c", "exit 1"}}}
	healthy, message := p.probe(2 * time.Second)
	assert.False(t, healthy)
	assert.Contains(t, message, "exec probe failed")

	p = &execProber{config: topology.ExecHealthCheckConfig{Command: "sleep", Args: []string{"5"}}}
	healthy, message = p.probe(50 * time.Millisecond)
	assert.False(t, healthy)
	assert.Contains(t, message, "timed out")
}

func TestNewProber_SelectsByType(t *testing.T) {
	assert.IsType(t, &tcpProber{}, newProber(topology.HealthCheckConfig{Type: topology.HealthCheckTypeTCP}))
	assert.IsType(t, &httpProber{}, newProber(topology.HealthCheckConfig{Type: topology.HealthCheckTypeHTTP}))
	assert.IsType(t, &execProber{}, newProber(topology.HealthCheckConfig{Type: topology.HealthCheckTypeExec}))

	unknown := newProber(topology.HealthCheckConfig{Type: "icmp"})
	healthy, message := unknown.probe(time.Second)
	assert.False(t, healthy)
	assert.Contains(t, message, "unknown health check type")
}
