package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/stack-tools/stackd/pkg/topology"
)

// prober performs a single health probe bounded by timeout. A probe that
// exceeds its timeout reports unhealthy, identically to a negative result.
type prober interface {
	probe(timeout time.Duration) (healthy bool, message string)
}

func newProber(config topology.HealthCheckConfig) prober {
	switch config.Type {
	case topology.HealthCheckTypeTCP:
		return &tcpProber{config: config.TCP}
	case topology.HealthCheckTypeHTTP:
		return &httpProber{config: config.HTTP}
	case topology.HealthCheckTypeExec:
		return &execProber{config: config.Exec}
	default:
		// Unreachable after topology validation, but the monitor must
		// never crash the process over it.
		return &unknownProber{checkType: string(config.Type)}
	}
}

type tcpProber struct {
	config topology.TCPHealthCheckConfig
}

func (p *tcpProber) probe(timeout time.Duration) (bool, string) {
	address := net.JoinHostPort(p.config.Address, fmt.Sprintf("%d", p.config.Port))

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false, fmt.Sprintf("tcp connect to %s failed: %v", address, err)
	}
	defer conn.Close()

	return true, fmt.Sprintf("tcp connect to %s succeeded", address)
}

type httpProber struct {
	config topology.HTTPHealthCheckConfig
}

func (p *httpProber) probe(timeout time.Duration) (bool, string) {
	client := &http.Client{
		Timeout: timeout,
	}

	req, err := http.NewRequest(p.config.Method, p.config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("failed to create http request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("http request to %s failed: %v", p.config.URL, err)
	}
	defer resp.Body.Close()

	if p.config.ExpectedStatus != 0 {
		if resp.StatusCode == p.config.ExpectedStatus {
			return true, fmt.Sprintf("http probe returned expected status %d", resp.StatusCode)
		}
		return false, fmt.Sprintf("http probe returned status %d, expected %d", resp.StatusCode, p.config.ExpectedStatus)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("http probe returned %d %s", resp.StatusCode, resp.Status)
	}

	return false, fmt.Sprintf("http probe returned %d %s", resp.StatusCode, resp.Status)
}

type execProber struct {
	config topology.ExecHealthCheckConfig
}

func (p *execProber) probe(timeout time.Duration) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.config.Command, p.config.Args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("exec probe timed out after %v", timeout)
	}
	if err != nil {
		return false, fmt.Sprintf("exec probe failed: %v, output: %s", err, string(output))
	}

	return true, "exec probe exited 0"
}

type unknownProber struct {
	checkType string
}

func (p *unknownProber) probe(time.Duration) (bool, string) {
	return false, "unknown health check type: " + p.checkType
}
