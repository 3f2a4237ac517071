package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stack-tools/stackd/pkg/depgraph"
	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/supervisor"
	"github.com/stack-tools/stackd/pkg/topology"
)

// RunOptions carries daemon-level settings resolved from flags.
type RunOptions struct {
	ConfigFile  string
	Listen      string        // overrides the topology's listen address when set
	RunDuration time.Duration // 0 runs until a signal arrives
}

// StatusServer is what the runner needs from the status API; wired from
// pkg/status by the daemon entrypoint to keep this package free of HTTP
// concerns.
type StatusServer interface {
	Start()
	Shutdown(ctx context.Context)
}

// StatusServerFactory builds a status server for a listen address and a
// running orchestrator.
type StatusServerFactory func(listen string, orch *Orchestrator) StatusServer

// Run is the daemon main loop: load and validate the topology, build the
// dependency graph, bring the topology up, serve status until a signal or
// the run duration expires, then tear everything down in reverse order.
func Run(options RunOptions, newStatusServer StatusServerFactory, logger logging.Logger) error {
	logger.Infof("Loading topology, file: %s", options.ConfigFile)

	config, err := topology.LoadFile(options.ConfigFile)
	if err != nil {
		return err
	}

	graph, err := depgraph.Build(config.Units)
	if err != nil {
		return err
	}

	logger.Infof("Topology loaded, name: %s, units: %d, start_order: %v",
		config.Topology.Name, graph.Len(), graph.StartOrder())

	sup := supervisor.NewExecSupervisor(logging.NewPrefixedLogger(logger, "supervisor: "))
	orch := New(config, graph, sup, logger)

	listen := config.Topology.Listen
	if options.Listen != "" {
		listen = options.Listen
	}

	var statusServer StatusServer
	if listen != "" && newStatusServer != nil {
		statusServer = newStatusServer(listen, orch)
		statusServer.Start()
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if options.RunDuration > 0 {
		logger.Infof("Run duration bounded, duration: %v", options.RunDuration)
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	upCtx, upCancel := context.WithCancel(ctx)
	upErr := make(chan error, 1)
	go func() {
		upErr <- orch.Up(upCtx)
	}()

	select {
	case err := <-upErr:
		if err != nil && !errors.IsCancelledError(err) {
			logger.Errorf("Topology startup failed, error: %v", err)
		}
		if err == nil {
			// Settled; keep running until asked to stop.
			select {
			case receivedSignal := <-sig:
				logger.Infof("Received signal, shutting down, signal: %v", receivedSignal)
			case <-ctx.Done():
				logger.Infof("Run duration elapsed, shutting down")
			}
		}
	case receivedSignal := <-sig:
		logger.Infof("Received signal during startup, cancelling, signal: %v", receivedSignal)
		upCancel()
		<-upErr
	case <-ctx.Done():
		logger.Infof("Run duration elapsed during startup, cancelling")
		upCancel()
		<-upErr
	}
	upCancel()

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	// Teardown gets a fresh context; the orchestrator applies the
	// topology's own shutdown timeout.
	if err := orch.Down(context.Background()); err != nil {
		logger.Errorf("Teardown finished with errors, error: %v", err)
		return err
	}

	return nil
}

// ValidateTopologyFile loads and validates a topology document, including
// graph construction, without starting anything. Useful for CI checks.
func ValidateTopologyFile(configFile string) error {
	config, err := topology.LoadFile(configFile)
	if err != nil {
		return err
	}

	if _, err := depgraph.Build(config.Units); err != nil {
		return err
	}

	return nil
}
