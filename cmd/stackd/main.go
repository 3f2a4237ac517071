package main

import (
	"fmt"
	"os"
	"time"

	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/orchestrator"
	"github.com/stack-tools/stackd/pkg/status"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string        `long:"config" short:"c" description:"topology configuration file" required:"true"`
	Listen      string        `long:"listen" description:"status API listen address (overrides topology config)"`
	Validate    bool          `long:"validate" description:"validate the topology and exit"`
	RunDuration time.Duration `long:"run-duration" description:"stop after this duration (0 runs until signalled)"`
	LogLevel    string        `long:"log-level" default:"info" description:"log level: debug, info, warn, error"`
	Development bool          `long:"dev" description:"human-readable console log output"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := orchestrator.ValidateTopologyFile(opts.Config); err != nil {
			fmt.Printf("Topology validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Topology is valid")
		return
	}

	logger, flush, err := logging.NewZapLogger(logging.ZapConfig{
		Level:       opts.LogLevel,
		Development: opts.Development,
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	logger.Infof("stackd starting, config: %s", opts.Config)

	statusFactory := func(listen string, orch *orchestrator.Orchestrator) orchestrator.StatusServer {
		return status.NewServer(listen, orch, logging.NewPrefixedLogger(logger, "status: "))
	}

	runOptions := orchestrator.RunOptions{
		ConfigFile:  opts.Config,
		Listen:      opts.Listen,
		RunDuration: opts.RunDuration,
	}

	if err := orchestrator.Run(runOptions, statusFactory, logger); err != nil {
		logger.Errorf("stackd exited with error: %v", err)
		flush()
		os.Exit(1)
	}

	logger.Infof("stackd stopped")
}
