// LogVigil - log file monitoring with pattern classification and alerting
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/pipeline"
	"github.com/logvigil/logvigil/pkg/types"
	"github.com/logvigil/logvigil/pkg/util"
)

// Build-time variables set by goreleaser or make
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Command-line flags
var (
	configPath = flag.String("config", "/etc/logvigil/config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error, fatal)")
	logFormat  = flag.String("log-format", "", "Override log format (json, text)")
	version    = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Parse()

	if *version {
		printVersion()
		os.Exit(0)
	}

	config, err := loadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := setupLogging(config.Settings); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Infof("LogVigil %s starting (commit %s)", Version, GitCommit)
	logger.Infof("Configuration loaded from %s: %d watch paths, store capacity %d",
		*configPath, len(config.Watch.Paths), config.Store.MaxIssues)

	p, err := pipeline.New(config, *configPath)
	if err != nil {
		logger.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := p.Start(); err != nil {
		logger.Fatalf("Failed to start pipeline: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Infof("Received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p.Stop(ctx)

	logger.Infof("Shutdown complete")
}

// loadConfiguration loads the config file and applies flag overrides.
func loadConfiguration() (*types.Config, error) {
	config, err := util.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if *logLevel != "" {
		config.Settings.LogLevel = *logLevel
	}
	if *logFormat != "" {
		config.Settings.LogFormat = *logFormat
	}
	return config, nil
}

func setupLogging(settings types.GlobalSettings) error {
	return logger.Initialize(settings.LogLevel, settings.LogFormat, settings.LogOutput, settings.LogFile)
}

func printVersion() {
	fmt.Printf("LogVigil %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildTime)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
