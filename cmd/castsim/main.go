package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/caststream/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	controlPipe      = "pipe"
	controlWebSocket = "websocket"
)

// errNegotiationFailed marks a run that never reached streaming.
var errNegotiationFailed = errors.New("negotiation failed")

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	duration     time.Duration
	frameRate    int
	videoBitRate int
	targetDelay  time.Duration
	loss         float64
	noAudio      bool
	control      string
	encrypt      bool
	logLevel     string
	jsonLogs     bool
	metricsAddr  string
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := pflag.NewFlagSet("castsim", pflag.ContinueOnError)

	fs.DurationVarP(&config.duration, "duration", "d", 10*time.Second, "How long to stream")
	fs.IntVarP(&config.frameRate, "frame-rate", "r", 30, "Video frames per second")
	fs.IntVar(&config.videoBitRate, "video-bitrate", 2_000_000, "Target video bit rate in bits/s")
	fs.DurationVar(&config.targetDelay, "target-delay", session.DefaultTargetPlayoutDelay, "Target playout delay")
	fs.Float64Var(&config.loss, "loss", 0, "Fraction of sender datagrams to drop (0 to 1)")
	fs.BoolVar(&config.noAudio, "no-audio", false, "Do not offer an audio stream")

	fs.StringVar(&config.control, "control", controlPipe, "Control channel: pipe or websocket")
	fs.BoolVar(&config.encrypt, "encrypt", true, "Noise-encrypt the WebSocket control channel")

	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.jsonLogs, "json-logs", false, "Emit logs as JSON")
	fs.StringVar(&config.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "castsim streams synthetic media between a local Cast sender and receiver.\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n  castsim [options]\n\nOptions:\n")
	fs.PrintDefaults()
}

// validateCLIConfig rejects values the simulation cannot run with.
func validateCLIConfig(config *CLIConfig) error {
	if config.duration <= 0 {
		return fmt.Errorf("invalid duration: %v", config.duration)
	}
	if config.frameRate < 1 || config.frameRate > 120 {
		return fmt.Errorf("invalid frame rate: %d (must be 1-120)", config.frameRate)
	}
	if config.videoBitRate < 8*config.frameRate {
		return fmt.Errorf("invalid video bit rate: %d", config.videoBitRate)
	}
	if config.targetDelay <= 0 {
		return fmt.Errorf("invalid target delay: %v", config.targetDelay)
	}
	if config.loss < 0 || config.loss >= 1 {
		return fmt.Errorf("invalid loss: %v (must be in [0, 1))", config.loss)
	}
	if config.control != controlPipe && config.control != controlWebSocket {
		return fmt.Errorf("invalid control channel: %q (must be %s or %s)", config.control, controlPipe, controlWebSocket)
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// configureLogging applies the log level and format.
func configureLogging(config *CLIConfig) {
	level, err := logrus.ParseLevel(strings.ToLower(config.logLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if config.jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// setupSignalHandling cancels the run on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "setupSignalHandling",
			"signal":   sig.String(),
		}).Info("Shutting down")
		cancel()
	}()
}

func main() {
	config, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(config)

	ctx, cancel := context.WithTimeout(context.Background(), config.duration)
	defer cancel()
	setupSignalHandling(cancel)

	sim, err := newSimulation(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		os.Exit(1)
	}

	summary, err := sim.run(ctx)
	sim.close()

	if summary != nil {
		fmt.Printf("Frames sent: audio %d, video %d. Frames received: audio %d, video %d.\n",
			summary.sent[audioIndex], summary.sent[videoIndex],
			summary.received[audioIndex], summary.received[videoIndex])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed: %v\n", err)
		if errors.Is(err, errNegotiationFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
