package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/fastdl/internal/config"
	"github.com/tanq16/fastdl/internal/engine"
	"github.com/tanq16/fastdl/internal/output"
	"github.com/tanq16/fastdl/internal/scheduler"
	"github.com/tanq16/fastdl/internal/utils"
)

var FastdlVersion = "dev"

var (
	outputPath string
	configPath string
)

// exitError carries a process exit code out of cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fastdl [flags] URL",
		Short:         "fastdl downloads one file over parallel ranged connections",
		Version:       FastdlVersion,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				output.PrintError(err.Error())
				return exitError{engine.ExitUsage}
			}
			closer, err := utils.InitLogger(cfg.Debug, cfg.LogFile)
			if err != nil {
				output.PrintError(fmt.Sprintf("Cannot open log file: %v", err))
				return exitError{engine.ExitUsage}
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			code := scheduler.Run(ctx, scheduler.Job{URL: args[0], Output: outputPath}, cfg, os.Stderr)
			if code != engine.ExitCompleted {
				return exitError{code}
			}
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&outputPath, "output", "o", "", "Output file path or directory (file name is inferred if not provided)")
	flags.StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/fastdl/config.yaml)")
	flags.IntP("connections", "c", 0, "Number of connections (0 sizes from CPU count and file size)")
	flags.DurationP("timeout", "t", 3*time.Minute, "Time to wait for response headers (eg. 5s, 10m)")
	flags.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.Duration("stall-timeout", 60*time.Second, "Retry a chunk that receives no data for this long")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.Bool("http2", true, "Allow HTTP/2 when the server offers it")
	flags.IntP("retries", "r", engine.DefaultMaxAttempts, "Attempts per chunk before the download is aborted")
	flags.Duration("retry-base-delay", engine.DefaultBaseDelay, "Delay before the first retry, doubled per attempt")
	flags.Duration("retry-max-delay", engine.DefaultMaxDelay, "Upper bound on the retry delay")
	flags.String("min-chunk-size", "2MiB", "Smallest chunk worth its own connection")
	flags.String("limit-rate", "", "Cap total throughput (eg. 500KiB, 10MB); per second")
	flags.String("memory-budget", "", "Memory for buffering chunks before spooling to disk (0 always spools)")
	flags.String("metrics-file", "", "Write Prometheus metrics in text format to this file")
	flags.String("report", "", "Write a YAML report of the download to this file")
	flags.String("log-file", "", "Append JSON logs to this file instead of stderr")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newCleanCmd())
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return engine.ExitCompleted
	}
	if e, ok := err.(exitError); ok {
		return e.code
	}
	output.PrintError(err.Error())
	return engine.ExitUsage
}
