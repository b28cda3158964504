package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tanq16/fastdl/internal/config"
	"github.com/tanq16/fastdl/internal/engine"
	"github.com/tanq16/fastdl/internal/metrics"
	"github.com/tanq16/fastdl/internal/output"
	"github.com/tanq16/fastdl/internal/report"
	"github.com/tanq16/fastdl/internal/utils"
)

// Job is one download requested from the command line.
type Job struct {
	URL    string
	Output string // file path, existing directory, or empty
}

// Run downloads job with cfg and returns the process exit code. The live
// display and summary go to out.
func Run(ctx context.Context, job Job, cfg *config.Config, out io.Writer) int {
	log := utils.GetLogger("scheduler")
	collector := metrics.New()
	display := output.NewManager(out, job.URL)

	opts := engine.Options{
		URL:          job.URL,
		Connections:  cfg.Connections,
		MinChunkSize: cfg.MinChunkSize,
		Client:       utils.NewHTTPClient(cfg.HTTPClientConfig(cfg.Connections)),
		Retry:        cfg.RetryPolicy(),
		LimitRate:    cfg.LimitRate,
		MemoryBudget: cfg.MemoryBudget,
		StallTimeout: cfg.StallTimeout,
		Recorder:     collector,
		OnState:      display.SetState,
	}
	opts.OutputPath, opts.OutputDir = splitOutput(job.Output)

	session, err := engine.NewSession(opts)
	if err != nil {
		output.PrintError(err.Error())
		if IsUsageError(err) {
			return engine.ExitUsage
		}
		return engine.ExitAborted
	}

	display.StartDisplay(session.Snapshot)
	result, err := session.Run(ctx)
	display.StopDisplay()
	display.ShowSummary(result)
	if err != nil {
		log.Debug().Err(err).Str("outcome", result.Outcome.String()).Msg("Session did not complete")
	}

	if cfg.ReportFile != "" {
		if werr := report.Write(cfg.ReportFile, report.Build(job.URL, result)); werr != nil {
			output.PrintWarning(fmt.Sprintf("Report not written: %v", werr))
		}
	}
	if cfg.MetricsFile != "" {
		if werr := collector.WriteTextfile(cfg.MetricsFile); werr != nil {
			output.PrintWarning(fmt.Sprintf("Metrics not written: %v", werr))
		}
	}
	return result.Outcome.ExitCode()
}

// splitOutput treats an existing directory as the place to infer a name
// into, and anything else as the explicit destination file.
func splitOutput(target string) (path, dir string) {
	if target == "" {
		return "", ""
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return "", target
	}
	return target, ""
}

// IsUsageError reports whether err comes from bad input rather than a failed
// transfer.
func IsUsageError(err error) bool {
	return errors.Is(err, engine.ErrInvalidURL)
}
