package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/fastdl/internal/engine"
	"gopkg.in/yaml.v3"
)

type Report struct {
	URL         string        `yaml:"url"`
	FinalURL    string        `yaml:"final_url,omitempty"`
	Output      string        `yaml:"output,omitempty"`
	Size        int64         `yaml:"size"`
	Ranges      bool          `yaml:"ranges_supported"`
	Workers     int           `yaml:"workers"`
	Spooled     bool          `yaml:"spooled"`
	Outcome     string        `yaml:"outcome"`
	ExitCode    int           `yaml:"exit_code"`
	Error       string        `yaml:"error,omitempty"`
	StartedAt   time.Time     `yaml:"started_at"`
	Duration    time.Duration `yaml:"duration"`
	BytesTotal  int64         `yaml:"bytes_completed"`
	AverageRate float64       `yaml:"average_bytes_per_second"`
	Retries     int           `yaml:"retries"`
	Chunks      []ChunkEntry  `yaml:"chunks"`
}

type ChunkEntry struct {
	Index    int    `yaml:"index"`
	Start    int64  `yaml:"start"`
	End      int64  `yaml:"end"`
	Status   string `yaml:"status"`
	Attempts int    `yaml:"attempts"`
	Error    string `yaml:"error,omitempty"`
}

// Build summarizes a finished session.
func Build(rawURL string, result engine.Result) Report {
	r := Report{
		URL:         rawURL,
		FinalURL:    result.Task.URL,
		Output:      result.OutputPath,
		Size:        result.Task.Size,
		Ranges:      result.Task.RangesSupported,
		Workers:     result.Workers,
		Spooled:     result.Spooled,
		Outcome:     result.Outcome.String(),
		ExitCode:    result.Outcome.ExitCode(),
		StartedAt:   result.StartedAt,
		Duration:    result.Duration,
		BytesTotal:  result.Snapshot.BytesCompleted,
		AverageRate: result.Snapshot.Rate(),
		Retries:     result.Retries,
		Chunks:      make([]ChunkEntry, 0, len(result.Chunks)),
	}
	if result.Err != nil {
		r.Error = result.Err.Error()
	}
	for _, c := range result.Chunks {
		entry := ChunkEntry{
			Index:    c.Index,
			Start:    c.Start,
			End:      c.End,
			Status:   c.Status.String(),
			Attempts: c.Attempts,
		}
		if c.LastError != nil && c.Status != engine.Done {
			entry.Error = c.LastError.Error()
		}
		r.Chunks = append(r.Chunks, entry)
	}
	return r
}

// Write stores the report as YAML at path.
func Write(path string, r Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error encoding report: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing report: %v", err)
	}
	return nil
}
