package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fastdl/internal/engine"
	"gopkg.in/yaml.v3"
)

func abortedResult() engine.Result {
	chunks := engine.Plan(100, true, 2)
	chunks[0].Status = engine.Done
	chunks[0].Attempts = 1
	chunks[1].Status = engine.Failed
	chunks[1].Attempts = 3
	chunks[1].LastError = errors.New("unexpected status: 503 Service Unavailable")
	return engine.Result{
		Outcome:    engine.OutcomeAborted,
		Task:       engine.Task{URL: "https://cdn.example.com/f.bin", Size: 100, RangesSupported: true},
		OutputPath: "/tmp/f.bin",
		Chunks:     chunks,
		Workers:    2,
		Retries:    2,
		Snapshot:   engine.Snapshot{BytesCompleted: 50, TotalBytes: 100, Elapsed: 2 * time.Second},
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:   2 * time.Second,
		Err:        errors.New("chunk 1 (bytes 50-99) failed after 3 attempt(s)"),
	}
}

func TestBuild(t *testing.T) {
	r := Build("https://example.com/f.bin", abortedResult())

	assert.Equal(t, "aborted", r.Outcome)
	assert.Equal(t, 1, r.ExitCode)
	assert.Equal(t, "https://cdn.example.com/f.bin", r.FinalURL)
	assert.Equal(t, 25.0, r.AverageRate)
	require.Len(t, r.Chunks, 2)
	assert.Equal(t, "done", r.Chunks[0].Status)
	assert.Empty(t, r.Chunks[0].Error)
	assert.Equal(t, "failed", r.Chunks[1].Status)
	assert.Equal(t, 3, r.Chunks[1].Attempts)
	assert.Contains(t, r.Chunks[1].Error, "503")
	assert.Contains(t, r.Error, "chunk 1")
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "session.yaml")
	require.NoError(t, Write(path, Build("https://example.com/f.bin", abortedResult())))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(content, &decoded))
	assert.Equal(t, "aborted", decoded["outcome"])
	assert.Equal(t, 100, decoded["size"])
	chunks, ok := decoded["chunks"].([]any)
	require.True(t, ok)
	assert.Len(t, chunks, 2)
}
