package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fastdl/internal/engine"
)

func TestCollectorChunkLifecycle(t *testing.T) {
	c := New()

	c.ChunkStarted()
	c.ChunkStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksInFlight))

	c.ChunkFinished(engine.AttemptRetryable, 200*time.Millisecond)
	c.ChunkRetried()
	c.ChunkFinished(engine.AttemptOK, time.Second)
	c.BytesReceived(1024)
	c.BytesReceived(512)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.chunksInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunkAttempts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunkAttempts.WithLabelValues("retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunkRetries))
	assert.Equal(t, 1536.0, testutil.ToFloat64(c.bytesDownloaded))
	assert.Equal(t, 1, testutil.CollectAndCount(c.chunkDuration))
}

func TestCollectorSessionOutcome(t *testing.T) {
	c := New()
	c.SessionFinished(engine.OutcomeCancelled, 3*time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.sessionDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionOutcome.WithLabelValues("cancelled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionOutcome.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionOutcome.WithLabelValues("aborted")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.BytesReceived(10)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.bytesDownloaded))
}

func TestWriteTextfile(t *testing.T) {
	c := New()
	c.BytesReceived(42)
	c.SessionFinished(engine.OutcomeCompleted, time.Second)

	path := filepath.Join(t.TempDir(), "textfile", "fastdl.prom")
	require.NoError(t, c.WriteTextfile(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "fastdl_bytes_downloaded_total 42")
	assert.Contains(t, string(content), `fastdl_session_outcome{outcome="completed"} 1`)
}
