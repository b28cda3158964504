package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/fastdl/internal/utils"
)

// Writer is the single owner of the output artifact. It commits fully read
// chunks at their offsets in whatever order they arrive.
type Writer struct {
	path      string
	size      int64
	file      *os.File
	committed map[int]struct{}
	written   int64
	log       zerolog.Logger
}

// CreateWriter creates (or truncates) the artifact at path and pre-allocates
// it when the size is known.
func CreateWriter(path string, size int64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating output file: %v", err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("error pre-allocating output file: %v", err)
		}
	}
	return &Writer{
		path:      path,
		size:      size,
		file:      f,
		committed: make(map[int]struct{}),
		log:       utils.GetLogger("writer").With().Str("path", path).Logger(),
	}, nil
}

func (w *Writer) Path() string { return w.path }

// Written returns the number of bytes committed so far.
func (w *Writer) Written() int64 { return w.written }

// Commit writes a chunk's payload at its start offset. The payload is
// released whether or not the commit succeeds.
func (w *Writer) Commit(res ChunkResult) error {
	chunk := res.Chunk
	if res.Payload != nil {
		defer res.Payload.Release()
	}
	if res.Err != nil {
		return res.Err
	}
	if w.file == nil {
		return fmt.Errorf("commit chunk %d: writer is closed", chunk.Index)
	}
	if _, ok := w.committed[chunk.Index]; ok {
		return fmt.Errorf("commit chunk %d: %w", chunk.Index, ErrDuplicateChunk)
	}
	r, err := res.Payload.Reader()
	if err != nil {
		return fmt.Errorf("commit chunk %d: %w", chunk.Index, err)
	}
	n, err := io.Copy(io.NewOffsetWriter(w.file, chunk.Start), r)
	if err != nil {
		return fmt.Errorf("commit chunk %d: %w", chunk.Index, err)
	}
	if expected := chunk.Size(); expected >= 0 && n != expected {
		return fmt.Errorf("commit chunk %d: wrote %d bytes, expected %d", chunk.Index, n, expected)
	}
	w.committed[chunk.Index] = struct{}{}
	w.written += n
	chunk.Status = Done
	chunk.EndTime = time.Now()
	w.log.Debug().Int("chunk", chunk.Index).Int64("offset", chunk.Start).Int64("bytes", n).Msg("Chunk committed")
	return nil
}

// Run commits results until the channel is closed or the first error, which
// it returns at once so the caller can cancel producers. Results left in the
// channel are the caller's to release. onDone is called for every committed
// chunk.
func (w *Writer) Run(ctx context.Context, results <-chan ChunkResult, onDone func(*Chunk)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if err := w.Commit(res); err != nil {
				return err
			}
			if onDone != nil {
				onDone(res.Chunk)
			}
		}
	}
}

// releaseResults drops the payloads of results nobody will commit.
func releaseResults(results <-chan ChunkResult) {
	for res := range results {
		if res.Payload != nil {
			res.Payload.Release()
		}
	}
}

// Close flushes and closes the artifact. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("error syncing output file: %v", err)
	}
	return f.Close()
}

// Discard closes and removes the artifact.
func (w *Writer) Discard() error {
	w.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.log.Debug().Msg("Partial artifact removed")
	return nil
}

// Finalize closes the artifact, verifies its size against the expected total
// and moves it onto dest. On an integrity failure the artifact is removed.
func (w *Writer) Finalize(dest string) error {
	if err := w.Close(); err != nil {
		w.Discard()
		return err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("error verifying output file: %v", err)
	}
	if w.size >= 0 && (info.Size() != w.size || w.written != w.size) {
		actual := w.written
		if info.Size() != w.size {
			actual = info.Size()
		}
		w.Discard()
		return &IntegrityError{Expected: w.size, Actual: actual}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		w.Discard()
		return fmt.Errorf("error creating directory: %v", err)
	}
	if err := os.Rename(w.path, dest); err != nil {
		w.Discard()
		return fmt.Errorf("error moving output into place: %v", err)
	}
	w.log.Debug().Str("dest", dest).Int64("size", info.Size()).Msg("Output finalized")
	return nil
}
