package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/fastdl/internal/utils"
	"golang.org/x/time/rate"
)

// Attempt results reported to the Recorder.
const (
	AttemptOK        = "ok"
	AttemptRetryable = "retryable"
	AttemptFatal     = "fatal"
	AttemptCancelled = "cancelled"
)

// fetcher holds what every worker of a session shares.
type fetcher struct {
	client       utils.HTTPDoer
	task         Task
	policy       RetryPolicy
	progress     *Progress
	limiter      *rate.Limiter // nil when unlimited
	newPayload   payloadFactory
	stallTimeout time.Duration
	recorder     Recorder
	log          zerolog.Logger
}

// work pulls chunks off the queue until it is drained. A chunk that fails
// terminally ends the worker with the chunk's error; the session's errgroup
// then cancels the siblings.
func (f *fetcher) work(ctx context.Context, queue <-chan *Chunk, results chan<- ChunkResult) error {
	buf := make([]byte, utils.DefaultBufferSize)
	for chunk := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := f.fetchChunk(ctx, chunk, buf)
		if err != nil {
			return err
		}
		select {
		case results <- res:
		case <-ctx.Done():
			res.Payload.Release()
			return ctx.Err()
		}
	}
	return nil
}

// fetchChunk runs the retry state machine for one chunk and returns the
// fully read payload.
func (f *fetcher) fetchChunk(ctx context.Context, chunk *Chunk, buf []byte) (ChunkResult, error) {
	log := f.log.With().Int("chunk", chunk.Index).Str("range", chunk.RangeHeader()).Logger()
	chunk.StartTime = time.Now()
	var payload Payload
	err := f.policy.Do(ctx, chunk, log, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			f.recorder.ChunkRetried()
		}
		p, err := f.newPayload(chunk)
		if err != nil {
			return err
		}
		f.recorder.ChunkStarted()
		started := time.Now()
		err = f.fetchOnce(ctx, chunk, p, buf)
		f.recorder.ChunkFinished(attemptResult(ctx, err), time.Since(started))
		if err != nil {
			p.Release()
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return ChunkResult{}, err
	}
	log.Debug().Int("attempts", chunk.Attempts).Int64("bytes", payload.Len()).Msg("Chunk fetched")
	return ChunkResult{Chunk: chunk, Payload: payload}, nil
}

func attemptResult(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return AttemptOK
	case ctx.Err() != nil:
		return AttemptCancelled
	case Retryable(err):
		return AttemptRetryable
	default:
		return AttemptFatal
	}
}

// fetchOnce issues one GET for the chunk and streams the body into payload.
func (f *fetcher) fetchOnce(ctx context.Context, chunk *Chunk, payload Payload, buf []byte) error {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, f.task.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	ranged := f.task.RangesSupported
	if ranged {
		req.Header.Set("Range", chunk.RangeHeader())
		if f.task.ETag != "" {
			req.Header.Set("If-Range", f.task.ETag)
		}
	}

	var stall *time.Timer
	if f.stallTimeout > 0 {
		stall = time.AfterFunc(f.stallTimeout, func() { cancel(ErrStalled) })
		defer stall.Stop()
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return attemptError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	expected, err := f.expectedLength(resp, chunk, ranged)
	if err != nil {
		return err
	}

	body := io.Reader(resp.Body)
	if expected >= 0 {
		body = io.LimitReader(resp.Body, expected+1)
	}
	var received int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if f.limiter != nil {
				// Throttling is not a stall; the timer only covers the network.
				if stall != nil && !stall.Stop() {
					return attemptError(ctx, attemptCtx, ErrStalled)
				}
				if err := f.limiter.WaitN(attemptCtx, n); err != nil {
					return attemptError(ctx, attemptCtx, err)
				}
			}
			if stall != nil {
				stall.Reset(f.stallTimeout)
			}
			received += int64(n)
			if expected >= 0 && received > expected {
				return fmt.Errorf("%w: more than %d bytes", ErrOverflow, expected)
			}
			if _, err := payload.Write(buf[:n]); err != nil {
				return err
			}
			f.progress.Advance(chunk.Index, received)
			f.recorder.BytesReceived(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return attemptError(ctx, attemptCtx, readErr)
		}
	}

	if expected >= 0 && received < expected {
		return fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, received, expected)
	}
	if expected < 0 && resp.ContentLength >= 0 && received != resp.ContentLength {
		return fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, received, resp.ContentLength)
	}
	return nil
}

// expectedLength validates the response status and headers against the
// chunk and returns how many body bytes must follow, or -1 if unknown.
func (f *fetcher) expectedLength(resp *http.Response, chunk *Chunk, ranged bool) (int64, error) {
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, _, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, err
		}
		if start != chunk.Start || (!chunk.OpenEnded() && end != chunk.End) {
			return 0, fmt.Errorf("%w: asked for %s, got bytes %d-%d", ErrMalformedRange, chunk.RangeHeader(), start, end)
		}
		return end - start + 1, nil
	case http.StatusOK:
		// A full body is only acceptable for a chunk that spans the whole
		// resource; otherwise the range was ignored or If-Range failed.
		wholeResource := chunk.Start == 0 && (chunk.OpenEnded() || !f.task.SizeKnown() || chunk.End == f.task.Size-1)
		if ranged && !wholeResource {
			return 0, fmt.Errorf("chunk %d: %w", chunk.Index, ErrRangeIgnored)
		}
		return chunk.Size(), nil
	default:
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// attemptError maps a failure of the attempt context back to its cause.
func attemptError(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if cause := context.Cause(attemptCtx); errors.Is(cause, ErrStalled) {
		return ErrStalled
	}
	return err
}
