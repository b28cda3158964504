package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/fastdl/internal/hostinfo"
	"github.com/tanq16/fastdl/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is the session's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateDownloading
	StateFinalizing
	StateCompleted
	StateAborted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StatePlanning:
		return "planning"
	case StateDownloading:
		return "downloading"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCancelled
}

// Outcome is how a session ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAborted
	OutcomeCancelled
)

// Process exit codes.
const (
	ExitCompleted = 0
	ExitAborted   = 1
	ExitUsage     = 2
	ExitCancelled = 130
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted:
		return ExitCompleted
	case OutcomeCancelled:
		return ExitCancelled
	default:
		return ExitAborted
	}
}

func (o Outcome) State() State {
	switch o {
	case OutcomeCompleted:
		return StateCompleted
	case OutcomeCancelled:
		return StateCancelled
	default:
		return StateAborted
	}
}

// Recorder receives session events for metrics. Calls come from worker
// goroutines concurrently.
type Recorder interface {
	ChunkStarted()
	ChunkFinished(result string, elapsed time.Duration)
	ChunkRetried()
	BytesReceived(n int)
	SessionFinished(outcome Outcome, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ChunkStarted()                          {}
func (nopRecorder) ChunkFinished(string, time.Duration)    {}
func (nopRecorder) ChunkRetried()                          {}
func (nopRecorder) BytesReceived(int)                      {}
func (nopRecorder) SessionFinished(Outcome, time.Duration) {}

// Options configures a session. Zero values select defaults.
type Options struct {
	URL string
	// OutputPath is the explicit destination. An existing file is replaced
	// on success. When empty the name is inferred into OutputDir and never
	// overwrites an existing file.
	OutputPath string
	OutputDir  string
	// Connections overrides the host-derived concurrency when positive.
	Connections  int
	MinChunkSize int64
	Client       utils.HTTPDoer
	Retry        RetryPolicy
	// LimitRate caps aggregate throughput in bytes per second; 0 is unlimited.
	LimitRate int64
	// MemoryBudget bounds in-memory chunk payloads. 0 derives it from the
	// host; a negative value always spools chunks to disk.
	MemoryBudget int64
	StallTimeout time.Duration
	Recorder     Recorder
	// OnState is called on every state transition.
	OnState func(State)
	// Host inspects the machine for sizing. Defaults to hostinfo.Inspect.
	Host func(ctx context.Context) hostinfo.Info
}

// Result describes a finished session.
type Result struct {
	Outcome    Outcome
	Task       Task
	Probe      ProbeResult
	OutputPath string
	Chunks     []*Chunk
	Workers    int
	Spooled    bool
	Retries    int
	Snapshot   Snapshot
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Session downloads one URL end to end.
type Session struct {
	opts     Options
	state    atomic.Int32
	progress atomic.Pointer[Progress]
	log      zerolog.Logger
}

func NewSession(opts Options) (*Session, error) {
	if _, err := ValidateURL(opts.URL); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		opts.Client = utils.NewHTTPClient(utils.HTTPClientConfig{HTTP2: true})
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = utils.DefaultMinChunk
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = 60 * time.Second
	}
	if opts.LimitRate < 0 {
		opts.LimitRate = 0
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Host == nil {
		opts.Host = hostinfo.Inspect
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Session{
		opts: opts,
		log:  utils.GetLogger("session").With().Str("url", opts.URL).Logger(),
	}, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Snapshot returns current progress; it is zero until planning is done.
func (s *Session) Snapshot() Snapshot {
	if p := s.progress.Load(); p != nil {
		return p.Snapshot()
	}
	return Snapshot{TotalBytes: -1}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.log.Debug().Str("state", state.String()).Msg("Session state changed")
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
}

// Run drives the session to a terminal state. The returned error is the
// single diagnostic for an Aborted or Cancelled outcome and equals
// Result.Err.
func (s *Session) Run(ctx context.Context) (Result, error) {
	result := Result{StartedAt: time.Now()}
	finish := func(err error) (Result, error) {
		result.Duration = time.Since(result.StartedAt)
		result.Err = err
		switch {
		case err == nil:
			result.Outcome = OutcomeCompleted
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			result.Outcome = OutcomeCancelled
		default:
			result.Outcome = OutcomeAborted
		}
		for _, c := range result.Chunks {
			if c.Attempts > 1 {
				result.Retries += c.Attempts - 1
			}
		}
		result.Snapshot = s.Snapshot()
		s.opts.Recorder.SessionFinished(result.Outcome, result.Duration)
		s.setState(result.Outcome.State())
		return result, err
	}

	s.setState(StateProbing)
	probe, err := Probe(ctx, s.opts.Client, s.opts.URL)
	if err != nil {
		return finish(err)
	}
	result.Probe = probe

	s.setState(StatePlanning)
	info := s.opts.Host(ctx)
	hint := s.opts.Connections
	if hint <= 0 {
		hint = hostinfo.ConcurrencyHint(info, probe.Size, s.opts.MinChunkSize)
	}
	chunks := Plan(probe.Size, probe.RangesSupported, hint)
	workers := min(min(max(hint, 1), MaxChunks), len(chunks))
	task := Task{
		URL:             probe.URL,
		Size:            probe.Size,
		RangesSupported: probe.RangesSupported,
		ETag:            probe.ETag,
		OutputPath:      s.resolveOutputPath(probe),
		Connections:     workers,
	}
	result.Task = task
	result.Chunks = chunks
	result.Workers = workers
	result.OutputPath = task.OutputPath

	token := utils.NewToken()
	newPayload, spooled := s.payloadFactory(info, task, chunks, workers, token)
	result.Spooled = spooled
	progress := NewProgress(task.Size, len(chunks))
	s.progress.Store(progress)
	s.log.Debug().Int("cpus", info.CPUs).Uint64("availableMemory", info.AvailableMemory).
		Int64("size", task.Size).Bool("ranges", task.RangesSupported).Int("chunks", len(chunks)).
		Int("workers", workers).Bool("spooled", spooled).Str("output", task.OutputPath).Msg("Download planned")

	s.setState(StateDownloading)
	defer utils.RemoveTempDirIfEmpty(utils.TempDir(task.OutputPath))
	writer, err := CreateWriter(utils.TempArtifactPath(task.OutputPath, token, "part"), task.Size)
	if err != nil {
		return finish(err)
	}

	f := &fetcher{
		client:       s.opts.Client,
		task:         task,
		policy:       s.opts.Retry,
		progress:     progress,
		newPayload:   newPayload,
		stallTimeout: s.opts.StallTimeout,
		recorder:     s.opts.Recorder,
		log:          utils.GetLogger("worker"),
	}
	if s.opts.LimitRate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(s.opts.LimitRate), int(max(s.opts.LimitRate, utils.DefaultBufferSize)))
	}

	progress.Start()
	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		progress.Watch(watchCtx, 5*time.Second, func(snap Snapshot) {
			s.log.Debug().Int64("bytes", snap.BytesCompleted).Int("chunksDone", snap.ChunksCompleted).
				Float64("bytesPerSecond", snap.Rate()).Msg("Download progress")
		})
	}()
	err = s.download(ctx, f, chunks, workers, writer)
	progress.Stop()
	stopWatch()
	<-watched
	if err != nil {
		writer.Discard()
		return finish(err)
	}

	s.setState(StateFinalizing)
	if err := writer.Finalize(task.OutputPath); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// download runs the worker pool and the writer until every chunk is
// committed or the first fatal error cancels the rest.
func (s *Session) download(ctx context.Context, f *fetcher, chunks []*Chunk, workers int, writer *Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	queue := make(chan *Chunk, len(chunks))
	for _, c := range chunks {
		queue <- c
	}
	close(queue)
	results := make(chan ChunkResult, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return f.work(gctx, queue, results)
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	g.Go(func() error {
		return writer.Run(gctx, results, func(*Chunk) { f.progress.ChunkDone() })
	})

	err := g.Wait()
	releaseResults(results)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if done := f.progress.Snapshot().ChunksCompleted; done != len(chunks) {
		return fmt.Errorf("only %d of %d chunks completed", done, len(chunks))
	}
	return nil
}

// payloadFactory keeps payloads in memory when every worker can hold its
// largest chunk within the budget, and spools them to disk otherwise.
func (s *Session) payloadFactory(info hostinfo.Info, task Task, chunks []*Chunk, workers int, token string) (payloadFactory, bool) {
	budget := s.opts.MemoryBudget
	if budget == 0 {
		budget = hostinfo.MemoryBudget(info)
	}
	var largest int64
	for _, c := range chunks {
		size := c.Size()
		if size < 0 {
			largest = -1
			break
		}
		largest = max(largest, size)
	}
	if budget > 0 && largest >= 0 && largest*int64(workers) <= budget {
		return newMemoryPayload, false
	}
	return spoolFactory(func(c *Chunk) string {
		return utils.TempArtifactPath(task.OutputPath, token, fmt.Sprintf("chunk%d", c.Index))
	}), true
}

// resolveOutputPath honors an explicit output path as is. Otherwise the name
// comes from Content-Disposition or the URL and is renamed rather than
// overwriting an existing file.
func (s *Session) resolveOutputPath(probe ProbeResult) string {
	if s.opts.OutputPath != "" {
		return s.opts.OutputPath
	}
	name := probe.Filename
	if name == "" {
		name = utils.FileNameFromURL(probe.URL)
	}
	if name == "" || name == "_" {
		name = utils.FileNameFromURL(s.opts.URL)
	}
	outputPath := filepath.Join(s.opts.OutputDir, name)
	if _, err := os.Stat(outputPath); err == nil {
		renewed := utils.RenewOutputPath(outputPath)
		s.log.Debug().Str("existing", outputPath).Str("renamed", renewed).Msg("Output exists, renaming")
		outputPath = renewed
	}
	return outputPath
}
