package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of a session's progress.
type Snapshot struct {
	BytesCompleted  int64
	TotalBytes      int64 // -1 when unknown
	ChunksCompleted int
	ChunksTotal     int
	Elapsed         time.Duration
}

// Percent returns completion in [0, 100], or -1 if the total is unknown.
func (s Snapshot) Percent() float64 {
	if s.TotalBytes < 0 {
		return -1
	}
	if s.TotalBytes == 0 {
		return 100
	}
	return float64(s.BytesCompleted) / float64(s.TotalBytes) * 100
}

// Rate returns the average transfer rate in bytes per second.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesCompleted) / s.Elapsed.Seconds()
}

// Progress aggregates byte deltas from concurrent workers into one
// non-decreasing total. Each chunk keeps a high-water mark so that bytes
// re-received on a retry are not counted twice.
type Progress struct {
	total      int64
	chunks     []atomic.Int64
	received   atomic.Int64
	chunksDone atomic.Int64
	start      atomic.Int64 // unix nanos; 0 until Start
	end        atomic.Int64 // unix nanos; 0 while running
}

func NewProgress(total int64, chunks int) *Progress {
	return &Progress{
		total:  total,
		chunks: make([]atomic.Int64, chunks),
	}
}

// Start marks the beginning of the transfer for elapsed-time accounting.
func (p *Progress) Start() {
	p.start.CompareAndSwap(0, time.Now().UnixNano())
}

// Stop freezes the elapsed time.
func (p *Progress) Stop() {
	p.end.CompareAndSwap(0, time.Now().UnixNano())
}

// Advance records that the current attempt of a chunk has received n bytes
// in total. Only growth beyond the chunk's previous maximum is added to the
// aggregate.
func (p *Progress) Advance(index int, n int64) {
	if index < 0 || index >= len(p.chunks) {
		return
	}
	mark := &p.chunks[index]
	for {
		prev := mark.Load()
		if n <= prev {
			return
		}
		if mark.CompareAndSwap(prev, n) {
			p.received.Add(n - prev)
			return
		}
	}
}

// ChunkDone records a committed chunk.
func (p *Progress) ChunkDone() {
	p.chunksDone.Add(1)
}

func (p *Progress) Snapshot() Snapshot {
	s := Snapshot{
		BytesCompleted:  p.received.Load(),
		TotalBytes:      p.total,
		ChunksCompleted: int(p.chunksDone.Load()),
		ChunksTotal:     len(p.chunks),
	}
	if start := p.start.Load(); start != 0 {
		end := p.end.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		s.Elapsed = time.Duration(end - start)
	}
	return s
}

// Watch calls fn with a fresh snapshot every interval until ctx is done,
// then once more with the final snapshot. fn runs on the watching goroutine,
// so a slow consumer only delays its own next tick; intermediate states are
// skipped, never queued.
func (p *Progress) Watch(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fn(p.Snapshot())
			return
		case <-ticker.C:
			fn(p.Snapshot())
		}
	}
}
