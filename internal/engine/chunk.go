package engine

import (
	"fmt"
	"time"
)

type ChunkStatus int

const (
	Pending ChunkStatus = iota
	InFlight
	Retrying
	Done
	Failed
)

func (s ChunkStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Retrying:
		return "retrying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Chunk is a contiguous byte range of the resource. End is inclusive; an End
// of -1 marks an open-ended chunk streamed to EOF when the size is unknown.
//
// A chunk is mutated only by the goroutine that currently owns it: the
// worker while it is Pending/InFlight/Retrying, the writer once its result
// has been handed over.
type Chunk struct {
	Index     int
	Start     int64
	End       int64
	Status    ChunkStatus
	Attempts  int
	LastError error
	StartTime time.Time
	EndTime   time.Time
}

// Size returns the number of bytes the chunk covers, or -1 if open-ended.
func (c *Chunk) Size() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start + 1
}

func (c *Chunk) OpenEnded() bool {
	return c.End < 0
}

// RangeHeader formats the Range request header for the chunk.
func (c *Chunk) RangeHeader() string {
	if c.End < 0 {
		return fmt.Sprintf("bytes=%d-", c.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", c.Start, c.End)
}

// ChunkResult carries a fully read chunk from a worker to the writer. It is
// consumed exactly once.
type ChunkResult struct {
	Chunk   *Chunk
	Payload Payload
	Err     error
}

// Task describes one download. It is built once the probe has run and is
// never mutated afterwards.
type Task struct {
	URL             string
	Size            int64 // -1 when unknown
	RangesSupported bool
	ETag            string
	OutputPath      string
	Connections     int
}

func (t Task) SizeKnown() bool {
	return t.Size >= 0
}
