package engine

import (
	"github.com/tanq16/fastdl/internal/utils"
)

// MaxChunks bounds the number of chunks a plan may contain.
const MaxChunks = utils.MaxConnections

// Plan partitions [0, size) into an ordered sequence of contiguous chunks.
//
// The chunk count is the concurrency hint clamped to [1, MaxChunks] and to
// size, so no chunk is ever empty. Every chunk gets size/count bytes and the
// last one absorbs the remainder. When the size is unknown or the server
// does not honor ranges, a single chunk spans the whole resource (open-ended
// if the size is unknown). An empty resource yields an empty plan.
func Plan(size int64, rangesSupported bool, hint int) []*Chunk {
	if size < 0 {
		return []*Chunk{{Index: 0, Start: 0, End: -1}}
	}
	if size == 0 {
		return nil
	}
	count := int64(min(max(hint, 1), MaxChunks))
	if !rangesSupported {
		count = 1
	}
	count = min(count, size)

	chunkSize := size / count
	chunks := make([]*Chunk, 0, count)
	for i := range count {
		startByte := i * chunkSize
		endByte := startByte + chunkSize - 1
		if i == count-1 {
			endByte = size - 1
		}
		chunks = append(chunks, &Chunk{
			Index:  int(i),
			Start:  startByte,
			End:    endByte,
			Status: Pending,
		})
	}
	return chunks
}
