package engine

import (
	"bytes"
	"io"
	"os"
)

// Payload holds the bytes of one fully read chunk until the writer commits
// them.
type Payload interface {
	io.Writer
	Len() int64
	// Reader returns the buffered bytes from the beginning.
	Reader() (io.Reader, error)
	// Release frees the buffer. It is safe to call more than once.
	Release() error
}

// payloadFactory creates an empty payload for a chunk attempt.
type payloadFactory func(chunk *Chunk) (Payload, error)

type memoryPayload struct {
	buf bytes.Buffer
}

func newMemoryPayload(chunk *Chunk) (Payload, error) {
	p := &memoryPayload{}
	if size := chunk.Size(); size > 0 {
		p.buf.Grow(int(size))
	}
	return p, nil
}

func (p *memoryPayload) Write(b []byte) (int, error) { return p.buf.Write(b) }
func (p *memoryPayload) Len() int64                  { return int64(p.buf.Len()) }

func (p *memoryPayload) Reader() (io.Reader, error) {
	return bytes.NewReader(p.buf.Bytes()), nil
}

func (p *memoryPayload) Release() error {
	p.buf = bytes.Buffer{}
	return nil
}

// spoolPayload streams a chunk into its own temporary file so large chunks
// never sit in memory.
type spoolPayload struct {
	path string
	file *os.File
	n    int64
}

func spoolFactory(pathFor func(chunk *Chunk) string) payloadFactory {
	return func(chunk *Chunk) (Payload, error) {
		path := pathFor(chunk)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, &spoolError{err: err}
		}
		return &spoolPayload{path: path, file: f}, nil
	}
}

func (p *spoolPayload) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	p.n += int64(n)
	if err != nil {
		return n, &spoolError{err: err}
	}
	return n, nil
}

func (p *spoolPayload) Len() int64 { return p.n }

func (p *spoolPayload) Reader() (io.Reader, error) {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, &spoolError{err: err}
	}
	return io.LimitReader(p.file, p.n), nil
}

func (p *spoolPayload) Release() error {
	if p.file == nil {
		return nil
	}
	p.file.Close()
	p.file = nil
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
