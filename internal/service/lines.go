package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/Rutomatrix/scriptd/internal/model"
)

const DefaultLineBuffer = 64 * 1024

// LineStreamer splits a byte stream on '\n'. It holds at most one read buffer
// of data, a line longer than the buffer is delivered in several
// unterminated pieces.
type LineStreamer struct {
	r   *bufio.Reader
	err error
}

func NewLineStreamer(r io.Reader, size int) *LineStreamer {
	if size <= 0 {
		size = DefaultLineBuffer
	}
	return &LineStreamer{r: bufio.NewReaderSize(r, size)}
}

// Next returns the next line, or io.EOF once the stream ended and the
// trailing partial line (if any) was returned.
func (s *LineStreamer) Next() (model.Line, error) {
	if s.err != nil {
		return model.Line{}, s.err
	}
	b, err := s.r.ReadSlice('\n')
	switch {
	case err == nil:
		return model.Line{Text: string(b[:len(b)-1]), Terminated: true}, nil
	case errors.Is(err, bufio.ErrBufferFull):
		return model.Line{Text: string(b)}, nil
	}

	if errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	s.err = err
	if len(b) > 0 {
		return model.Line{Text: string(b)}, nil
	}
	return model.Line{}, err
}

// Pump sends every line to out and returns nil at the end of the stream.
// A send blocks while out is full, which stops reading and lets the pipe
// throttle the child.
func (s *LineStreamer) Pump(ctx context.Context, out chan<- model.Line) error {
	for {
		line, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
