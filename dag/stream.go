package dag

import (
	"context"
	"io"
	"sync"
)

// ReadStreamOptions selects where a read stream starts and whether it keeps
// following the log once the backlog is drained.
type ReadStreamOptions struct {
	// Live keeps the stream open for entries stored after the backlog.
	Live bool
	// Since skips entries with a sequence lower or equal to it.
	Since uint64
}

// ReadStream is a cursor over the log in local sequence order. Each stream
// has its own cursor, so a slow reader never holds back writers or other
// readers.
type ReadStream struct {
	log    *Log
	live   bool
	cursor uint64

	done      chan struct{}
	closeOnce sync.Once
}

// CreateReadStream returns a stream emitting every entry with a sequence
// greater than opts.Since, then, if opts.Live, every entry stored later.
func (l *Log) CreateReadStream(opts ReadStreamOptions) *ReadStream {
	return &ReadStream{
		log:    l,
		live:   opts.Live,
		cursor: opts.Since,
		done:   make(chan struct{}),
	}
}

// Next blocks until the next entry is available. A non-live stream returns
// io.EOF once the backlog is drained.
func (s *ReadStream) Next(ctx context.Context) (*Entry, error) {
	for {
		select {
		case <-s.done:
			return nil, ErrStreamClosed
		default:
		}
		e, wait, err := s.log.next(s.cursor)
		if err != nil {
			return nil, err
		}
		if e != nil {
			s.cursor = e.Seq
			return e, nil
		}
		if !s.live {
			return nil, io.EOF
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrStreamClosed
		}
	}
}

// Cursor returns the sequence of the last entry returned by Next.
func (s *ReadStream) Cursor() uint64 {
	return s.cursor
}

// Close unblocks a pending Next. Calling it more than once is harmless.
func (s *ReadStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
