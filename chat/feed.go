package chat

import (
	"context"
	"errors"

	"github.com/gitzhang10/friends/dag"
	"github.com/hashicorp/go-hclog"
)

// Feed follows the log and yields the decoded messages, starting with the
// last backlog messages already stored.
type Feed struct {
	stream   *dag.ReadStream
	verifier Verifier
	logger   hclog.Logger
}

func NewFeed(log *dag.Log, backlog int, verifier Verifier, logger hclog.Logger) *Feed {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	var since uint64
	if seq := log.Sequence(); backlog >= 0 && seq > uint64(backlog) {
		since = seq - uint64(backlog)
	}
	return &Feed{
		stream:   log.CreateReadStream(dag.ReadStreamOptions{Live: true, Since: since}),
		verifier: verifier,
		logger:   logger,
	}
}

// Next blocks until the next message. Entries that are not chat messages are
// skipped.
func (f *Feed) Next(ctx context.Context) (*Rich, error) {
	for {
		e, err := f.stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		r, err := Decode(e, f.verifier)
		if errors.Is(err, ErrMalformed) {
			f.logger.Warn("skipping entry", "hash", e.Hash.Short(), "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func (f *Feed) Close() error {
	return f.stream.Close()
}
