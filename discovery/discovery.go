/*
Package discovery finds the peers of a chat room. Every Discoverer is asked
for the peers meeting under a rendezvous key and reports them on a channel
until its context is cancelled. A peer may be reported any number of times;
callers deduplicate.
*/
package discovery

import (
	"context"
	"sync"
	"time"
)

// Peer is a replica that can be dialed. ID is empty when it is unknown
// before the handshake, e.g. for statically configured peers.
type Peer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Discoverer reports peers meeting under a rendezvous key.
type Discoverer interface {
	Discover(ctx context.Context, key string) (<-chan Peer, error)
	Close() error
}

const defaultStaticInterval = 30 * time.Second

// Static reports a fixed list of addresses, again every Interval so that a
// peer that went away is dialed again once it is back.
type Static struct {
	Addrs    []string
	Interval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewStatic(addrs []string) *Static {
	return &Static{
		Addrs:    addrs,
		Interval: defaultStaticInterval,
		done:     make(chan struct{}),
	}
}

func (s *Static) Discover(ctx context.Context, _ string) (<-chan Peer, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultStaticInterval
	}
	out := make(chan Peer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, addr := range s.Addrs {
				select {
				case out <- Peer{Addr: addr}:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

func (s *Static) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
