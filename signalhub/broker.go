/*
Package signalhub implements the rendezvous hub peers use to find each other.
A client subscribes to a topic over a websocket and every message it writes
is relayed to the other subscribers of the same topic. The hub knows nothing
about chat logs, it only carries the announcements of the peers.
*/
package signalhub

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

// ErrBrokerClosed is returned by a broker after Close.
var ErrBrokerClosed = errors.New("broker is closed")

const subscriptionBuffer = 64

// Broker fans messages out to the subscribers of a topic. Several hub
// processes sharing a broker relay to each other's clients.
type Broker interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers the messages published on one topic.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MemoryBroker is a Broker for a single hub process.
type MemoryBroker struct {
	lock   sync.RWMutex
	topics map[string]map[*memSubscription]struct{}
	logger hclog.Logger
	closed bool
}

type memSubscription struct {
	broker    *MemoryBroker
	topic     string
	ch        chan []byte
	closeOnce sync.Once
}

func NewMemoryBroker(logger hclog.Logger) *MemoryBroker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MemoryBroker{
		topics: make(map[string]map[*memSubscription]struct{}),
		logger: logger,
	}
}

// Publish never blocks: a subscriber whose buffer is full misses msg.
func (b *MemoryBroker) Publish(_ context.Context, topic string, msg []byte) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("subscriber is too slow, dropping msg", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memSubscription{
		broker: b,
		topic:  topic,
		ch:     make(chan []byte, subscriptionBuffer),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memSubscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*memSubscription]struct{})
	b.lock.Unlock()
	for _, sub := range subs {
		sub.closeChan()
	}
	return nil
}

func (b *MemoryBroker) subscribers(topic string) int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.topics[topic])
}

func (s *memSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memSubscription) Close() error {
	s.broker.lock.Lock()
	if set, ok := s.broker.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.broker.topics, s.topic)
		}
	}
	s.broker.lock.Unlock()
	s.closeChan()
	return nil
}

// closeChan must not run while Publish may still send, which the broker lock
// guarantees for both callers.
func (s *memSubscription) closeChan() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// RedisBroker relays through redis pub/sub, so that hubs behind a load
// balancer share their subscribers.
type RedisBroker struct {
	rdb    *redis.Client
	logger hclog.Logger
}

// NewRedisBroker connects to the redis server at addr.
func NewRedisBroker(ctx context.Context, addr string, logger hclog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("connected to redis", "addr", addr)
	return &RedisBroker{rdb: rdb, logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg []byte) error {
	return b.rdb.Publish(ctx, topic, msg).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	// wait for the confirmation, otherwise msgs published right after
	// Subscribe returns could be missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			select {
			case sub.ch <- []byte(msg.Payload):
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
