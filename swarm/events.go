package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/gitzhang10/friends/dag"
)

// EventType enumerates what a swarm reports to its watchers.
type EventType int

const (
	PeerConnected EventType = iota
	PeerDisconnected
	EntryAppended
)

func (t EventType) String() string {
	switch t {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case EntryAppended:
		return "entry-appended"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered to watchers. Entry is only set for EntryAppended, the
// peer fields only for the peer events.
type Event struct {
	Type     EventType
	PeerID   string
	PeerName string
	Entry    *dag.Entry
}

const (
	eventBufferSize      = 64
	eventQueueSize       = 256
	eventDispatchTimeout = time.Second
)

type watcher struct {
	ch     chan Event
	done   chan struct{}
	filter map[EventType]struct{}
}

func (w *watcher) shouldSkip(e Event) bool {
	if len(w.filter) == 0 {
		return false
	}
	_, ok := w.filter[e.Type]
	return !ok
}

// eventMux fans events out to watchers. A single goroutine dispatches, so
// every watcher sees events in the order they were emitted. A watcher that
// does not read within the timeout misses the event instead of stalling the
// swarm.
type eventMux struct {
	lock     sync.RWMutex
	watchers map[int]*watcher
	nextID   int
	closed   bool

	queue   chan Event
	timeout time.Duration
	done    chan struct{}
	stopped chan struct{}
}

func newEventMux(timeout time.Duration) *eventMux {
	m := &eventMux{
		watchers: make(map[int]*watcher),
		queue:    make(chan Event, eventQueueSize),
		timeout:  timeout,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.run()
	return m
}

// watch returns the events of the given types, or of every type when none is
// given, and the function that stops watching.
func (m *eventMux) watch(types ...EventType) (<-chan Event, func()) {
	w := &watcher{
		ch:     make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		filter: make(map[EventType]struct{}, len(types)),
	}
	for _, t := range types {
		w.filter[t] = struct{}{}
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		close(w.ch)
		return w.ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			// unblocks a dispatch in progress before taking the lock
			close(w.done)
			m.lock.Lock()
			defer m.lock.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(w.ch)
			}
		})
	}
}

// emit queues e. It only blocks while the queue is full.
func (m *eventMux) emit(e Event) {
	select {
	case m.queue <- e:
	case <-m.done:
	}
}

func (m *eventMux) run() {
	defer close(m.stopped)
	for {
		select {
		case e := <-m.queue:
			m.dispatch(e)
		case <-m.done:
			return
		}
	}
}

func (m *eventMux) dispatch(e Event) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, w := range m.watchers {
		if w.shouldSkip(e) {
			continue
		}
		timeoutCh := time.After(m.timeout)
		select {
		case w.ch <- e:
		case <-w.done:
		case <-timeoutCh:
		}
	}
}

// close ends every watch. Events still queued are dropped.
func (m *eventMux) close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.lock.Unlock()
	<-m.stopped

	m.lock.Lock()
	defer m.lock.Unlock()
	for id, w := range m.watchers {
		close(w.ch)
		delete(m.watchers, id)
	}
}
