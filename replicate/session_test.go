package replicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/friends/conn"
	"github.com/gitzhang10/friends/dag"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *dag.Log {
	t.Helper()
	l, err := dag.Open(dag.NewMemStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type pair struct {
	a, b   *Session
	errA   chan error
	errB   chan error
	cancel context.CancelFunc
}

// connect runs a session between la and lb over an in-memory pipe.
func connect(t *testing.T, la, lb *dag.Log, ca, cb Config) *pair {
	t.Helper()
	c1, c2 := net.Pipe()
	return connectOver(t, c1, c2, la, lb, ca, cb)
}

func connectOver(t *testing.T, c1, c2 net.Conn, la, lb *dag.Log, ca, cb Config) *pair {
	t.Helper()
	if ca.LocalID == "" {
		ca.LocalID = "a"
	}
	if cb.LocalID == "" {
		cb.LocalID = "b"
	}
	p := &pair{
		a:    NewSession(la, conn.NewNetConn(c1, ReflectedTypesMap), ca),
		b:    NewSession(lb, conn.NewNetConn(c2, ReflectedTypesMap), cb),
		errA: make(chan error, 1),
		errB: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.errA <- p.a.Run(ctx) }()
	go func() { p.errB <- p.b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-p.errA
		<-p.errB
	})
	return p
}

// gatedConn blocks its writes while held.
type gatedConn struct {
	net.Conn
	lock sync.Mutex
	gate chan struct{}
}

func (g *gatedConn) hold() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedConn) release() {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedConn) Write(b []byte) (int, error) {
	g.lock.Lock()
	gate := g.gate
	g.lock.Unlock()
	if gate != nil {
		<-gate
	}
	return g.Conn.Write(b)
}

type logBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func entrySet(t *testing.T, l *dag.Log) []dag.Hash {
	t.Helper()
	all, err := l.AllEntries(0)
	require.NoError(t, err)
	out := make([]dag.Hash, len(all))
	for i, e := range all {
		out[i] = e.Hash
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func converged(t *testing.T, logs ...*dag.Log) func() bool {
	return func() bool {
		for _, l := range logs[1:] {
			if l.Sequence() != logs[0].Sequence() {
				return false
			}
			if !assert.ObjectsAreEqual(logs[0].Heads(), l.Heads()) {
				return false
			}
		}
		return true
	}
}

func TestReplicateToEmptyPeer(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	e, err := la.Append([]byte(`{"username":"alice","text":"hi","timestamp":1000}`))
	require.NoError(t, err)

	connect(t, la, lb, Config{}, Config{})

	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	got, err := lb.Get(e.Hash)
	require.NoError(t, err)
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, []dag.Hash{e.Hash}, lb.Heads())
}

func TestConcurrentAppendsConverge(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	ea, err := la.Append([]byte("a"))
	require.NoError(t, err)
	eb, err := lb.Append([]byte("b"))
	require.NoError(t, err)

	connect(t, la, lb, Config{}, Config{})

	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	heads := la.Heads()
	assert.Len(t, heads, 2)
	assert.Contains(t, heads, ea.Hash)
	assert.Contains(t, heads, eb.Hash)

	// the next append on either side merges both heads
	merged, err := lb.Append([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, heads, merged.Predecessors)
	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []dag.Hash{merged.Hash}, la.Heads())
}

func TestLiveEntriesArePushed(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	p := connect(t, la, lb, Config{}, Config{})
	require.Eventually(t, func() bool {
		return p.a.State() == Idle && p.b.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			_, err := la.Append([]byte(fmt.Sprintf("msg %d", i)))
			require.NoError(t, err)
		} else {
			_, err := lb.Append([]byte(fmt.Sprintf("msg %d", i)))
			require.NoError(t, err)
		}
	}
	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(20), lb.Sequence())
	assert.Equal(t, entrySet(t, la), entrySet(t, lb))
}

func TestLongHistoryIsPulledInBatches(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	for i := 0; i < 300; i++ {
		_, err := la.Append([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	_, err := lb.Append([]byte("local"))
	require.NoError(t, err)

	p := connect(t, la, lb, Config{MaxBatch: 16, MaxParked: 64}, Config{MaxBatch: 16, MaxParked: 64})

	require.Eventually(t, converged(t, la, lb), 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(301), lb.Sequence())
	assert.Equal(t, entrySet(t, la), entrySet(t, lb))
	require.Eventually(t, func() bool {
		return p.a.State() == Idle && p.b.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLineTopologyConverges(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	lc := newTestLog(t)
	_, err := la.Append([]byte("from a"))
	require.NoError(t, err)
	_, err = lc.Append([]byte("from c"))
	require.NoError(t, err)

	// a - b - c, a and c never talk directly
	connect(t, la, lb, Config{LocalID: "a"}, Config{LocalID: "b"})
	connect(t, lb, lc, Config{LocalID: "b"}, Config{LocalID: "c"})

	require.Eventually(t, converged(t, la, lb, lc), 5*time.Second, 10*time.Millisecond)
	_, err = la.Append([]byte("later"))
	require.NoError(t, err)
	require.Eventually(t, converged(t, la, lb, lc), 5*time.Second, 10*time.Millisecond)
	assert.Len(t, lc.Heads(), 1)
	assert.Equal(t, uint64(3), lc.Sequence())
}

func TestHandshakeRejection(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	_, err := la.Append([]byte("secret"))
	require.NoError(t, err)

	errDuplicate := errors.New("duplicate peer")
	p := connect(t, la, lb, Config{}, Config{
		OnHandshake: func(peerID, name string) error {
			if peerID == "a" {
				return errDuplicate
			}
			return nil
		},
	})

	select {
	case err := <-p.errB:
		require.ErrorIs(t, err, errDuplicate)
		require.ErrorIs(t, err, ErrConnection)
		p.errB <- err
	case <-time.After(5 * time.Second):
		t.Fatal("rejected session kept running")
	}
	assert.Equal(t, Closed, p.b.State())
	assert.Equal(t, uint64(0), lb.Sequence())
}

func TestHandshakeIdentifiesPeer(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	p := connect(t, la, lb, Config{LocalID: "id-a", Name: "alice"}, Config{LocalID: "id-b", Name: "bob"})

	require.Eventually(t, func() bool { return p.a.PeerID() != "" && p.b.PeerID() != "" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "id-b", p.a.PeerID())
	assert.Equal(t, "bob", p.a.PeerName())
	assert.Equal(t, "id-a", p.b.PeerID())
	assert.Equal(t, "alice", p.b.PeerName())
}

func TestCloseEndsRun(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	p := connect(t, la, lb, Config{}, Config{})

	require.NoError(t, p.a.Close())
	for _, ch := range []chan error{p.errA, p.errB} {
		select {
		case err := <-ch:
			assert.NoError(t, err)
			ch <- err
		case <-time.After(5 * time.Second):
			t.Fatal("session did not stop")
		}
	}
	assert.Equal(t, Closed, p.a.State())
	<-p.b.Done()
}

func TestHistoryOfDefaultLimitsIsPulled(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	for i := 0; i < defaultMaxParked+defaultMaxBatch+500; i++ {
		_, err := la.Append([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	p := connect(t, la, lb, Config{}, Config{})

	require.Eventually(t, converged(t, la, lb), 30*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return p.b.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManyHeadsAreAllAnswered(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	for i := 0; i < 40; i++ {
		payload := []byte(fmt.Sprintf("root %d", i))
		hash, err := dag.HashOf(nil, payload)
		require.NoError(t, err)
		_, err = la.AddEntry(nil, payload, hash)
		require.NoError(t, err)
	}
	require.Len(t, la.Heads(), 40)

	p := connect(t, la, lb, Config{MaxBatch: 16}, Config{MaxBatch: 16})

	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(40), lb.Sequence())
	require.Eventually(t, func() bool {
		return p.b.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)
}

// The peer here sends its history newest first, so that most entries arrive
// before their predecessors, and answers wants with the wanted entries only.
func TestEntriesBeyondParkedLimitAreWantedAgain(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	var chain []*dag.Entry
	for i := 0; i < 12; i++ {
		e, err := la.Append([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
		chain = append(chain, e)
	}

	c1, c2 := net.Pipe()
	peer := conn.NewNetConn(c1, ReflectedTypesMap)
	s := NewSession(lb, conn.NewNetConn(c2, ReflectedTypesMap), Config{LocalID: "b", MaxParked: 2})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = peer.Release()
		<-errCh
	})

	go func() {
		if err := peer.SendMsg(HandshakeTag, &Handshake{PeerID: "a"}); err != nil {
			return
		}
		for i := len(chain) - 1; i >= 0; i-- {
			if err := peer.SendMsg(EntriesTag, &Entries{Entries: []WireEntry{toWire(chain[i])}}); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			_, msg, err := peer.ReadMsg()
			if err != nil {
				return
			}
			w, ok := msg.(Want)
			if !ok {
				continue
			}
			hashes, err := dag.HashesFromBytes(w.Hashes)
			if err != nil {
				return
			}
			for _, h := range hashes {
				e, err := la.Get(h)
				if err != nil {
					continue
				}
				if err := peer.SendMsg(EntriesTag, &Entries{Entries: []WireEntry{toWire(e)}}); err != nil {
					return
				}
			}
		}
	}()

	require.Eventually(t, func() bool {
		return lb.Sequence() == 12 && s.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, la.Heads(), lb.Heads())
	assert.Equal(t, entrySet(t, la), entrySet(t, lb))
}

func TestLaggingPushFallsBackToHeads(t *testing.T) {
	la := newTestLog(t)
	lb := newTestLog(t)
	logs := &logBuffer{}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "friends-replicate",
		Output: logs,
		Level:  hclog.Debug,
	})
	c1, c2 := net.Pipe()
	gated := &gatedConn{Conn: c1}
	p := connectOver(t, gated, c2, la, lb, Config{MaxLag: 2, Logger: logger}, Config{})
	t.Cleanup(gated.release)
	require.Eventually(t, func() bool {
		return p.a.State() == Idle && p.b.State() == Idle
	}, 5*time.Second, 10*time.Millisecond)

	// a cannot write while the burst is appended, so its push falls behind
	gated.hold()
	for i := 0; i < 20; i++ {
		_, err := la.Append([]byte(fmt.Sprintf("burst %d", i)))
		require.NoError(t, err)
	}
	gated.release()

	require.Eventually(t, converged(t, la, lb), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(20), lb.Sequence())
	assert.Contains(t, logs.String(), "push fell behind")
}
