package discovery

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gitzhang10/friends/signalhub"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Peer) Peer {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "discovery channel closed")
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no peer discovered")
	}
	return Peer{}
}

func TestStaticRepeatsAddrs(t *testing.T) {
	s := NewStatic([]string{"127.0.0.1:7001", "127.0.0.1:7002"})
	s.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Discover(ctx, "friends")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, receive(t, ch).Addr)
	}
	assert.Equal(t, []string{"127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7001", "127.0.0.1:7002"}, got)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChannelURL(t *testing.T) {
	h := NewSignalHub("http://hub.example:8080", Peer{ID: "a"}, nil)
	u, err := h.channelURL("my room")
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.example:8080/v1/friends/my%20room", u)

	h.URL = "wss://hub.example/base/"
	u, err = h.channelURL("friends")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example/base/v1/friends/friends", u)

	h.URL = "ftp://hub.example"
	_, err = h.channelURL("friends")
	assert.Error(t, err)
}

func TestSignalHubMeetsPeers(t *testing.T) {
	srv := httptest.NewServer(signalhub.NewServer(signalhub.Config{}))
	defer srv.Close()

	alice := NewSignalHub(srv.URL, Peer{ID: "alice-id", Addr: "127.0.0.1:7001"}, nil)
	bob := NewSignalHub(srv.URL, Peer{ID: "bob-id", Addr: "127.0.0.1:7002"}, nil)
	carol := NewSignalHub(srv.URL, Peer{ID: "carol-id", Addr: "127.0.0.1:7003"}, nil)
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aliceCh, err := alice.Discover(ctx, "room")
	require.NoError(t, err)
	bobCh, err := bob.Discover(ctx, "room")
	require.NoError(t, err)
	carolCh, err := carol.Discover(ctx, "elsewhere")
	require.NoError(t, err)

	// whoever joined first learns about the other through the re-announce
	assert.Equal(t, Peer{ID: "bob-id", Addr: "127.0.0.1:7002"}, receive(t, aliceCh))
	assert.Equal(t, Peer{ID: "alice-id", Addr: "127.0.0.1:7001"}, receive(t, bobCh))

	select {
	case p := <-carolCh:
		t.Fatalf("peer %v crossed rendezvous keys", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("bob-id", mdnsService, mdnsDomain)
	entry.Port = 7002
	entry.Text = []string{"key=room", "id=bob-id"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	p, ok := peerFromEntry(entry, "room", "alice-id")
	require.True(t, ok)
	assert.Equal(t, Peer{ID: "bob-id", Addr: "192.168.1.20:7002"}, p)

	_, ok = peerFromEntry(entry, "other", "alice-id")
	assert.False(t, ok)
	_, ok = peerFromEntry(entry, "room", "bob-id")
	assert.False(t, ok)

	entry.AddrIPv4 = nil
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	p, ok = peerFromEntry(entry, "room", "alice-id")
	require.True(t, ok)
	assert.Equal(t, "[fe80::1]:7002", p.Addr)

	entry.AddrIPv6 = nil
	_, ok = peerFromEntry(entry, "room", "alice-id")
	assert.False(t, ok)
}
