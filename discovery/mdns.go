package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/go-hclog"
)

const (
	mdnsService = "_friends._tcp"
	mdnsDomain  = "local."
)

// MDNS finds peers on the local network. Self is registered as a service
// instance named by its ID, with the rendezvous key in the TXT record, and
// instances announcing another key are ignored.
type MDNS struct {
	Self Peer

	logger hclog.Logger

	lock    sync.Mutex
	servers []*zeroconf.Server
	closed  bool
}

func NewMDNS(self Peer, logger hclog.Logger) *MDNS {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MDNS{Self: self, logger: logger}
}

func (m *MDNS) Discover(ctx context.Context, key string) (<-chan Peer, error) {
	_, portAsString, err := net.SplitHostPort(m.Self.Addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portAsString)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil, errors.New("mdns discovery is closed")
	}
	server, err := zeroconf.Register(m.Self.ID, mdnsService, mdnsDomain, port,
		[]string{"key=" + key, "id=" + m.Self.ID}, nil)
	if err != nil {
		m.lock.Unlock()
		return nil, err
	}
	m.servers = append(m.servers, server)
	m.lock.Unlock()
	m.logger.Info("mDNS service registered", "service", mdnsService, "port", port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	out := make(chan Peer, 16)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return nil, err
	}
	go func() {
		defer close(out)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				p, ok := peerFromEntry(entry, key, m.Self.ID)
				if !ok {
					continue
				}
				m.logger.Debug("mDNS discovered peer", "peer", p.ID, "addr", p.Addr)
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// peerFromEntry turns a browsed instance into a peer, if it announces key
// and is not self.
func peerFromEntry(entry *zeroconf.ServiceEntry, key, selfID string) (Peer, bool) {
	var entryKey, id string
	for _, txt := range entry.Text {
		k, v, found := strings.Cut(txt, "=")
		if !found {
			continue
		}
		switch k {
		case "key":
			entryKey = v
		case "id":
			id = v
		}
	}
	if entryKey != key || id == "" || id == selfID {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{ID: id, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))}, true
}

// Close withdraws every registered instance.
func (m *MDNS) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	for _, server := range m.servers {
		server.Shutdown()
	}
	m.servers = nil
	return nil
}
