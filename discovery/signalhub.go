package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultAnnounceInterval = 15 * time.Second
	defaultHubApp           = "friends"
	redialDelay             = time.Second
	hubWriteWait            = 10 * time.Second
)

// SignalHub meets other peers on a signal hub. It announces Self on the
// channel named by the rendezvous key and reports the announcements of the
// others. A lost hub connection is dialed again with an exponential backoff.
type SignalHub struct {
	URL      string
	App      string
	Self     Peer
	Interval time.Duration

	logger hclog.Logger
	dialer *websocket.Dialer

	closeOnce sync.Once
	done      chan struct{}
}

func NewSignalHub(hubURL string, self Peer, logger hclog.Logger) *SignalHub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SignalHub{
		URL:      hubURL,
		App:      defaultHubApp,
		Self:     self,
		Interval: defaultAnnounceInterval,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:     make(chan struct{}),
	}
}

// channelURL returns the websocket url of the hub channel for key.
func (h *SignalHub) channelURL(key string) (string, error) {
	u, err := url.Parse(h.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.New("unsupported signal hub scheme: " + u.Scheme)
	}
	if key == "" {
		return "", errors.New("empty rendezvous key")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/" + url.PathEscape(h.App) + "/" + url.PathEscape(key)
	return u.String(), nil
}

func (h *SignalHub) Discover(ctx context.Context, key string) (<-chan Peer, error) {
	channelURL, err := h.channelURL(key)
	if err != nil {
		return nil, err
	}
	out := make(chan Peer, 16)
	go h.run(ctx, channelURL, out)
	return out, nil
}

func (h *SignalHub) run(ctx context.Context, channelURL string, out chan<- Peer) {
	defer close(out)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		var ws *websocket.Conn
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		err := backoff.RetryNotify(func() error {
			conn, _, err := h.dialer.DialContext(ctx, channelURL, nil)
			if err != nil {
				return err
			}
			ws = conn
			return nil
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			h.logger.Warn("fail to reach the signal hub", "url", channelURL, "retry-in", wait, "error", err)
		})
		if err != nil {
			return
		}
		h.logger.Info("joined the signal hub", "url", channelURL)
		err = h.serve(ctx, ws, out)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("lost the signal hub", "url", channelURL, "error", err)
		select {
		case <-time.After(redialDelay):
		case <-ctx.Done():
			return
		}
	}
}

// serve announces Self until the connection fails and reports the peers
// announced by the others.
func (h *SignalHub) serve(ctx context.Context, ws *websocket.Conn, out chan<- Peer) error {
	stop := make(chan struct{})
	defer close(stop)
	defer ws.Close()
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	announcement, err := json.Marshal(h.Self)
	if err != nil {
		return err
	}
	interval := h.Interval
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	// kick asks for an announcement right away, when a new peer shows up
	kick := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_ = ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, announcement); err != nil {
				_ = ws.Close()
				return
			}
			select {
			case <-ticker.C:
			case <-kick:
			case <-stop:
				return
			}
		}
	}()

	seen := make(map[string]struct{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var p Peer
		if err := json.Unmarshal(data, &p); err != nil || p.ID == "" || p.Addr == "" {
			h.logger.Debug("ignoring malformed announcement", "data", string(data))
			continue
		}
		if p.ID == h.Self.ID {
			continue
		}
		if _, ok := seen[p.ID]; !ok {
			seen[p.ID] = struct{}{}
			select {
			case kick <- struct{}{}:
			default:
			}
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *SignalHub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
