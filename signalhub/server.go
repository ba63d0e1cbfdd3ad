package signalhub

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/time/rate"
)

const (
	defaultMaxMessageSize = 4096
	writeWait             = 10 * time.Second
)

// envelope carries a relayed msg through the broker together with the
// client that wrote it, so it is not echoed back.
type envelope struct {
	From string
	Data []byte
}

// Config holds the parameters of a hub.
type Config struct {
	Broker Broker
	Logger hclog.Logger

	// Rate and Burst bound the msgs each client may publish.
	Rate  rate.Limit
	Burst int

	MaxMessageSize int64
}

// Server relays msgs between the websocket clients of a topic. A topic is
// named by the app and channel of the request path.
type Server struct {
	broker   Broker
	logger   hclog.Logger
	config   Config
	router   *mux.Router
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "friends-signalhub",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	if config.Broker == nil {
		config.Broker = NewMemoryBroker(config.Logger)
	}
	if config.Rate == 0 {
		config.Rate = rate.Every(100 * time.Millisecond)
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	s := &Server{
		broker:  config.Broker,
		logger:  config.Logger,
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.HandleFunc("/v1/{app}/{channel}", s.serveWs).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/{app}/{channel}", s.serveBroadcast).Methods(http.MethodPost)
	s.router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until every websocket client has been served.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close disconnects every websocket client. Clients connecting afterwards
// are refused.
func (s *Server) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	for ws := range s.clients {
		_ = ws.Close()
	}
	return nil
}

func (s *Server) addClient(ws *websocket.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.clients[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) removeClient(ws *websocket.Conn) {
	s.lock.Lock()
	delete(s.clients, ws)
	s.lock.Unlock()
	s.wg.Done()
}

func topicOf(r *http.Request) string {
	vars := mux.Vars(r)
	return vars["app"] + "/" + vars["channel"]
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	env := new(envelope)
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(env); err != nil {
		return nil, err
	}
	return env, nil
}

// serveBroadcast publishes the request body to every subscriber of the topic.
func (s *Server) serveBroadcast(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxMessageSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := encodeEnvelope(&envelope{Data: data})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.broker.Publish(r.Context(), topicOf(r), msg); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	topic := topicOf(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	if !s.addClient(ws) {
		_ = ws.Close()
		return
	}
	defer s.removeClient(ws)
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := s.broker.Subscribe(ctx, topic)
	if err != nil {
		s.logger.Error("fail to subscribe", "topic", topic, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "broker unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Close()

	clientID := uuid.NewString()
	logger := s.logger.With("topic", topic, "client", clientID, "remote-address", r.RemoteAddr)
	logger.Debug("client subscribed")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ws, sub, clientID, logger)
	}()

	ws.SetReadLimit(s.config.MaxMessageSize)
	limiter := rate.NewLimiter(s.config.Rate, s.config.Burst)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("client disconnected", "error", err)
			break
		}
		if !limiter.Allow() {
			logger.Warn("client exceeds its rate, dropping msg")
			continue
		}
		msg, err := encodeEnvelope(&envelope{From: clientID, Data: data})
		if err != nil {
			logger.Error("fail to encode msg", "error", err)
			continue
		}
		if err := s.broker.Publish(ctx, topic, msg); err != nil {
			logger.Error("fail to publish msg", "error", err)
			break
		}
	}
	_ = sub.Close()
	_ = ws.Close()
	<-writerDone
}

// writePump is the only writer of ws.
func (s *Server) writePump(ws *websocket.Conn, sub Subscription, clientID string, logger hclog.Logger) {
	for msg := range sub.Messages() {
		env, err := decodeEnvelope(msg)
		if err != nil {
			logger.Error("fail to decode relayed msg", "error", err)
			continue
		}
		if env.From == clientID {
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, env.Data); err != nil {
			logger.Debug("fail to write to client", "error", err)
			return
		}
	}
}
