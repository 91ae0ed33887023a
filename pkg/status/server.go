// Package status provides the host's HTTP status surface: a JSON
// snapshot endpoint, a Prometheus metrics endpoint, and a WebSocket
// stream of routing lifecycle events for frontends.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"afc-go/pkg/log"
	"afc-go/pkg/routing"
)

// StatusSource supplies the full host status snapshot.
type StatusSource interface {
	GetStatus() map[string]any
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7188")
	Addr string

	Source   StatusSource
	Registry *prometheus.Registry
	Logger   *log.Logger
}

// Server serves the status endpoints and streams lifecycle events to
// WebSocket clients. It implements routing.Notifier.
type Server struct {
	source   StatusSource
	registry *prometheus.Registry
	logger   *log.Logger

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running atomic.Bool
}

// New creates a status server.
func New(cfg Config) *Server {
	s := &Server{
		source:    cfg.Source,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*wsClient),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// Start starts the server. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.running.Store(true)
	s.logger.Info("status server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop stops the server and disconnects all clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Notify broadcasts a routing lifecycle event to all connected
// clients. Never blocks: slow clients drop events.
func (s *Server) Notify(ev routing.Event) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.send(ev)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.GetStatus()); err != nil {
		s.logger.Error("encoding status response: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan routing.Event, 64),
		done:   make(chan struct{}),
	}

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Debug("websocket client %d connected from %s", client.id, r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
}

// wsClient is one WebSocket subscriber.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan routing.Event
	done   chan struct{}
	mu     sync.Mutex
}

// send queues an event for the client, dropping it when the queue is
// full.
func (c *wsClient) send(ev routing.Event) {
	select {
	case c.sendCh <- ev:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping event for slow websocket client %d", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump drains the connection; clients send nothing meaningful, but
// reads drive the close handshake and pong handling.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debug("websocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
