package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HubConfig holds live channel settings.
type HubConfig struct {
	// PingInterval is how often to send ping messages to clients.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a client.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a client.
	ReadTimeout time.Duration
	// MaxMessageSize is the maximum size of a message from a client.
	MaxMessageSize int64
	// SendBufferSize is the size of the send buffer per client.
	SendBufferSize int
}

// DefaultHubConfig returns a HubConfig with sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
		SendBufferSize: 64,
	}
}

type hubClient struct {
	id      uuid.UUID
	videoID string
	userID  string
	conn    *websocket.Conn
	send    chan *api.Comment
	hub     *Hub
}

// Hub fans created comments out to the live channel clients watching the
// same video.
type Hub struct {
	config   HubConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clients      map[uuid.UUID]*hubClient
	clientsMu    sync.RWMutex
	videoClients map[string]map[uuid.UUID]*hubClient

	broadcast  chan *api.Comment
	register   chan *hubClient
	unregister chan *hubClient

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub. Call Start before accepting connections.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}

	return &Hub{
		config: cfg,
		logger: logger.With().Str("component", "comment_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:      make(map[uuid.UUID]*hubClient),
		videoClients: make(map[string]map[uuid.UUID]*hubClient),
		broadcast:    make(chan *api.Comment, 256),
		register:     make(chan *hubClient),
		unregister:   make(chan *hubClient),
		done:         make(chan struct{}),
	}
}

// Start begins processing broadcasts and client management.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info().Msg("comment hub started")
}

// Stop closes every client connection and stops the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.logger.Info().Msg("comment hub stopped")
	})
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case comment := <-h.broadcast:
			h.broadcastComment(comment)
		}
	}
}

func (h *Hub) addClient(client *hubClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.clients[client.id] = client
	if _, ok := h.videoClients[client.videoID]; !ok {
		h.videoClients[client.videoID] = make(map[uuid.UUID]*hubClient)
	}
	h.videoClients[client.videoID][client.id] = client

	h.logger.Debug().
		Str("client_id", client.id.String()).
		Str("video_id", client.videoID).
		Str("user_id", client.userID).
		Msg("client connected")
}

func (h *Hub) removeClient(client *hubClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return
	}
	delete(h.clients, client.id)

	if clients, ok := h.videoClients[client.videoID]; ok {
		delete(clients, client.id)
		if len(clients) == 0 {
			delete(h.videoClients, client.videoID)
		}
	}
	close(client.send)

	h.logger.Debug().
		Str("client_id", client.id.String()).
		Str("video_id", client.videoID).
		Msg("client disconnected")
}

func (h *Hub) closeAllClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[uuid.UUID]*hubClient)
	h.videoClients = make(map[string]map[uuid.UUID]*hubClient)
}

func (h *Hub) broadcastComment(comment *api.Comment) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, client := range h.videoClients[comment.VideoID] {
		select {
		case client.send <- comment:
		default:
			h.logger.Warn().
				Str("client_id", client.id.String()).
				Msg("client send buffer full, dropping comment")
		}
	}
}

// Publish queues comment for every client watching its video.
func (h *Hub) Publish(comment api.Comment) {
	select {
	case h.broadcast <- &comment:
	case <-h.done:
	default:
		h.logger.Warn().Int64("comment_id", comment.ID).Msg("broadcast buffer full, dropping comment")
	}
}

// HandleWebSocket upgrades the request and subscribes the connection to videoID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, videoID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := &hubClient{
		id:      uuid.New(),
		videoID: videoID,
		userID:  userID,
		conn:    conn,
		send:    make(chan *api.Comment, h.config.SendBufferSize),
		hub:     h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of clients watching videoID.
func (h *Hub) ClientCount(videoID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.videoClients[videoID])
}

// TotalClientCount returns the number of connected clients.
func (h *Hub) TotalClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// readPump discards client messages; comments are created over REST.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case comment, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			data, err := json.Marshal(comment)
			if err != nil {
				c.hub.logger.Error().Err(err).Msg("failed to encode comment")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
