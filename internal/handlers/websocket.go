package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/common"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/tracker"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every message pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler pushes tracker events to connected dashboard clients.
// It subscribes to the event service and fans each allowed event out to
// every client, throttling high-frequency event types per config.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	surface          *tracker.Surface
	throttlers       map[string]*rate.Limiter
	allowedEvents    map[string]bool // Whitelist of events to broadcast (empty = allow all)
	serverInstanceID string          // Unique ID generated on startup - clients use to detect server restart
	stopStatus       chan struct{}
	statusOnce       sync.Once
}

// NewWebSocketHandler creates the handler and subscribes it to tracker events
func NewWebSocketHandler(eventService interfaces.EventService, surface *tracker.Surface, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		surface:          surface,
		throttlers:       make(map[string]*rate.Limiter),
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
		stopStatus:       make(chan struct{}),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	// Whitelist pattern: empty list means allow all events
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		logger.Debug().
			Int("allowed_events", len(h.allowedEvents)).
			Msg("Initialized event whitelist for WebSocketHandler")
	}

	// Throttlers only for explicitly configured event types. No entry means
	// no throttling for that type.
	if config != nil {
		for eventType := range config.ThrottleIntervals {
			interval := config.GetThrottleInterval(eventType)
			if interval <= 0 {
				logger.Warn().
					Str("event_type", eventType).
					Msg("Invalid throttle interval - throttler disabled")
				continue
			}
			h.throttlers[eventType] = rate.NewLimiter(rate.Every(interval), 1)
			logger.Debug().
				Str("event_type", eventType).
				Dur("interval", interval).
				Msg("Throttler initialized for event type")
		}
	}

	if eventService != nil {
		h.SubscribeToTrackerEvents()
	}

	return h
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendHello(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// sendHello pushes the server instance ID so clients can detect restarts
// and clear stale job state
func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	msg := WSMessage{
		Type: "hello",
		Payload: map[string]interface{}{
			"service":            "custos",
			"server_instance_id": h.serverInstanceID,
			"timestamp":          time.Now().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex != nil {
		mutex.Lock()
		conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
	}
}

// SubscribeToTrackerEvents wires the handler to the event service. Each
// tracker event becomes one WSMessage of the same type, subject to the
// whitelist and per-type throttling.
func (h *WebSocketHandler) SubscribeToTrackerEvents() {
	if h.eventService == nil {
		return
	}

	eventTypes := []interfaces.EventType{
		interfaces.EventJobStatusChange,
		interfaces.EventJobCompleted,
		interfaces.EventJobStuck,
		interfaces.EventJobAction,
	}

	for _, eventType := range eventTypes {
		et := eventType
		h.eventService.Subscribe(et, func(ctx context.Context, event interfaces.Event) error {
			h.relayEvent(string(et), event)
			return nil
		})
	}
}

// relayEvent applies the whitelist and throttle, then broadcasts
func (h *WebSocketHandler) relayEvent(eventType string, event interfaces.Event) {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return
	}

	if limiter, ok := h.throttlers[eventType]; ok && !limiter.Allow() {
		// Event throttled, skip broadcasting
		return
	}

	h.Broadcast(WSMessage{
		Type:    eventType,
		Payload: event.Payload,
	})
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// StartStatusBroadcaster pushes an aggregate job summary to all clients on
// an interval so dashboards stay fresh even between tracker events
func (h *WebSocketHandler) StartStatusBroadcaster(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	common.SafeGo(h.logger, "ws-status-broadcaster", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopStatus:
				return
			case <-ticker.C:
				h.mu.RLock()
				clientCount := len(h.clients)
				h.mu.RUnlock()
				if clientCount == 0 {
					continue
				}
				h.broadcastStatus()
			}
		}
	})
}

// StopStatusBroadcaster stops the periodic status push
func (h *WebSocketHandler) StopStatusBroadcaster() {
	h.statusOnce.Do(func() {
		close(h.stopStatus)
	})
}

func (h *WebSocketHandler) broadcastStatus() {
	if h.surface == nil {
		return
	}

	jobs := h.surface.Jobs(tracker.Query{})
	byStatus := make(map[string]int)
	active := 0
	for _, job := range jobs {
		byStatus[string(job.Status)]++
		if job.Status.IsActive() {
			active++
		}
	}

	h.Broadcast(WSMessage{
		Type: "status",
		Payload: map[string]interface{}{
			"tracked_jobs":       len(jobs),
			"active_jobs":        active,
			"by_status":          byStatus,
			"server_instance_id": h.serverInstanceID,
			"timestamp":          time.Now().Format(time.RFC3339),
		},
	})
}
