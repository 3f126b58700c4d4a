package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"taskpilot/internal/memory"
	"taskpilot/internal/models"
	"taskpilot/internal/services"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketMetrics receives connection observations
type WebSocketMetrics interface {
	RecordWebSocketConnect()
	RecordWebSocketDisconnect()
	RecordWebSocketMessage(msgType, direction string)
}

// MemoryWebSocketHandler speaks the iterative retrieval protocol: a client
// opens one session, asks for more context any number of times and completes
// it. A session still open at disconnect is completed as failed.
type MemoryWebSocketHandler struct {
	connManager *services.ConnectionManager
	memory      MemoryService
	metrics     WebSocketMetrics
}

// NewMemoryWebSocketHandler creates a new memory WebSocket handler
func NewMemoryWebSocketHandler(connManager *services.ConnectionManager, memoryService MemoryService, metrics WebSocketMetrics) *MemoryWebSocketHandler {
	return &MemoryWebSocketHandler{
		connManager: connManager,
		memory:      memoryService,
		metrics:     metrics,
	}
}

// Handle handles a new WebSocket connection
func (h *MemoryWebSocketHandler) Handle(c *websocket.Conn) {
	orgID, _ := c.Locals("org_id").(string)
	userID, _ := c.Locals("user_id").(string)

	conn := &models.MemoryConnection{
		ConnID:    uuid.New().String(),
		OrgID:     orgID,
		UserID:    userID,
		Conn:      c,
		WriteChan: make(chan models.MemoryServerMessage, 32),
		CreatedAt: time.Now(),
	}

	if err := h.connManager.Add(conn); err != nil {
		_ = c.WriteJSON(models.MemoryServerMessage{Type: "error", ErrorCode: "connection_limit", Content: err.Error()})
		return
	}

	done := make(chan struct{})
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnect()
	}
	defer func() {
		close(done)
		h.abandonSession(conn)
		h.connManager.Remove(conn.ConnID)
		if h.metrics != nil {
			h.metrics.RecordWebSocketDisconnect()
		}
	}()

	c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	go h.pingLoop(conn, done)
	go h.writeLoop(conn)

	h.send(conn, models.MemoryServerMessage{
		Type:    "connected",
		Content: "Memory WebSocket connected. Send open_session to start.",
	})

	h.readLoop(conn)
}

// abandonSession completes a session left open by a dropped client
func (h *MemoryWebSocketHandler) abandonSession(conn *models.MemoryConnection) {
	if conn.SessionID == "" {
		return
	}
	err := h.memory.CompleteSession(context.Background(), conn.SessionID, false, "client disconnected")
	if err != nil {
		log.Printf("⚠️  [MEMORY-WS] Failed to close session %s on disconnect: %v", conn.SessionID, err)
		return
	}
	log.Printf("🔌 [MEMORY-WS] Session %s closed as failed after disconnect of %s", conn.SessionID, conn.ConnID)
	conn.SessionID = ""
}

func (h *MemoryWebSocketHandler) pingLoop(conn *models.MemoryConnection, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.Mutex.Lock()
			err := conn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			conn.Mutex.Unlock()
			if err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", conn.ConnID, err)
				return
			}
		}
	}
}

func (h *MemoryWebSocketHandler) writeLoop(conn *models.MemoryConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range conn.WriteChan {
		conn.Mutex.Lock()
		err := conn.Conn.WriteJSON(msg)
		conn.Mutex.Unlock()
		if err != nil {
			log.Printf("❌ WebSocket write error for %s: %v", conn.ConnID, err)
			return
		}
	}
}

func (h *MemoryWebSocketHandler) send(conn *models.MemoryConnection, msg models.MemoryServerMessage) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(msg.Type, "out")
	}
	conn.WriteChan <- msg
}

func (h *MemoryWebSocketHandler) sendError(conn *models.MemoryConnection, code, message string) {
	h.send(conn, models.MemoryServerMessage{
		Type:      "error",
		SessionID: conn.SessionID,
		ErrorCode: code,
		Content:   message,
	})
}

func (h *MemoryWebSocketHandler) readLoop(conn *models.MemoryConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 [MEMORY-WS] Read ended for %s: %v", conn.ConnID, err)
			return
		}
		conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg models.MemoryClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(conn, "invalid_format", "Invalid message format")
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(msg.Type, "in")
		}

		switch msg.Type {
		case models.WSPing:
			h.send(conn, models.MemoryServerMessage{Type: "pong"})
		case models.WSOpenSession:
			h.handleOpen(conn, msg)
		case models.WSMoreContext:
			h.handleMore(conn, msg)
		case models.WSCompleteSession:
			h.handleComplete(conn, msg)
		default:
			h.sendError(conn, "unknown_type", "Unknown message type: "+msg.Type)
		}
	}
}

func (h *MemoryWebSocketHandler) handleOpen(conn *models.MemoryConnection, msg models.MemoryClientMessage) {
	if conn.SessionID != "" {
		h.sendError(conn, "session_open", "Complete the current session before opening another")
		return
	}

	ic, err := h.memory.GetInitialContext(context.Background(), memory.InitialContextRequest{
		OrgID:       conn.OrgID,
		UserID:      conn.UserID,
		Levels:      msg.Levels,
		SessionType: msg.SessionType,
		Keywords:    msg.Keywords,
		MaxTokens:   msg.MaxTokens,
	})
	if err != nil {
		h.sendError(conn, "open_failed", err.Error())
		return
	}

	conn.SessionID = ic.SessionID
	h.send(conn, models.MemoryServerMessage{
		Type:      "initial_context",
		SessionID: ic.SessionID,
		Context:   ic,
	})
}

func (h *MemoryWebSocketHandler) handleMore(conn *models.MemoryConnection, msg models.MemoryClientMessage) {
	if conn.SessionID == "" {
		h.sendError(conn, "no_session", "No open session")
		return
	}

	result, err := h.memory.HandleIterativeRequest(context.Background(), conn.SessionID, memory.IterativeRequest{
		Text:        msg.Text,
		RequestType: msg.RequestType,
		Keywords:    msg.Keywords,
		MaxTokens:   msg.MaxTokens,
	})
	if err != nil {
		h.sendError(conn, "retrieval_failed", err.Error())
		return
	}

	h.send(conn, models.MemoryServerMessage{
		Type:       "additional_context",
		SessionID:  conn.SessionID,
		Additional: result,
	})
}

func (h *MemoryWebSocketHandler) handleComplete(conn *models.MemoryConnection, msg models.MemoryClientMessage) {
	if conn.SessionID == "" {
		h.sendError(conn, "no_session", "No open session")
		return
	}

	sessionID := conn.SessionID
	err := h.memory.CompleteSession(context.Background(), sessionID, msg.Success, msg.Notes)
	conn.SessionID = ""
	if err != nil {
		h.sendError(conn, "complete_failed", err.Error())
		return
	}

	h.send(conn, models.MemoryServerMessage{
		Type:      "session_completed",
		SessionID: sessionID,
	})
}
