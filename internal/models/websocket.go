package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Memory WebSocket client message types
const (
	WSOpenSession     = "open_session"
	WSMoreContext     = "more_context"
	WSCompleteSession = "complete_session"
	WSPing            = "ping"
)

// MemoryClientMessage is a message from a memory WebSocket client
type MemoryClientMessage struct {
	Type string `json:"type"` // "open_session", "more_context", "complete_session" or "ping"

	// open_session
	Levels      LevelRefs `json:"levels,omitempty"`
	SessionType string    `json:"sessionType,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	MaxTokens   int       `json:"maxTokens,omitempty"`

	// more_context
	Text        string `json:"text,omitempty"`
	RequestType string `json:"requestType,omitempty"`

	// complete_session
	Success bool   `json:"success,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// MemoryServerMessage is a message sent to a memory WebSocket client
type MemoryServerMessage struct {
	Type       string           `json:"type"` // "connected", "initial_context", "additional_context", "session_completed", "error" or "pong"
	SessionID  string           `json:"session_id,omitempty"`
	Context    *InitialContext  `json:"context,omitempty"`
	Additional *IterativeResult `json:"additional,omitempty"`
	Content    string           `json:"content,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
}

// MemoryConnection is one live memory WebSocket. At most one retrieval
// session is open per connection.
type MemoryConnection struct {
	ConnID    string
	OrgID     string
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	WriteChan chan MemoryServerMessage
	CreatedAt time.Time
	Mutex     sync.Mutex
}
