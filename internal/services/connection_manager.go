package services

import (
	"errors"
	"log"
	"sync"

	"taskpilot/internal/models"
)

// ErrOrgConnectionLimit is returned when an org already holds its share of
// memory sockets
var ErrOrgConnectionLimit = errors.New("too many memory connections for organization")

// ConnectionStats is a point-in-time view of open memory sockets
type ConnectionStats struct {
	Total int            `json:"total"`
	ByOrg map[string]int `json:"by_org"`
}

// ConnectionManager tracks live memory WebSocket connections and caps how
// many one org may hold.
type ConnectionManager struct {
	mu        sync.RWMutex
	conns     map[string]*models.MemoryConnection
	perOrg    map[string]int
	maxPerOrg int
}

// NewConnectionManager creates a manager. maxPerOrg <= 0 disables the cap.
func NewConnectionManager(maxPerOrg int) *ConnectionManager {
	return &ConnectionManager{
		conns:     make(map[string]*models.MemoryConnection),
		perOrg:    make(map[string]int),
		maxPerOrg: maxPerOrg,
	}
}

// Add registers conn unless its org is at the cap
func (cm *ConnectionManager) Add(conn *models.MemoryConnection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxPerOrg > 0 && cm.perOrg[conn.OrgID] >= cm.maxPerOrg {
		log.Printf("⚠️  [MEMORY-WS] Rejected %s: org %s at %d connections", conn.ConnID, conn.OrgID, cm.maxPerOrg)
		return ErrOrgConnectionLimit
	}
	cm.conns[conn.ConnID] = conn
	cm.perOrg[conn.OrgID]++
	log.Printf("✅ [MEMORY-WS] Connection %s added for org %s (total: %d)", conn.ConnID, conn.OrgID, len(cm.conns))
	return nil
}

// Remove forgets a connection and closes its write channel. Unknown IDs are ignored.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.conns[connID]
	if !ok {
		return
	}
	close(conn.WriteChan)
	delete(cm.conns, connID)
	if cm.perOrg[conn.OrgID]--; cm.perOrg[conn.OrgID] <= 0 {
		delete(cm.perOrg, conn.OrgID)
	}
	log.Printf("❌ [MEMORY-WS] Connection %s removed (total: %d)", connID, len(cm.conns))
}

// Count returns the number of open connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// Stats snapshots connection counts
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	byOrg := make(map[string]int, len(cm.perOrg))
	for org, n := range cm.perOrg {
		byOrg[org] = n
	}
	return ConnectionStats{Total: len(cm.conns), ByOrg: byOrg}
}
