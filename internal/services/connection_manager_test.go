package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
)

func newConn(id, org string) *models.MemoryConnection {
	return &models.MemoryConnection{
		ConnID:    id,
		OrgID:     org,
		WriteChan: make(chan models.MemoryServerMessage, 1),
	}
}

func TestConnectionManager_OrgLimit(t *testing.T) {
	cm := NewConnectionManager(2)

	require.NoError(t, cm.Add(newConn("a", "org-1")))
	require.NoError(t, cm.Add(newConn("b", "org-1")))
	assert.ErrorIs(t, cm.Add(newConn("c", "org-1")), ErrOrgConnectionLimit)
	require.NoError(t, cm.Add(newConn("d", "org-2")))

	stats := cm.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"org-1": 2, "org-2": 1}, stats.ByOrg)

	cm.Remove("a")
	require.NoError(t, cm.Add(newConn("c", "org-1")))
	assert.Equal(t, 3, cm.Count())
}

func TestConnectionManager_RemoveClosesWriteChan(t *testing.T) {
	cm := NewConnectionManager(0)
	conn := newConn("a", "org-1")
	require.NoError(t, cm.Add(conn))

	cm.Remove("a")
	cm.Remove("a")

	_, open := <-conn.WriteChan
	assert.False(t, open)
	assert.Empty(t, cm.Stats().ByOrg)
}

func TestConnectionManager_Unlimited(t *testing.T) {
	cm := NewConnectionManager(0)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, cm.Add(newConn(id, "org-1")))
	}
	assert.Equal(t, 4, cm.Stats().ByOrg["org-1"])
}
