package jobs

import (
	"context"
	"log"
)

// UpdateDrainer applies queued memory updates
type UpdateDrainer interface {
	DrainUpdates(ctx context.Context, max int) (int, error)
}

// SessionExpirer closes retrieval sessions left open too long
type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context) (int, error)
}

// ChunkCollector deletes superseded chunk generations
type ChunkCollector interface {
	CollectGarbage(ctx context.Context) (int64, error)
}

// MemoryUpdateDrainJob applies pending document updates in batches
type MemoryUpdateDrainJob struct {
	drainer  UpdateDrainer
	schedule string
	batch    int
}

// NewMemoryUpdateDrainJob creates the update queue drain job
func NewMemoryUpdateDrainJob(drainer UpdateDrainer, schedule string, batch int) *MemoryUpdateDrainJob {
	if batch <= 0 {
		batch = 50
	}
	return &MemoryUpdateDrainJob{drainer: drainer, schedule: schedule, batch: batch}
}

func (j *MemoryUpdateDrainJob) Name() string     { return "memory_update_drain" }
func (j *MemoryUpdateDrainJob) Schedule() string { return j.schedule }

// Run drains up to one batch of updates
func (j *MemoryUpdateDrainJob) Run(ctx context.Context) error {
	n, err := j.drainer.DrainUpdates(ctx, j.batch)
	if n > 0 {
		log.Printf("📝 [JOBS] Applied %d memory update(s)", n)
	}
	return err
}

// SessionReaperJob closes abandoned retrieval sessions with a failure outcome
type SessionReaperJob struct {
	expirer  SessionExpirer
	schedule string
}

// NewSessionReaperJob creates the session reaper job
func NewSessionReaperJob(expirer SessionExpirer, schedule string) *SessionReaperJob {
	return &SessionReaperJob{expirer: expirer, schedule: schedule}
}

func (j *SessionReaperJob) Name() string     { return "memory_session_reaper" }
func (j *SessionReaperJob) Schedule() string { return j.schedule }

// Run expires stale sessions
func (j *SessionReaperJob) Run(ctx context.Context) error {
	n, err := j.expirer.ExpireStaleSessions(ctx)
	if n > 0 {
		log.Printf("🧹 [JOBS] Expired %d stale retrieval session(s)", n)
	}
	return err
}

// ChunkGCJob removes chunk generations older than the retention window
type ChunkGCJob struct {
	collector ChunkCollector
	schedule  string
}

// NewChunkGCJob creates the chunk garbage collection job
func NewChunkGCJob(collector ChunkCollector, schedule string) *ChunkGCJob {
	return &ChunkGCJob{collector: collector, schedule: schedule}
}

func (j *ChunkGCJob) Name() string     { return "memory_chunk_gc" }
func (j *ChunkGCJob) Schedule() string { return j.schedule }

// Run deletes superseded chunks
func (j *ChunkGCJob) Run(ctx context.Context) error {
	n, err := j.collector.CollectGarbage(ctx)
	if n > 0 {
		log.Printf("🧹 [JOBS] Deleted %d superseded chunk(s)", n)
	}
	return err
}
