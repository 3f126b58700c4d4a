package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic background work
type Job interface {
	Name() string
	Schedule() string // five-field cron expression
	Run(ctx context.Context) error
}

// Locker provides cross-instance mutual exclusion for job runs
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// lockTTL bounds how long a crashed instance can hold a job lock
const lockTTL = 5 * time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobScheduler runs registered jobs on their cron schedules. When a locker is
// configured only one instance runs a given job at a time.
type JobScheduler struct {
	scheduler  gocron.Scheduler
	locker     Locker
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	running bool
}

// NewJobScheduler creates a new job scheduler. locker may be nil.
func NewJobScheduler(locker Locker) (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler:  scheduler,
		locker:     locker,
		instanceID: uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]Job),
	}, nil
}

// Register adds a job to the scheduler. An empty schedule disables the job.
func (s *JobScheduler) Register(job Job) error {
	if job.Schedule() == "" {
		log.Printf("⏸️  [SCHEDULER] Job %s disabled (no schedule)", job.Name())
		return nil
	}
	if _, err := cronParser.Parse(job.Schedule()); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", job.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	_, err := s.scheduler.NewJob(
		gocron.CronJob(job.Schedule(), false),
		gocron.NewTask(func() {
			if err := s.runJob(s.ctx, job); err != nil {
				log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", job.Name(), err)
			}
		}),
		gocron.WithName(job.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.Name(), err)
	}

	s.jobs[job.Name()] = job
	log.Printf("✅ [SCHEDULER] Registered job: %s (cron: %s)", job.Name(), job.Schedule())
	return nil
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Started job scheduler with %d jobs", len(s.jobs))
}

// Stop cancels running jobs and shuts the scheduler down
func (s *JobScheduler) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	log.Println("✅ [SCHEDULER] Job scheduler stopped")
	return nil
}

// RunNow immediately runs a registered job, honoring the job lock
func (s *JobScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}

	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return s.runJob(ctx, job)
}

// runJob executes a job under its lock. A run skipped because another
// instance holds the lock is not an error.
func (s *JobScheduler) runJob(ctx context.Context, job Job) error {
	lockKey := "jobs:lock:" + job.Name()
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, lockKey, s.instanceID, lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !acquired {
			log.Printf("⏭️  [SCHEDULER] Job '%s' running on another instance, skipping", job.Name())
			return nil
		}
		defer func() {
			if _, err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, s.instanceID); err != nil {
				log.Printf("⚠️  [SCHEDULER] Failed to release lock for '%s': %v", job.Name(), err)
			}
		}()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return err
	}
	log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", job.Name(), time.Since(start))
	return nil
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	NextRunTime time.Time `json:"next_run_time"`
}

// GetStatus returns the status of all jobs sorted by name
func (s *JobScheduler) GetStatus() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	status := make([]JobStatus, 0, len(s.jobs))
	for name, job := range s.jobs {
		st := JobStatus{Name: name, Schedule: job.Schedule()}
		if sched, err := cronParser.Parse(job.Schedule()); err == nil {
			st.NextRunTime = sched.Next(now)
		}
		status = append(status, st)
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}
