package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
)

// PeriodicTask is a sweep the manager runs on its own timer
// (retry sweep, expiry sweep, status polling, reconciliation, health checks).
// Interval is read again before every wait, so settings changes apply from the next run.
type PeriodicTask struct {
	Name     string
	Interval func() time.Duration
	Run      func(ctx context.Context) error
}

func (t PeriodicTask) nextInterval() time.Duration {
	if t.Interval != nil {
		if v := t.Interval(); v > 0 {
			return v
		}
	}
	return time.Minute
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue   *Queue
	tasks   []PeriodicTask
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		// Get worker count from settings, fallback to 5 if not available
		workerCount := 5
		if settings := getAppSettings(); settings != nil {
			workerCount = settings.GetJobQueueWorkerCount()
		}

		globalManager = NewManager(NewQueue(workerCount))
	})
	return globalManager
}

// NewManager wraps an existing queue
func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Schedule registers a periodic task. Tasks added after Start run from the next Start.
func (m *Manager) Schedule(task PeriodicTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	for _, task := range m.tasks {
		m.wg.Add(1)
		go m.periodicWorker(ctx, m.stopCh, task)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	// Signal workers to stop
	close(m.stopCh)
	m.stopCh = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) periodicWorker(ctx context.Context, stopCh <-chan struct{}, task PeriodicTask) {
	defer m.wg.Done()
	interval := task.nextInterval()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", task.Name, interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", task.Name)
			return
		case <-timer.C:
			if err := task.Run(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", task.Name, err)
			}
			if next := task.nextInterval(); next != interval {
				log.Infof("[JobQueue Manager] %s interval changed: %s -> %s", task.Name, interval, next)
				interval = next
			}
			timer.Reset(interval)
		}
	}
}

// RunTaskOnce exposes a manual trigger for a single run of a scheduled task (operator use).
func (m *Manager) RunTaskOnce(ctx context.Context, name string) error {
	m.mu.Lock()
	var found *PeriodicTask
	for i := range m.tasks {
		if m.tasks[i].Name == name {
			found = &m.tasks[i]
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return fmt.Errorf("unknown periodic task %q", name)
	}
	return found.Run(ctx)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// getAppSettings safely returns the current app settings
func getAppSettings() *models.AppSettings {
	return models.GetAppSettings()
}
