package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetManagerSingleton() {
	globalManager = nil
	managerOnce = sync.Once{}
}

func TestGetManager(t *testing.T) {
	resetManagerSingleton()

	manager1 := GetManager()
	manager2 := GetManager()

	assert.NotNil(t, manager1)
	assert.Same(t, manager1, manager2, "GetManager should return the same instance")
	assert.NotNil(t, manager1.queue)
	assert.NotNil(t, manager1.stopCh)
	assert.False(t, manager1.running)
	assert.Same(t, manager1.queue, manager1.GetQueue())
}

func TestManagerSingletonReset(t *testing.T) {
	resetManagerSingleton()
	manager1 := GetManager()

	resetManagerSingleton()
	manager2 := GetManager()

	assert.NotSame(t, manager1, manager2)
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager(NewQueueWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 1))

	assert.False(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_RunTaskOnce(t *testing.T) {
	m := NewManager(NewQueueWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 1))

	calls := 0
	m.Schedule(PeriodicTask{
		Name:     "retry-sweep",
		Interval: func() time.Duration { return time.Minute },
		Run: func(context.Context) error {
			calls++
			return nil
		},
	})
	m.Schedule(PeriodicTask{
		Name: "broken",
		Run:  func(context.Context) error { return errors.New("boom") },
	})

	require.NoError(t, m.RunTaskOnce(context.Background(), "retry-sweep"))
	assert.Equal(t, 1, calls)
	assert.EqualError(t, m.RunTaskOnce(context.Background(), "broken"), "boom")
	assert.Error(t, m.RunTaskOnce(context.Background(), "missing"))
}

func TestManager_PeriodicTaskTicks(t *testing.T) {
	client := newTestRedis(t)
	m := NewManager(NewQueueWithClient(client, 1))

	var mu sync.Mutex
	ticks := 0
	m.Schedule(PeriodicTask{
		Name:     "expiry-sweep",
		Interval: func() time.Duration { return 10 * time.Millisecond },
		Run: func(context.Context) error {
			mu.Lock()
			ticks++
			mu.Unlock()
			return nil
		},
	})

	m.Start()
	assert.True(t, m.IsRunning())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_PeriodicIntervalReadEachRun(t *testing.T) {
	client := newTestRedis(t)
	m := NewManager(NewQueueWithClient(client, 1))

	var mu sync.Mutex
	interval := 10 * time.Millisecond
	ticks := 0
	m.Schedule(PeriodicTask{
		Name: "health-check",
		Interval: func() time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return interval
		},
		Run: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ticks++
			return nil
		},
	})
	assert.Equal(t, time.Minute, PeriodicTask{}.nextInterval())

	m.Start()
	defer m.Stop()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 1
	}, time.Second, 5*time.Millisecond)

	// slowing the sweep down takes effect after the run already scheduled
	mu.Lock()
	interval = time.Hour
	seen := ticks
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := ticks
	mu.Unlock()
	assert.LessOrEqual(t, after, seen+1)
}
