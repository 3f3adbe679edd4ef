package queue

import (
	"sync/atomic"
	"testing"
	"time"
)

type atomic32 struct {
	v atomic.Int32
}

func (a *atomic32) add(n int32) { a.v.Add(n) }
func (a *atomic32) load() int32 { return a.v.Load() }

// waitForAsyncHooks gives the hooks.Bus dispatch goroutine time to run
// before a test inspects counters it updates.
func waitForAsyncHooks() {
	time.Sleep(50 * time.Millisecond)
}

// backdateClaim rewrites a claimed task's claimed_at to well outside the
// staleness window, simulating a worker that disappeared mid-task.
func backdateClaim(t *testing.T, store *TaskStore, taskID string) {
	t.Helper()
	old := time.Now().UTC().Add(-30 * time.Minute)
	if err := store.db.Model(&SwarmTaskModel{}).
		Where("id = ?", taskID).
		Update("claimed_at", old).Error; err != nil {
		t.Fatalf("backdate claim: %v", err)
	}
}
