package mcp

import (
	"sync"
	"testing"
	"time"
)

func TestProgressCoordinatorRoutesByToken(t *testing.T) {
	pc := NewProgressCoordinator()
	id := NewIntID(1)

	var mu sync.Mutex
	var got float64
	token := pc.Register(id, func(progress float64, _ *float64, _ string) {
		mu.Lock()
		got = progress
		mu.Unlock()
	}, nil)

	pc.HandleProgress(token, 0.5, nil, "")

	mu.Lock()
	defer mu.Unlock()
	if got != 0.5 {
		t.Fatalf("expected callback invoked with 0.5, got %v", got)
	}
}

func TestProgressCoordinatorUnknownTokenDropped(t *testing.T) {
	pc := NewProgressCoordinator()
	pc.HandleProgress("unknown", 1, nil, "")
}

func TestProgressCoordinatorMigrateToTask(t *testing.T) {
	pc := NewProgressCoordinator()
	id := NewIntID(1)
	var calls int
	token := pc.Register(id, func(float64, *float64, string) { calls++ }, nil)

	pc.MigrateToTask(id, "task-1")
	pc.CompleteRequest(id) // should be a no-op now, the mapping already moved

	pc.HandleProgress(token, 0.9, nil, "")
	if calls != 1 {
		t.Fatalf("expected callback still reachable after migration, got %d calls", calls)
	}

	pc.HandleTaskStatus("task-1", TaskStatusCompleted)
	pc.HandleProgress(token, 1.0, nil, "")
	if calls != 1 {
		t.Fatalf("expected no further callbacks after terminal task status, got %d calls", calls)
	}
}

func TestTimeoutControllerFiresAfterBase(t *testing.T) {
	tc := NewTimeoutController(20*time.Millisecond, false, 0)
	defer tc.Stop()
	select {
	case <-tc.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected timeout controller to fire")
	}
}

func TestTimeoutControllerResetOnProgress(t *testing.T) {
	tc := NewTimeoutController(40*time.Millisecond, true, 0)
	defer tc.Stop()

	time.Sleep(20 * time.Millisecond)
	tc.SignalProgress()

	select {
	case <-tc.Done():
		t.Fatal("did not expect timeout before reset interval elapsed")
	case <-time.After(25 * time.Millisecond):
	}

	select {
	case <-tc.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected timeout controller to eventually fire")
	}
}

func TestDetectTaskID(t *testing.T) {
	id, ok := detectTaskID([]byte(`{"task":{"taskId":"abc"}}`))
	if !ok || id != "abc" {
		t.Fatalf("expected taskId abc, got %q ok=%v", id, ok)
	}
	if _, ok := detectTaskID([]byte(`{"value":1}`)); ok {
		t.Fatal("expected no task id detected")
	}
}
