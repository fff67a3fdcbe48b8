package mcp

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
)

// ProgressCallback receives progress updates for one in-flight request
// or task. message may be empty.
type ProgressCallback func(progress float64, total *float64, message string)

// ProgressNotificationParams is the payload of `notifications/progress`.
type ProgressNotificationParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// CancelledNotificationParams is the payload of `notifications/cancelled`.
type CancelledNotificationParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// TaskStatus is the terminal-or-not status carried by a task status notification.
type TaskStatus string

const (
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskStatusParams is the payload of an inbound task status notification.
type TaskStatusParams struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
}

// taskEnvelope is the minimal shape needed to detect a task-augmented
// response: an object at result.task with a string taskId.
type taskEnvelope struct {
	Task *struct {
		TaskID string `json:"taskId"`
	} `json:"task"`
}

// detectTaskID returns the task id embedded in a response result, if any.
func detectTaskID(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var env taskEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return "", false
	}
	if env.Task == nil || env.Task.TaskID == "" {
		return "", false
	}
	return env.Task.TaskID, true
}

// TimeoutController implements the wait-for-timeout / signal-progress
// contract: the wait fires when either base-timeout has elapsed since
// the last progress signal, or max-total has elapsed since start,
// whichever comes first.
type TimeoutController struct {
	base            time.Duration
	resetOnProgress bool
	maxTotal        time.Duration

	start time.Time
	timer *time.Timer

	maxTimer *time.Timer
	fired    atomic.Bool
	doneCh   chan struct{}
}

// NewTimeoutController builds a controller. maxTotal of zero means no
// overall cap.
func NewTimeoutController(base time.Duration, resetOnProgress bool, maxTotal time.Duration) *TimeoutController {
	tc := &TimeoutController{
		base:            base,
		resetOnProgress: resetOnProgress,
		maxTotal:        maxTotal,
		start:           time.Now(),
		doneCh:          make(chan struct{}),
	}
	tc.timer = time.AfterFunc(base, tc.fire)
	if maxTotal > 0 {
		tc.maxTimer = time.AfterFunc(maxTotal, tc.fire)
	}
	return tc
}

func (tc *TimeoutController) fire() {
	if tc.fired.CompareAndSwap(false, true) {
		close(tc.doneCh)
	}
}

// SignalProgress resets the per-interval deadline if reset-on-progress is set.
func (tc *TimeoutController) SignalProgress() {
	if tc.resetOnProgress {
		tc.timer.Reset(tc.base)
	}
}

// Done returns a channel closed when the controller times out.
func (tc *TimeoutController) Done() <-chan struct{} {
	return tc.doneCh
}

// Stop cancels both timers; call once the awaited request completes by
// some other path so the timer goroutines are released promptly.
func (tc *TimeoutController) Stop() {
	tc.timer.Stop()
	if tc.maxTimer != nil {
		tc.maxTimer.Stop()
	}
}

// progressEntry tracks one live progress registration.
type progressEntry struct {
	callback   ProgressCallback
	controller *TimeoutController
}

// ProgressCoordinator implements progress-token routing, timeout-on-
// progress reset, and task-augmented token migration. One coordinator
// is owned by each Peer.
type ProgressCoordinator struct {
	mu sync.Mutex

	byToken     map[string]*progressEntry
	requestTok  map[any]string // request-id key -> token
	taskTok     map[string]string // task-id -> token
	nextTokenID int64
}

// NewProgressCoordinator constructs an empty coordinator.
func NewProgressCoordinator() *ProgressCoordinator {
	return &ProgressCoordinator{
		byToken:    make(map[string]*progressEntry),
		requestTok: make(map[any]string),
		taskTok:    make(map[string]string),
	}
}

// deriveToken returns a token string derived from the request-id, unique
// across all in-flight requests that requested progress because
// request-ids are themselves unique per in-flight request.
func (p *ProgressCoordinator) deriveToken(id RequestID) string {
	return "req:" + id.String()
}

// Register associates id with callback (and, if timeout is non-nil, a
// TimeoutController), deriving a progress token from id. It returns the
// token to inject into the outbound request's `_meta.progressToken`.
func (p *ProgressCoordinator) Register(id RequestID, callback ProgressCallback, controller *TimeoutController) string {
	token := p.deriveToken(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byToken[token] = &progressEntry{callback: callback, controller: controller}
	p.requestTok[id.Key()] = token
	return token
}

// RegisterToken is like Register but accepts a caller-supplied token
// instead of deriving one from the request-id.
func (p *ProgressCoordinator) RegisterToken(id RequestID, token string, callback ProgressCallback, controller *TimeoutController) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byToken[token] = &progressEntry{callback: callback, controller: controller}
	p.requestTok[id.Key()] = token
}

// HandleProgress processes an inbound progress notification: it signals
// the associated TimeoutController (if any) and invokes the callback. An
// unknown token is logged and dropped; this is not a user-visible error.
func (p *ProgressCoordinator) HandleProgress(token string, progress float64, total *float64, message string) {
	p.mu.Lock()
	entry, ok := p.byToken[token]
	p.mu.Unlock()

	if !ok {
		logger.Warning("mcp: progress notification for unknown token %q dropped", token)
		return
	}
	if entry.controller != nil {
		entry.controller.SignalProgress()
	}
	if entry.callback != nil {
		entry.callback(progress, total, message)
	}
}

// CompleteRequest drops the request-id -> token association when the
// originating request finishes normally (no task augmentation present).
// The callback/controller entry itself is removed unless a task
// migration happened first via MigrateToTask.
func (p *ProgressCoordinator) CompleteRequest(id RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.requestTok[id.Key()]
	if !ok {
		return
	}
	delete(p.requestTok, id.Key())
	if entry, ok := p.byToken[token]; ok {
		if entry.controller != nil {
			entry.controller.Stop()
		}
		delete(p.byToken, token)
	}
}

// MigrateToTask implements task-augmented token migration: called when a
// response's result carries result.task.taskId. The request -> token
// mapping is removed and a task-id -> token mapping is installed in its
// place; the callback and controller are kept alive.
func (p *ProgressCoordinator) MigrateToTask(id RequestID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.requestTok[id.Key()]
	if !ok {
		return
	}
	delete(p.requestTok, id.Key())
	p.taskTok[taskID] = token
}

// HandleTaskStatus processes an inbound task status notification. A
// terminal status removes the task-id -> token mapping and drops the
// callback/controller; a non-terminal status is a no-op here (progress
// continues to flow through HandleProgress).
func (p *ProgressCoordinator) HandleTaskStatus(taskID string, status TaskStatus) {
	if !status.terminal() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.taskTok[taskID]
	if !ok {
		return
	}
	delete(p.taskTok, taskID)
	if entry, ok := p.byToken[token]; ok {
		if entry.controller != nil {
			entry.controller.Stop()
		}
		delete(p.byToken, token)
	}
}

// Drop removes a token's entry without regard to why; used when an
// outbound request is cancelled or times out.
func (p *ProgressCoordinator) Drop(id RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.requestTok[id.Key()]
	if !ok {
		return
	}
	delete(p.requestTok, id.Key())
	if entry, ok := p.byToken[token]; ok {
		if entry.controller != nil {
			entry.controller.Stop()
		}
		delete(p.byToken, token)
	}
}
