package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tripgate/internal/domain"
	"tripgate/internal/repo"
)

const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
	TaskCancelled = "CANCELLED"
)

func taskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// taskState serializes task row updates and remembers cancel requests for
// workers still running in this process.
type taskState struct {
	mu        sync.Mutex
	cancelled map[string]bool
}

func newTaskState() *taskState {
	return &taskState{cancelled: make(map[string]bool)}
}

func (s *taskState) isCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id]
}

func (s *taskState) markCancelled(id string) {
	s.mu.Lock()
	s.cancelled[id] = true
	s.mu.Unlock()
}

func (s *taskState) forget(id string) {
	s.mu.Lock()
	delete(s.cancelled, id)
	s.mu.Unlock()
}

func (e Engine) StartTask(ctx context.Context, kind string, total int) (domain.AsyncTask, error) {
	if strings.TrimSpace(kind) == "" {
		return domain.AsyncTask{}, ValidationError{Field: "kind", Message: "required"}
	}
	if total < 0 {
		return domain.AsyncTask{}, ValidationError{Field: "total", Message: "must not be negative"}
	}
	now := e.stamp()
	t := domain.AsyncTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    TaskPending,
		Progress:  domain.TaskProgress{Total: total},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.AsyncTask{}, fmt.Errorf("insert task: %w", err)
	}
	e.publishTask(ctx, t)
	return t, nil
}

// PollTask reads a task without side effects.
func (e Engine) PollTask(ctx context.Context, id string) (domain.AsyncTask, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, notFound(err, "task", id)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, status string, limit int) ([]domain.AsyncTask, error) {
	items, err := e.Repo.ListTasks(ctx, strings.ToUpper(status), limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.AsyncTask{}
	}
	return items, nil
}

// AdvanceTask adds delta to the processed count and moves a PENDING task to
// RUNNING. Updates to a terminal task are ignored.
func (e Engine) AdvanceTask(ctx context.Context, id string, delta int, current string) (domain.AsyncTask, error) {
	if delta < 0 {
		return domain.AsyncTask{}, ValidationError{Field: "delta", Message: "must not be negative"}
	}
	return e.mutateTask(ctx, id, func(t *domain.AsyncTask, now time.Time) (bool, error) {
		if taskTerminal(t.Status) {
			return false, nil
		}
		if t.Status == TaskPending {
			t.Status = TaskRunning
			started := now.Format(time.RFC3339)
			t.StartedAt = &started
		}
		t.Progress.Processed += delta
		if t.Progress.Total > 0 && t.Progress.Processed > t.Progress.Total {
			t.Progress.Processed = t.Progress.Total
		}
		if current != "" {
			t.Progress.Current = current
		}
		t.Progress.EstimatedRemainingTime = estimateRemaining(*t, now)
		return true, nil
	})
}

// estimateRemaining extrapolates the average time per processed unit.
func estimateRemaining(t domain.AsyncTask, now time.Time) *int {
	p := t.Progress
	if t.StartedAt == nil || p.Processed == 0 || p.Total <= p.Processed {
		return nil
	}
	started, err := time.Parse(time.RFC3339, *t.StartedAt)
	if err != nil {
		return nil
	}
	perUnit := now.Sub(started).Seconds() / float64(p.Processed)
	secs := int(perUnit*float64(p.Total-p.Processed) + 0.5)
	return &secs
}

// CompleteTask is a no-op once the task is terminal.
func (e Engine) CompleteTask(ctx context.Context, id string, result map[string]any) (domain.AsyncTask, error) {
	return e.finishTask(ctx, id, TaskCompleted, result, nil)
}

// FailTask is a no-op once the task is terminal.
func (e Engine) FailTask(ctx context.Context, id, message string) (domain.AsyncTask, error) {
	return e.finishTask(ctx, id, TaskFailed, nil, &message)
}

func (e Engine) finishTask(ctx context.Context, id, status string, result map[string]any, errMsg *string) (domain.AsyncTask, error) {
	return e.mutateTask(ctx, id, func(t *domain.AsyncTask, now time.Time) (bool, error) {
		if taskTerminal(t.Status) {
			return false, nil
		}
		finished := now.Format(time.RFC3339)
		t.Status = status
		t.Result = result
		t.Error = errMsg
		t.FinishedAt = &finished
		t.Progress.EstimatedRemainingTime = nil
		return true, nil
	})
}

// CancelTask marks cancel intent. Workers observe it between units of work;
// progress reported afterwards is dropped.
func (e Engine) CancelTask(ctx context.Context, id string) (domain.AsyncTask, error) {
	return e.mutateTask(ctx, id, func(t *domain.AsyncTask, now time.Time) (bool, error) {
		if taskTerminal(t.Status) {
			return false, AlreadyTerminalError{TaskID: t.ID, Status: strings.ToLower(t.Status)}
		}
		finished := now.Format(time.RFC3339)
		t.Status = TaskCancelled
		t.FinishedAt = &finished
		t.Progress.EstimatedRemainingTime = nil
		e.tasks.cancelled[t.ID] = true
		return true, nil
	})
}

// mutateTask runs fn under the tracker lock and persists the task when fn
// reports a change. If another process finished the task in between, fn runs
// again against the stored terminal row.
func (e Engine) mutateTask(ctx context.Context, id string, fn func(t *domain.AsyncTask, now time.Time) (bool, error)) (domain.AsyncTask, error) {
	e.tasks.mu.Lock()
	defer e.tasks.mu.Unlock()
	for {
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return t, notFound(err, "task", id)
		}
		now := e.now().UTC()
		changed, err := fn(&t, now)
		if err != nil || !changed {
			return t, err
		}
		t.UpdatedAt = now.Format(time.RFC3339)
		err = e.Repo.SaveTask(ctx, t)
		if errors.Is(err, repo.ErrTaskFinished) {
			continue
		}
		if err != nil {
			return t, err
		}
		e.publishTask(ctx, t)
		return t, nil
	}
}

func (e Engine) publishTask(ctx context.Context, t domain.AsyncTask) {
	if e.TaskBus == nil {
		return
	}
	if err := e.TaskBus.Publish(ctx, t); err != nil {
		e.logger().WarnContext(ctx, "task update not published", "task_id", t.ID, "err", err)
	}
}

type taskMsg struct {
	delta   int
	current string
	done    bool
	result  map[string]any
	err     error
}

// Reporter is a worker's handle on its task. Progress travels to the tracker
// as messages; workers never write task state themselves.
type Reporter struct {
	ctx    context.Context
	taskID string
	msgs   chan<- taskMsg
	state  *taskState
	store  repo.Repo
}

// Advance reports delta more units processed. It is safe on a nil Reporter.
func (r *Reporter) Advance(delta int, current string) {
	if r == nil {
		return
	}
	r.msgs <- taskMsg{delta: delta, current: current}
}

// Cancelled reports whether the task was cancelled. Workers check it between
// units. A cancel recorded by another process is read from the stored row.
func (r *Reporter) Cancelled() bool {
	if r == nil {
		return false
	}
	if r.state.isCancelled(r.taskID) {
		return true
	}
	t, err := r.store.GetTask(r.ctx, r.taskID)
	if err != nil || t.Status != TaskCancelled {
		return false
	}
	r.state.markCancelled(r.taskID)
	return true
}

func (r *Reporter) TaskID() string {
	if r == nil {
		return ""
	}
	return r.taskID
}

// RunTask starts a task and runs work on its own goroutine. The returned task
// is PENDING; callers poll it.
func (e Engine) RunTask(ctx context.Context, kind string, total int, work func(ctx context.Context, r *Reporter) (map[string]any, error)) (domain.AsyncTask, error) {
	task, err := e.StartTask(ctx, kind, total)
	if err != nil {
		return task, err
	}
	bg := context.WithoutCancel(ctx)
	msgs := make(chan taskMsg, 16)
	r := &Reporter{ctx: bg, taskID: task.ID, msgs: msgs, state: e.tasks, store: e.Repo}
	go e.trackTask(bg, task.ID, msgs)
	go func() {
		defer close(msgs)
		defer func() {
			if p := recover(); p != nil {
				msgs <- taskMsg{done: true, err: fmt.Errorf("task panicked: %v", p)}
			}
		}()
		result, err := work(bg, r)
		msgs <- taskMsg{done: true, result: result, err: err}
	}()
	return task, nil
}

// trackTask applies worker messages to the task in arrival order.
func (e Engine) trackTask(ctx context.Context, id string, msgs <-chan taskMsg) {
	defer e.tasks.forget(id)
	for m := range msgs {
		var err error
		switch {
		case !m.done:
			_, err = e.AdvanceTask(ctx, id, m.delta, m.current)
		case m.err != nil:
			_, err = e.FailTask(ctx, id, m.err.Error())
		default:
			_, err = e.CompleteTask(ctx, id, m.result)
		}
		if err != nil {
			e.logger().WarnContext(ctx, "task update failed", "task_id", id, "err", err)
		}
	}
}
