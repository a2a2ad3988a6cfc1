package task

import (
	"context"
	"sync"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

const defaultLogCap = 500

// Task tracks one dispatched operation from creation to a terminal state
type Task struct {
	ID           string
	Operation    string
	PermissionID int64
	Grantor      string
	Grantee      string
	Status       types.OperationStatus
	Result       *types.ExecResult
	Error        string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time

	logs   []string
	cancel context.CancelFunc
}

// Snapshot is a copy of task state safe to hand to callers
type Snapshot struct {
	ID           string
	Operation    string
	PermissionID int64
	Grantor      string
	Grantee      string
	Status       types.OperationStatus
	Result       *types.ExecResult
	Error        string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Logs         []string
}

// Store is an in-memory task registry. Status transitions are monotonic:
// PENDING -> RUNNING -> one of the terminal states, with direct
// PENDING -> terminal allowed for early failures. Terminal tasks never
// change again.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logCap int
	ttl    time.Duration
}

// Config holds store settings
type Config struct {
	LogCap int
	TTL    time.Duration
}

// NewStore creates a task store
func NewStore(cfg Config) *Store {
	logCap := cfg.LogCap
	if logCap <= 0 {
		logCap = defaultLogCap
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Store{
		tasks:  make(map[string]*Task),
		logCap: logCap,
		ttl:    ttl,
	}
}

// Create registers a new pending task under id. Creating an id that
// already exists is a no-op returning the existing task. The cancel
// function is invoked when the task is cancelled through the store.
func (s *Store) Create(id, operation string, permissionID int64, grantor, grantee string, cancel context.CancelFunc) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[id]; ok {
		return snapshot(existing), nil
	}

	t := &Task{
		ID:           id,
		Operation:    operation,
		PermissionID: permissionID,
		Grantor:      grantor,
		Grantee:      grantee,
		Status:       types.StatusPending,
		CreatedAt:    time.Now(),
		cancel:       cancel,
	}
	s.tasks[id] = t
	metrics.OperationsInFlight.Inc()
	return snapshot(t), nil
}

// Get returns a copy of the task state
func (s *Store) Get(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errdefs.NotFound("operation %s not found", id)
	}
	return snapshot(t), nil
}

// MarkRunning transitions a pending task to RUNNING
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errdefs.NotFound("operation %s not found", id)
	}
	if t.Status != types.StatusPending {
		return errdefs.Validation("cannot start task in state %s", t.Status)
	}
	t.Status = types.StatusRunning
	t.StartedAt = time.Now()
	return nil
}

// Finish moves a task to a terminal state with its result. Finishing an
// already-terminal task is a no-op so a cancelled task keeps CANCELLED
// even if its worker completes afterwards. The cancellation handle is
// released on the terminal transition and runs outside the store lock.
func (s *Store) Finish(id string, status types.OperationStatus, result *types.ExecResult, errMsg string) {
	s.mu.Lock()

	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.FinishedAt = time.Now()
	cancel := t.cancel
	t.cancel = nil
	metrics.OperationsInFlight.Dec()
	metrics.OperationDuration.WithLabelValues(t.Operation).Observe(t.FinishedAt.Sub(t.CreatedAt).Seconds())
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// AppendLog adds one log line to the task's bounded buffer, dropping the
// oldest line once the cap is reached.
func (s *Store) AppendLog(id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.logs = append(t.logs, line)
	if len(t.logs) > s.logCap {
		t.logs = t.logs[len(t.logs)-s.logCap:]
	}
}

// Cancel requests cancellation of a task. It returns true if this call
// moved the task to CANCELLED; cancelling a terminal task returns false.
// The task's cancel function runs outside the store lock.
func (s *Store) Cancel(id string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, errdefs.NotFound("operation %s not found", id)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	t.Status = types.StatusCancelled
	t.FinishedAt = time.Now()
	cancel := t.cancel
	t.cancel = nil
	metrics.OperationsInFlight.Dec()
	metrics.OperationDuration.WithLabelValues(t.Operation).Observe(t.FinishedAt.Sub(t.CreatedAt).Seconds())
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true, nil
}

// Cleanup drops terminal tasks older than the retention TTL and returns
// how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() && !t.FinishedAt.IsZero() && t.FinishedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup on the interval until ctx is done
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("task-janitor")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Cleanup(); n > 0 {
					logger.Debug().Int("removed", n).Msg("cleaned up finished tasks")
				}
			}
		}
	}()
}

// snapshot copies task state; caller must hold the store lock
func snapshot(t *Task) *Snapshot {
	logs := make([]string, len(t.logs))
	copy(logs, t.logs)
	return &Snapshot{
		ID:           t.ID,
		Operation:    t.Operation,
		PermissionID: t.PermissionID,
		Grantor:      t.Grantor,
		Grantee:      t.Grantee,
		Status:       t.Status,
		Result:       t.Result,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
		Logs:         logs,
	}
}
