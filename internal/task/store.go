package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcollins82/fetcha/internal/fault"
)

var (
	ErrNotFound = errors.New("no task could be found with the ID provided")

	// ErrTerminal is returned when attempting to mutate a task whose status
	// is absorbing. Receiving this error indicates a logic error in the
	// caller, not a user-facing failure.
	ErrTerminal = errors.New("task is in a terminal state and cannot be mutated")
)

// CreateParams is the immutable request information a task is created with.
type CreateParams struct {
	URL           string
	Quality       string
	VideoFormatID string
	AudioFormatID string
	Title         string
	SafeTitle     string
	Ext           string
	Direct        bool
	Resolved      bool
	TotalBytes    int64
	StagingDir    string
}

// Store is the in-memory registry of tasks and the single source of truth
// for orchestration state. All mutation happens under the store mutex so
// that concurrent workers and pollers never observe a half-written task.
// The registry is deliberately non-durable; a restart discards all records.
type Store struct {
	*sync.Mutex
	tasks map[uuid.UUID]*Task
	order []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		Mutex: &sync.Mutex{},
		tasks: make(map[uuid.UUID]*Task),
		order: make([]uuid.UUID, 0),
	}
}

// Create registers a new task in the Preparing state and returns a snapshot
// of it. The task is eligible for claiming by a worker immediately.
func (store *Store) Create(params CreateParams) *Task {
	store.Lock()
	defer store.Unlock()

	t := &Task{
		ID:            uuid.New(),
		Status:        Preparing,
		Message:       "Download queued",
		URL:           params.URL,
		Quality:       params.Quality,
		VideoFormatID: params.VideoFormatID,
		AudioFormatID: params.AudioFormatID,
		Title:         params.Title,
		SafeTitle:     params.SafeTitle,
		Ext:           params.Ext,
		Direct:        params.Direct,
		Resolved:      params.Resolved,
		TotalBytes:    params.TotalBytes,
		StagingDir:    params.StagingDir,
		CreatedAt:     time.Now(),
		Files:         make([]string, 0),
	}

	store.tasks[t.ID] = t
	store.order = append(store.order, t.ID)

	return t.copy()
}

// Get returns a snapshot of the task with the ID provided, or ErrNotFound.
func (store *Store) Get(id uuid.UUID) (*Task, error) {
	store.Lock()
	defer store.Unlock()

	t, ok := store.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	return t.copy(), nil
}

// List returns snapshots of every registered task in creation order.
func (store *Store) List() []*Task {
	store.Lock()
	defer store.Unlock()

	out := make([]*Task, 0, len(store.order))
	for _, id := range store.order {
		if t, ok := store.tasks[id]; ok {
			out = append(out, t.copy())
		}
	}

	return out
}

// Update applies the mutator to the task with the ID provided, atomically
// with respect to all other store access. Mutation of a terminal task is
// rejected with ErrTerminal. The returned task is a post-mutation snapshot.
func (store *Store) Update(id uuid.UUID, mutate func(*Task)) (*Task, error) {
	store.Lock()
	defer store.Unlock()

	t, ok := store.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, ErrTerminal
	}

	mutate(t)
	return t.copy(), nil
}

// Cancel raises the cooperative cancellation flag on the task. A claimed
// task is wound down by its owning worker at the next checkpoint; a task
// no worker has claimed yet has no owner to do that, so it is finalised
// here directly. Cancelling a terminal task is rejected with ErrTerminal.
func (store *Store) Cancel(id uuid.UUID) error {
	store.Lock()
	defer store.Unlock()

	t, ok := store.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}

	t.Cancelled = true
	t.Message = "Cancellation requested"

	if t.Status == Preparing && !t.claimed {
		now := time.Now()
		t.claimed = true
		t.Status = Errored
		t.CompletedAt = &now
		t.Message = "Download was cancelled before it started"
		t.Failure = &Failure{Kind: fault.Cancelled, Message: t.Message}
	}

	return nil
}

// IsCancelled is the cheap checkpoint read used by workers.
func (store *Store) IsCancelled(id uuid.UUID) bool {
	store.Lock()
	defer store.Unlock()

	if t, ok := store.tasks[id]; ok {
		return t.Cancelled
	}

	return false
}

// Claim finds the oldest Preparing task which no worker has claimed yet,
// marks it claimed, and returns a snapshot of it. Returns nil if there is
// no claimable task. A task can only ever be claimed once, which enforces
// the one-worker-per-task guarantee.
func (store *Store) Claim() *Task {
	store.Lock()
	defer store.Unlock()

	for _, id := range store.order {
		t, ok := store.tasks[id]
		if !ok {
			continue
		}

		if t.Status == Preparing && !t.claimed && !t.Cancelled {
			t.claimed = true
			return t.copy()
		}
	}

	return nil
}

// Evict removes terminal tasks which completed more than maxAge ago, then
// enforces the registry cap by evicting the oldest terminal tasks first.
// Running tasks are never evicted. Returns the number of removed tasks.
func (store *Store) Evict(maxAge time.Duration, maxTasks int) int {
	store.Lock()
	defer store.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-maxAge)

	keep := store.order[:0]
	for _, id := range store.order {
		t, ok := store.tasks[id]
		if !ok {
			continue
		}

		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(store.tasks, id)
			evicted++
			continue
		}

		keep = append(keep, id)
	}
	store.order = keep

	if maxTasks > 0 && len(store.order) > maxTasks {
		keep := store.order[:0]
		for _, id := range store.order {
			t := store.tasks[id]
			if len(store.tasks) > maxTasks && t.Status.Terminal() {
				delete(store.tasks, id)
				evicted++
				continue
			}

			keep = append(keep, id)
		}
		store.order = keep
	}

	return evicted
}
