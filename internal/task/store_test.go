package task_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/tcollins82/fetcha/internal/task"
)

func createTask(store *task.Store) *task.Task {
	return store.Create(task.CreateParams{URL: "https://example.com/watch?v=1", Quality: "auto"})
}

func completeTask(t *testing.T, store *task.Store, id uuid.UUID) {
	_, err := store.Update(id, func(tk *task.Task) {
		now := time.Now()
		tk.Status = task.Completed
		tk.CompletedAt = &now
	})
	assert.Nil(t, err)
}

func TestCreateStartsInPreparing(t *testing.T) {
	store := task.NewStore()
	created := createTask(store)

	assert.Equal(t, task.Preparing, created.Status)
	assert.NotEqual(t, uuid.Nil, created.ID)

	fetched, err := store.Get(created.ID)
	assert.Nil(t, err)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestGetUnknownTaskReturnsNotFound(t *testing.T) {
	store := task.NewStore()

	_, err := store.Get(uuid.New())
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestSnapshotsAreDetachedFromStoreState(t *testing.T) {
	store := task.NewStore()
	created := createTask(store)

	snapshot, err := store.Get(created.ID)
	assert.Nil(t, err)
	snapshot.Message = "mutated locally"
	snapshot.Files = append(snapshot.Files, "/tmp/rogue.mp4")

	fresh, err := store.Get(created.ID)
	assert.Nil(t, err)
	assert.Equal(t, "Download queued", fresh.Message)
	assert.Empty(t, fresh.Files)
}

func TestTerminalStateAbsorbsAllMutation(t *testing.T) {
	store := task.NewStore()
	created := createTask(store)
	completeTask(t, store, created.ID)

	_, err := store.Update(created.ID, func(tk *task.Task) { tk.Message = "should not apply" })
	assert.ErrorIs(t, err, task.ErrTerminal)

	assert.ErrorIs(t, store.Cancel(created.ID), task.ErrTerminal)

	fetched, err := store.Get(created.ID)
	assert.Nil(t, err)
	assert.Equal(t, task.Completed, fetched.Status)
}

func TestClaimIsOldestFirstAndOnce(t *testing.T) {
	store := task.NewStore()
	first := createTask(store)
	second := createTask(store)

	claimed := store.Claim()
	assert.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	claimed = store.Claim()
	assert.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	assert.Nil(t, store.Claim(), "every task may be claimed exactly once")
}

func TestCancelBeforeClaimFinalisesTask(t *testing.T) {
	store := task.NewStore()
	cancelled := createTask(store)
	runnable := createTask(store)

	assert.Nil(t, store.Cancel(cancelled.ID))

	// No worker owns an unclaimed task, so cancellation terminates it
	// immediately and it is never handed out.
	fetched, err := store.Get(cancelled.ID)
	assert.Nil(t, err)
	assert.Equal(t, task.Errored, fetched.Status)
	assert.NotNil(t, fetched.Failure)
	assert.True(t, fetched.Cancelled)

	claimed := store.Claim()
	assert.NotNil(t, claimed)
	assert.Equal(t, runnable.ID, claimed.ID)
	assert.Nil(t, store.Claim())
}

func TestListPreservesCreationOrder(t *testing.T) {
	store := task.NewStore()
	first := createTask(store)
	second := createTask(store)
	third := createTask(store)

	listed := store.List()
	assert.Len(t, listed, 3)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.Equal(t, second.ID, listed[1].ID)
	assert.Equal(t, third.ID, listed[2].ID)
}

func TestEvictRemovesAgedTerminalTasksOnly(t *testing.T) {
	store := task.NewStore()
	aged := createTask(store)
	running := createTask(store)
	fresh := createTask(store)

	_, err := store.Update(aged.ID, func(tk *task.Task) {
		completed := time.Now().Add(-2 * time.Hour)
		tk.Status = task.Errored
		tk.CompletedAt = &completed
	})
	assert.Nil(t, err)
	completeTask(t, store, fresh.ID)

	evicted := store.Evict(time.Hour, 0)
	assert.Equal(t, 1, evicted)

	_, err = store.Get(aged.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = store.Get(running.ID)
	assert.Nil(t, err)
	_, err = store.Get(fresh.ID)
	assert.Nil(t, err)
}

func TestEvictEnforcesRegistryCap(t *testing.T) {
	store := task.NewStore()

	terminalIDs := make([]uuid.UUID, 0, 4)
	for i := 0; i < 4; i++ {
		created := createTask(store)
		completeTask(t, store, created.ID)
		terminalIDs = append(terminalIDs, created.ID)
	}
	running := createTask(store)

	evicted := store.Evict(time.Hour, 2)
	assert.Equal(t, 3, evicted)

	// Oldest terminal records go first; the running task is never evicted.
	_, err := store.Get(terminalIDs[0])
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = store.Get(terminalIDs[3])
	assert.Nil(t, err)
	_, err = store.Get(running.ID)
	assert.Nil(t, err)
}

func TestProgressUnknownUntilTotalBytesKnown(t *testing.T) {
	store := task.NewStore()
	created := createTask(store)

	assert.Equal(t, float64(-1), created.Progress())

	updated, err := store.Update(created.ID, func(tk *task.Task) {
		tk.TotalBytes = 2000
		tk.DownloadedBytes = 500
	})
	assert.Nil(t, err)
	assert.InDelta(t, 25.0, updated.Progress(), 0.001)
}
