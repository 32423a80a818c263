package delivery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/task"
)

func newGateway(t *testing.T, store *task.Store) (*delivery.Gateway, string) {
	dir := t.TempDir()
	gateway := delivery.NewGateway(delivery.Config{DownloadDir: dir, PollIntervalMillis: 10}, store)

	return gateway, dir
}

func completeTask(t *testing.T, store *task.Store, direct bool, stagingDir string, fileName string) *task.Task {
	created := store.Create(task.CreateParams{URL: "https://example.com/watch?v=1", Direct: direct, StagingDir: stagingDir})

	path := filepath.Join(stagingDir, fileName)
	assert.Nil(t, os.WriteFile(path, []byte("media bytes"), 0o644))

	_, err := store.Update(created.ID, func(tk *task.Task) {
		now := time.Now()
		tk.Status = task.Completed
		tk.CompletedAt = &now
		tk.Files = append(tk.Files, path)
	})
	assert.Nil(t, err)

	return created
}

func TestAwaitFileReadinessRules(t *testing.T) {
	store := task.NewStore()
	gateway, _ := newGateway(t, store)

	created := store.Create(task.CreateParams{URL: "https://example.com/watch?v=1"})
	_, _, _, err := gateway.AwaitFile(context.Background(), created.ID)
	assert.Equal(t, fault.Conflict, fault.KindOf(err), "a task which has not started must be rejected as a conflict")

	store2 := task.NewStore()
	gateway2, _ := newGateway(t, store2)
	_, _, _, err = gateway2.AwaitFile(context.Background(), created.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestAwaitFileStreamsCompletedDirectTaskAndCleansUp(t *testing.T) {
	store := task.NewStore()
	gateway, _ := newGateway(t, store)

	stagingDir, err := os.MkdirTemp(t.TempDir(), "stage-*")
	assert.Nil(t, err)
	created := completeTask(t, store, true, stagingDir, "Example Title.mp4")

	path, name, cleanup, err := gateway.AwaitFile(context.Background(), created.ID)
	assert.Nil(t, err)
	assert.Equal(t, "Example Title.mp4", name)
	assert.FileExists(t, path)

	cleanup()
	_, statErr := os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(statErr), "direct staging directory must be removed after streaming")
}

func TestAwaitFileWaitsForRunningTask(t *testing.T) {
	store := task.NewStore()
	gateway, dir := newGateway(t, store)

	created := store.Create(task.CreateParams{URL: "https://example.com/watch?v=1", StagingDir: dir})
	_, err := store.Update(created.ID, func(tk *task.Task) { tk.Status = task.Downloading })
	assert.Nil(t, err)

	path := filepath.Join(dir, "out.mp4")
	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, []byte("media bytes"), 0o644)
		store.Update(created.ID, func(tk *task.Task) {
			now := time.Now()
			tk.Status = task.Completed
			tk.CompletedAt = &now
			tk.Files = append(tk.Files, path)
		})
	}()

	resolved, _, cleanup, err := gateway.AwaitFile(context.Background(), created.ID)
	assert.Nil(t, err)
	assert.Equal(t, path, resolved)
	cleanup()
	assert.FileExists(t, path, "staged output must survive streaming")
}

func TestAwaitFileSurfacesTaskFailureKind(t *testing.T) {
	store := task.NewStore()
	gateway, dir := newGateway(t, store)

	created := store.Create(task.CreateParams{URL: "https://example.com/watch?v=1", StagingDir: dir})
	_, err := store.Update(created.ID, func(tk *task.Task) {
		now := time.Now()
		tk.Status = task.Errored
		tk.CompletedAt = &now
		tk.Failure = &task.Failure{Kind: fault.VideoUnavailable, Message: "video is private, deleted or region blocked"}
	})
	assert.Nil(t, err)

	_, _, _, awaitErr := gateway.AwaitFile(context.Background(), created.ID)
	assert.Equal(t, fault.VideoUnavailable, fault.KindOf(awaitErr))
}

func TestListStagedReturnsNewestFirst(t *testing.T) {
	store := task.NewStore()
	gateway, dir := newGateway(t, store)

	older := filepath.Join(dir, "older.mp4")
	newer := filepath.Join(dir, "newer.mp4")
	assert.Nil(t, os.WriteFile(older, []byte("a"), 0o644))
	assert.Nil(t, os.WriteFile(newer, []byte("bb"), 0o644))
	assert.Nil(t, os.Chtimes(older, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	files, err := gateway.ListStaged()
	assert.Nil(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "newer.mp4", files[0].Name)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "older.mp4", files[1].Name)
}

func TestStagedPathRejectsTraversal(t *testing.T) {
	store := task.NewStore()
	gateway, dir := newGateway(t, store)
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "safe.mp4"), []byte("a"), 0o644))

	for _, name := range []string{"../etc/passwd", "..", "a/b.mp4", "", "nope.mp4"} {
		_, err := gateway.StagedPath(name)
		assert.Equal(t, fault.NotFound, fault.KindOf(err), "name %q must not resolve", name)
	}

	path, err := gateway.StagedPath("safe.mp4")
	assert.Nil(t, err)
	assert.Equal(t, filepath.Join(dir, "safe.mp4"), path)
}

func TestDeleteStagedRemovesFile(t *testing.T) {
	store := task.NewStore()
	gateway, dir := newGateway(t, store)

	path := filepath.Join(dir, "gone.mp4")
	assert.Nil(t, os.WriteFile(path, []byte("a"), 0o644))

	assert.Nil(t, gateway.DeleteStaged("gone.mp4"))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	assert.Equal(t, fault.NotFound, fault.KindOf(gateway.DeleteStaged("gone.mp4")))
}
