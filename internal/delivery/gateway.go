package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/task"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("Delivery")

type (
	Config struct {
		// DownloadDir is the staged output area served by the file listing
		// and fetch operations. Staged files persist until a client deletes
		// them; the server never reaps them on its own.
		DownloadDir string `yaml:"download_dir" env:"DOWNLOAD_DIR"`

		// PollIntervalMillis is how often a blocked stream request re-checks
		// the task while waiting for the transfer to finish.
		PollIntervalMillis int `yaml:"poll_interval_millis" env:"DELIVERY_POLL_INTERVAL" env-default:"500"`
	}

	taskReader interface {
		Get(id uuid.UUID) (*task.Task, error)
	}

	// StagedFile describes one file available in the staged download area.
	StagedFile struct {
		Name       string    `json:"filename"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	}

	// Gateway hands completed task output to HTTP clients. It owns the
	// readiness rules for streaming and all access to the staged area;
	// controllers never touch the filesystem directly.
	Gateway struct {
		config Config
		tasks  taskReader
	}
)

func NewGateway(config Config, tasks taskReader) *Gateway {
	return &Gateway{config: config, tasks: tasks}
}

// AwaitFile blocks until the task's output file is ready to stream and
// returns its path, the filename to present to the client, and a cleanup
// function to run once the response body has been sent. A task that has
// not started transferring yet is rejected with a Conflict fault so the
// client can back off and poll instead of holding a connection open.
func (gateway *Gateway) AwaitFile(ctx context.Context, id uuid.UUID) (string, string, func(), error) {
	t, err := gateway.tasks.Get(id)
	if err != nil {
		return "", "", nil, fault.New(fault.NotFound, "no download task found with that ID")
	}

	if t.Status == task.Preparing {
		return "", "", nil, fault.New(fault.Conflict, "download has not started transferring yet")
	}

	t, err = gateway.awaitTerminal(ctx, id)
	if err != nil {
		return "", "", nil, err
	}

	if t.Status == task.Errored {
		if t.Failure != nil {
			return "", "", nil, &fault.Error{Kind: t.Failure.Kind, Message: t.Failure.Message, RetryAfter: t.Failure.RetryAfter}
		}

		return "", "", nil, fault.New(fault.InternalError, "download failed")
	}

	if len(t.Files) == 0 {
		return "", "", nil, fault.New(fault.InternalError, "download completed but produced no output file")
	}

	path := t.Files[0]
	cleanup := func() {}
	if t.Direct {
		stagingDir := t.StagingDir
		cleanup = func() {
			log.Debugf("Removing staging directory %s after direct stream\n", stagingDir)
			os.RemoveAll(stagingDir)
		}
	}

	return path, filepath.Base(path), cleanup, nil
}

// awaitTerminal polls the task until it reaches a terminal state or the
// request context is cancelled.
func (gateway *Gateway) awaitTerminal(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	interval := time.Duration(gateway.config.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := gateway.tasks.Get(id)
		if err != nil {
			return nil, fault.New(fault.NotFound, "download task disappeared while waiting for it")
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fault.New(fault.Cancelled, "client disconnected while waiting for the download")
		}
	}
}

// ListStaged returns the staged download area's files, newest first.
func (gateway *Gateway) ListStaged() ([]StagedFile, error) {
	entries, err := os.ReadDir(gateway.config.DownloadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []StagedFile{}, nil
		}

		return nil, fault.Newf(fault.InternalError, "staged download area could not be read: %s", err)
	}

	files := make([]StagedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, StagedFile{Name: entry.Name(), Size: info.Size(), ModifiedAt: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModifiedAt.After(files[j].ModifiedAt) })
	return files, nil
}

// StagedPath resolves a staged file name to its absolute path. Names
// containing path separators or traversal sequences are rejected outright
// so a crafted name can never escape the staged area.
func (gateway *Gateway) StagedPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fault.New(fault.NotFound, "no staged file found with that name")
	}

	path := filepath.Join(gateway.config.DownloadDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fault.New(fault.NotFound, "no staged file found with that name")
	}

	return path, nil
}

// DeleteStaged removes a staged file by name, applying the same name
// validation as StagedPath.
func (gateway *Gateway) DeleteStaged(name string) error {
	path, err := gateway.StagedPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fault.Newf(fault.InternalError, "staged file could not be removed: %s", err)
	}

	log.Infof("Removed staged file %s\n", name)
	return nil
}
