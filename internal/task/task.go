package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tcollins82/fetcha/internal/fault"
)

type (
	Status int

	// Failure captures why a task entered the Errored state. The kind is
	// always one of the fault taxonomy kinds; no raw engine errors are
	// stored against a task.
	Failure struct {
		Kind       fault.Kind
		Message    string
		RetryAfter time.Duration
	}

	// Task is the unit of orchestration state for one requested download.
	// Tasks are exclusively owned by the Store; workers and API consumers
	// only ever see copies, and route all mutation through Store.Update.
	Task struct {
		ID      uuid.UUID
		Status  Status
		Message string

		URL           string
		Quality       string
		VideoFormatID string
		AudioFormatID string

		Title     string
		SafeTitle string
		Ext       string

		// Direct tasks stage their output in a per-task temporary directory
		// which the delivery gateway streams from (and then removes). Staged
		// tasks write straight into the server's download area.
		Direct     bool
		StagingDir string

		CreatedAt   time.Time
		StartedAt   *time.Time
		CompletedAt *time.Time

		Failure *Failure
		Files   []string

		TotalBytes      int64
		DownloadedBytes int64

		Cancelled bool

		// Resolved marks a task whose format selection and metadata were
		// settled at submission time; the worker skips catalog resolution
		// for these and fetches the recorded selectors directly.
		Resolved bool

		// claimed guards against two workers running the same task. Set once
		// by Store.Claim and never cleared.
		claimed bool
	}
)

const (
	Preparing Status = iota
	Downloading
	Completed
	Errored
)

// Terminal reports whether this status is absorbing; terminal tasks
// reject all further mutation.
func (s Status) Terminal() bool {
	return s == Completed || s == Errored
}

func (s Status) String() string {
	switch s {
	case Preparing:
		return "PREPARING"
	case Downloading:
		return "DOWNLOADING"
	case Completed:
		return "COMPLETED"
	case Errored:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

// Progress returns the byte completion of the transfer as a percentage,
// or -1 when the total size is not yet known.
func (t *Task) Progress() float64 {
	if t.TotalBytes <= 0 {
		return -1
	}

	return float64(t.DownloadedBytes) / float64(t.TotalBytes) * 100
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{ID=%s status=%s}", t.ID, t.Status)
}

// copy produces a detached snapshot of the task which the receiver is free
// to read without holding the store lock.
func (t *Task) copy() *Task {
	dup := *t
	if t.Failure != nil {
		failure := *t.Failure
		dup.Failure = &failure
	}
	if t.Files != nil {
		dup.Files = append([]string(nil), t.Files...)
	}

	return &dup
}
