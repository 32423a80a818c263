package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/format"
	"github.com/tcollins82/fetcha/internal/task"
	"github.com/tcollins82/fetcha/pkg/logger"
	"github.com/tcollins82/fetcha/pkg/sync"
	"github.com/tcollins82/fetcha/pkg/worker"
)

var log = logger.Get("DownloadServ")

type (
	Config struct {
		// DownloadDir receives staged output files; they stay on disk until a
		// client fetches or deletes them. TempDir hosts the per-task staging
		// directories used by direct downloads and by dual-stream fetches
		// before their remux completes.
		DownloadDir string `yaml:"download_dir" env:"DOWNLOAD_DIR"`
		TempDir     string `yaml:"temp_dir" env:"TEMP_DIR"`

		// Parallelism is the number of download workers claiming tasks from
		// the registry. Each worker owns at most one task at a time.
		Parallelism int `yaml:"parallelism" env:"DOWNLOAD_PARALLELISM" env-default:"2"`

		// TaskTimeoutSeconds bounds the wall-clock runtime of one task from
		// claim to completion.
		TaskTimeoutSeconds int `yaml:"task_timeout_seconds" env:"DOWNLOAD_TASK_TIMEOUT" env-default:"3600"`

		// Terminal task records are swept from the registry once they exceed
		// the retention age, and the registry is capped at RetentionCap
		// records with the oldest terminal records evicted first.
		RetentionAgeSeconds     int `yaml:"retention_age_seconds" env:"TASK_RETENTION_AGE" env-default:"3600"`
		RetentionCap            int `yaml:"retention_cap" env:"TASK_RETENTION_CAP" env-default:"256"`
		EvictionIntervalSeconds int `yaml:"eviction_interval_seconds" env:"TASK_EVICTION_INTERVAL" env-default:"300"`
	}

	catalogResolver interface {
		Resolve(ctx context.Context, mediaURL string) (*format.Catalog, error)
	}

	streamFetcher interface {
		Fetch(ctx context.Context, request extractor.FetchRequest, onProgress func(extractor.Progress)) (string, error)
	}

	admitter interface {
		Admit(ctx context.Context) error
		ReportThrottled(time.Duration) time.Duration
		ReportSuccess()
	}

	remuxer interface {
		Remux(ctx context.Context, videoPath string, audioPath string, outputPath string) error
	}

	// SubmitParams describes one requested download. Explicit format IDs take
	// precedence over the quality expression; when neither is provided the
	// worker falls back to an engine-chosen best selection.
	SubmitParams struct {
		URL           string
		Quality       string
		VideoFormatID string
		AudioFormatID string
		Direct        bool
	}

	// service owns the task registry and the worker pool which drains it.
	// Workers claim the oldest Preparing task, resolve its format selection,
	// fetch the stream bytes and (for dual-stream selections) remux them
	// into a single container.
	service struct {
		config   Config
		store    *task.Store
		resolver catalogResolver
		fetcher  streamFetcher
		governor admitter
		muxer    remuxer

		workerPool *worker.Pool
		running    sync.TypedSyncMap[uuid.UUID, context.CancelFunc]
	}
)

// New creates the download service and validates that both output
// directories exist, creating them when missing.
func New(config Config, store *task.Store, resolver catalogResolver, fetcher streamFetcher, governor admitter, muxer remuxer) (*service, error) {
	for _, dir := range []string{config.DownloadDir, config.TempDir} {
		if info, err := os.Stat(dir); err == nil {
			if !info.IsDir() {
				return nil, fmt.Errorf("output path '%s' is not a directory", dir)
			}
		} else if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("output path '%s' could not be created: %w", dir, err)
			}
		} else {
			return nil, fmt.Errorf("output path '%s' could not be accessed: %w", dir, err)
		}
	}

	svc := &service{
		config:     config,
		store:      store,
		resolver:   resolver,
		fetcher:    fetcher,
		governor:   governor,
		muxer:      muxer,
		workerPool: worker.NewPool(),
	}

	return svc, nil
}

// Run starts the worker pool and the registry eviction sweep, blocking
// until the context is cancelled.
func (service *service) Run(ctx context.Context) error {
	for i := 0; i < service.config.Parallelism; i++ {
		label := fmt.Sprintf("download-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, worker.TaskFn(func(w worker.Worker) error {
			return service.drainTasks(ctx, w)
		})))
	}

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()

	evictionTicker := time.NewTicker(time.Second * time.Duration(service.config.EvictionIntervalSeconds))
	defer evictionTicker.Stop()

	for {
		select {
		case <-evictionTicker.C:
			maxAge := time.Second * time.Duration(service.config.RetentionAgeSeconds)
			if evicted := service.store.Evict(maxAge, service.config.RetentionCap); evicted > 0 {
				log.Debugf("Evicted %d terminal task record(s) from the registry\n", evicted)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Download service shutting down\n")
			return nil
		}
	}
}

// Submit registers a new task and wakes the worker pool. Direct
// submissions resolve the catalog up front so the caller immediately
// learns the media title and output extension; staged submissions defer
// resolution to the claiming worker.
func (service *service) Submit(ctx context.Context, params SubmitParams) (*task.Task, error) {
	create := task.CreateParams{
		URL:           params.URL,
		Quality:       params.Quality,
		VideoFormatID: params.VideoFormatID,
		AudioFormatID: params.AudioFormatID,
		Direct:        params.Direct,
	}

	if params.Direct {
		catalog, err := service.resolver.Resolve(ctx, params.URL)
		if err != nil {
			return nil, err
		}

		plan := planFromCatalog(catalog, params.Quality, params.VideoFormatID, params.AudioFormatID)
		create.Title = plan.title
		create.SafeTitle = plan.safeTitle
		create.Ext = plan.outputExt(catalog)
		create.VideoFormatID = plan.videoSelector
		create.AudioFormatID = plan.audioSelector
		create.TotalBytes = plan.expectedBytes
		create.Resolved = true
	}

	stagingDir := service.config.DownloadDir
	if params.Direct {
		dir, err := os.MkdirTemp(service.config.TempDir, "stage-*")
		if err != nil {
			return nil, fault.Newf(fault.InternalError, "failed to create staging directory: %s", err)
		}
		stagingDir = dir
	}
	create.StagingDir = stagingDir

	t := service.store.Create(create)
	if t.Resolved && t.SafeTitle == "" {
		if updated, err := service.store.Update(t.ID, func(tk *task.Task) { tk.SafeTitle = tk.ID.String() }); err == nil {
			t = updated
		}
	}

	log.Infof("Queued %s for %s (quality=%q video=%q audio=%q direct=%t)\n",
		t.ID, t.URL, params.Quality, params.VideoFormatID, params.AudioFormatID, params.Direct)
	service.workerPool.WakeupWorkers()

	return t, nil
}

func (service *service) Task(id uuid.UUID) (*task.Task, error) { return service.store.Get(id) }
func (service *service) Tasks() []*task.Task                   { return service.store.List() }

// Cancel raises the task's cancellation flag and interrupts its in-flight
// work, if any. A running task is wound down by its worker; a task the
// store finalised immediately (never claimed) leaves no worker to remove
// its direct staging area, so that removal happens here.
func (service *service) Cancel(id uuid.UUID) error {
	if err := service.store.Cancel(id); err != nil {
		return err
	}

	if cancel, ok := service.running.Load(id); ok {
		cancel()
	}

	if t, err := service.store.Get(id); err == nil && t.Status.Terminal() && t.Direct {
		if t.StagingDir != "" && t.StagingDir != service.config.DownloadDir {
			os.RemoveAll(t.StagingDir)
		}
	}

	return nil
}

// drainTasks is the body of one pool worker: claim and run tasks until
// none remain, then sleep until woken or closed.
func (service *service) drainTasks(ctx context.Context, w worker.Worker) error {
	for {
		for t := service.store.Claim(); t != nil; t = service.store.Claim() {
			service.runTask(ctx, t)
		}

		if !w.Sleep() {
			return nil
		}
	}
}

// runTask drives one claimed task from Preparing to a terminal state. All
// failure paths converge on failTask so that every Errored task carries
// exactly one taxonomy kind.
func (service *service) runTask(parentCtx context.Context, claimed *task.Task) {
	timeout := time.Second * time.Duration(service.config.TaskTimeoutSeconds)
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	service.running.Store(claimed.ID, cancel)
	defer service.running.Delete(claimed.ID)

	if service.checkpointCancelled(ctx, claimed.ID) {
		service.cleanupPartials(claimed, nil)
		service.failTask(claimed.ID, fault.New(fault.Cancelled, "download was cancelled before it started"))
		return
	}

	plan, err := service.resolveSelection(ctx, claimed)
	if err != nil {
		service.cleanupPartials(claimed, nil)
		service.failTask(claimed.ID, err)
		return
	}

	if service.checkpointCancelled(ctx, claimed.ID) {
		service.cleanupPartials(claimed, plan)
		service.failTask(claimed.ID, fault.New(fault.Cancelled, "download was cancelled before the transfer started"))
		return
	}

	if _, err := service.store.Update(claimed.ID, func(t *task.Task) {
		now := time.Now()
		t.Status = task.Downloading
		t.StartedAt = &now
		t.Message = "Downloading media"
		t.Title = plan.title
		t.SafeTitle = plan.safeTitle
		t.TotalBytes = plan.expectedBytes
	}); err != nil {
		log.Warnf("Could not transition %s to downloading: %v\n", claimed.ID, err)
		return
	}

	outputPath, err := service.executePlan(ctx, claimed, plan)
	if err != nil {
		service.cleanupPartials(claimed, plan)
		service.failTask(claimed.ID, err)
		return
	}

	if _, err := service.store.Update(claimed.ID, func(t *task.Task) {
		now := time.Now()
		t.Status = task.Completed
		t.CompletedAt = &now
		t.Message = "Download completed"
		t.Ext = strings.TrimPrefix(filepath.Ext(outputPath), ".")
		t.Files = append(t.Files, outputPath)
		if t.TotalBytes <= 0 {
			if info, statErr := os.Stat(outputPath); statErr == nil {
				t.TotalBytes = info.Size()
				t.DownloadedBytes = info.Size()
			}
		} else {
			t.DownloadedBytes = t.TotalBytes
		}
	}); err != nil {
		log.Warnf("Could not complete %s: %v\n", claimed.ID, err)
		return
	}

	log.Emit(logger.SUCCESS, "Task %s completed: %s\n", claimed.ID, outputPath)
}

// fetchPlan is the resolved selection a task executes: which selectors to
// fetch and whether a remux is needed afterwards.
type fetchPlan struct {
	title         string
	safeTitle     string
	videoSelector string
	audioSelector string
	expectedBytes int64
}

func (plan *fetchPlan) dualStream() bool {
	return plan.videoSelector != "" && plan.audioSelector != ""
}

// outputExt predicts the extension of the plan's final output file. Dual
// stream plans always remux into an mp4 container; single stream plans
// inherit the selected variant's own container.
func (plan *fetchPlan) outputExt(catalog *format.Catalog) string {
	if plan.dualStream() {
		return "mp4"
	}

	for _, id := range []string{plan.videoSelector, plan.audioSelector} {
		if variant := catalog.Variant(id); variant != nil {
			return variant.Ext
		}
	}

	return "mp4"
}

// resolveSelection turns the task's quality expression or explicit format
// IDs into concrete fetch selectors. Tasks resolved at submission carry
// their selectors already and are never re-resolved; everything else asks
// the resolver for a fresh catalog.
func (service *service) resolveSelection(ctx context.Context, t *task.Task) (*fetchPlan, error) {
	if t.Resolved {
		plan := &fetchPlan{
			title:         t.Title,
			safeTitle:     t.SafeTitle,
			videoSelector: t.VideoFormatID,
			audioSelector: t.AudioFormatID,
			expectedBytes: t.TotalBytes,
		}
		if plan.safeTitle == "" {
			plan.safeTitle = t.ID.String()
		}

		return plan, nil
	}

	catalog, err := service.resolver.Resolve(ctx, t.URL)
	if err != nil {
		return nil, err
	}

	plan := planFromCatalog(catalog, t.Quality, t.VideoFormatID, t.AudioFormatID)
	if plan.safeTitle == "" {
		plan.safeTitle = t.ID.String()
	}

	return plan, nil
}

// planFromCatalog applies the selection policy: explicit format IDs win,
// then the quality expression against the catalog's ladders, and when the
// catalog offers nothing selectable the engine picks via a bounded
// fallback selector.
func planFromCatalog(catalog *format.Catalog, quality string, videoID string, audioID string) *fetchPlan {
	plan := &fetchPlan{
		title:     catalog.Title,
		safeTitle: sanitizeTitle(catalog.Title),
	}

	if videoID == "" && audioID == "" {
		videoID, audioID = catalog.SelectionForQuality(quality)
	}

	plan.videoSelector = videoID
	plan.audioSelector = audioID
	if videoID == "" && audioID == "" {
		plan.videoSelector = "best[height<=1080]/best"
	}

	for _, id := range []string{videoID, audioID} {
		if variant := catalog.Variant(id); variant != nil {
			plan.expectedBytes += variant.ApproxSize
		}
	}

	return plan
}

// executePlan performs the byte transfer(s) for the plan and returns the
// path of the final output file inside the task's staging directory.
func (service *service) executePlan(ctx context.Context, t *task.Task, plan *fetchPlan) (string, error) {
	if !plan.dualStream() {
		selector := plan.videoSelector
		if selector == "" {
			selector = plan.audioSelector
		}

		produced, err := service.fetch(ctx, t, extractor.FetchRequest{
			URL:          t.URL,
			Selector:     selector,
			OutputDir:    t.StagingDir,
			OutputPrefix: plan.safeTitle,
		}, 0)
		if err != nil {
			return "", err
		}

		return produced, nil
	}

	videoPath, err := service.fetch(ctx, t, extractor.FetchRequest{
		URL:          t.URL,
		Selector:     plan.videoSelector,
		OutputDir:    t.StagingDir,
		OutputPrefix: plan.safeTitle + ".video",
	}, 0)
	if err != nil {
		return "", err
	}

	if service.checkpointCancelled(ctx, t.ID) {
		return "", fault.New(fault.Cancelled, "download was cancelled between stream transfers")
	}

	videoBytes := int64(0)
	if info, statErr := os.Stat(videoPath); statErr == nil {
		videoBytes = info.Size()
	}

	audioPath, err := service.fetch(ctx, t, extractor.FetchRequest{
		URL:          t.URL,
		Selector:     plan.audioSelector,
		OutputDir:    t.StagingDir,
		OutputPrefix: plan.safeTitle + ".audio",
	}, videoBytes)
	if err != nil {
		return "", err
	}

	if service.checkpointCancelled(ctx, t.ID) {
		return "", fault.New(fault.Cancelled, "download was cancelled before the remux")
	}

	service.store.Update(t.ID, func(t *task.Task) {
		t.Message = "Combining video and audio streams"
	})

	outputPath := filepath.Join(t.StagingDir, plan.safeTitle+".mp4")
	if err := service.muxer.Remux(ctx, videoPath, audioPath, outputPath); err != nil {
		return "", err
	}

	os.Remove(videoPath)
	os.Remove(audioPath)

	return outputPath, nil
}

// fetch runs one engine transfer, feeding progress into the task record.
// Each transfer seeks admission from the governor individually so that a
// dual stream plan cannot ride two engine calls on one permit. The byte
// offset accounts for streams already transferred by this task.
func (service *service) fetch(ctx context.Context, t *task.Task, request extractor.FetchRequest, byteOffset int64) (string, error) {
	if err := service.governor.Admit(ctx); err != nil {
		return "", err
	}

	produced, err := service.fetcher.Fetch(ctx, request, func(progress extractor.Progress) {
		service.store.Update(t.ID, func(t *task.Task) {
			t.DownloadedBytes = byteOffset + progress.DownloadedBytes
			if t.TotalBytes <= 0 && progress.TotalBytes > 0 {
				t.TotalBytes = byteOffset + progress.TotalBytes
			}
		})
	})
	if err != nil {
		classified := fault.From(err)
		if classified.Kind == fault.UpstreamThrottled {
			service.governor.ReportThrottled(classified.RetryAfter)
		}

		return "", classified
	}

	service.governor.ReportSuccess()
	return produced, nil
}

// checkpointCancelled reports whether the task should stop, either from a
// client cancellation or from context expiry.
func (service *service) checkpointCancelled(ctx context.Context, id uuid.UUID) bool {
	return service.store.IsCancelled(id) || ctx.Err() != nil
}

// failTask transitions a task to Errored, recording the taxonomy kind.
// Cancellation surfaces as its own kind so pollers can distinguish it
// from genuine failures.
func (service *service) failTask(id uuid.UUID, cause error) {
	classified := fault.From(cause)

	if _, err := service.store.Update(id, func(t *task.Task) {
		now := time.Now()
		t.Status = task.Errored
		t.CompletedAt = &now
		t.Message = classified.Message
		t.Failure = &task.Failure{
			Kind:       classified.Kind,
			Message:    classified.Message,
			RetryAfter: classified.RetryAfter,
		}
	}); err != nil {
		log.Warnf("Could not record failure for %s: %v\n", id, err)
		return
	}

	if classified.Kind == fault.Cancelled {
		log.Infof("Task %s was cancelled\n", id)
	} else {
		log.Errorf("Task %s failed (%s): %s\n", id, classified.Kind, classified.Message)
	}
}

// cleanupPartials removes any output the failed task left in its staging
// directory. Direct tasks own their whole staging directory so the entire
// directory is removed; staged tasks only remove files carrying their own
// output prefix. A nil plan means no transfer started yet.
func (service *service) cleanupPartials(t *task.Task, plan *fetchPlan) {
	if t.Direct {
		if t.StagingDir != service.config.DownloadDir {
			os.RemoveAll(t.StagingDir)
		}
		return
	}

	if plan == nil {
		return
	}

	entries, err := os.ReadDir(t.StagingDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), plan.safeTitle) {
			continue
		}
		os.Remove(filepath.Join(t.StagingDir, entry.Name()))
	}
}

// sanitizeTitle strips a media title down to filesystem-safe characters
// and bounds its length.
func sanitizeTitle(title string) string {
	var builder strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			builder.WriteRune(r)
		}
	}

	cleaned := strings.TrimSpace(builder.String())
	if len(cleaned) > 100 {
		cleaned = strings.TrimSpace(cleaned[:100])
	}

	return cleaned
}
