package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/events"
	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/router"
)

// Extraction modes.
const (
	ModeAll       = "all"
	ModeSelection = "selection"
)

// Collision policies.
const (
	CollisionRename    = "rename"
	CollisionSkip      = "skip"
	CollisionOverwrite = "overwrite"
)

// ErrJobAccess is returned by GetStatus for jobs that exist but are not
// visible to the caller (another owner, another kind). The API answers 404.
var ErrJobAccess = errors.New("job not accessible")

// ExtractRequest is the payload snapshot persisted with an extraction job.
type ExtractRequest struct {
	ItemID              string   `json:"item_id"`
	DestinationFolderID string   `json:"destination_folder_id"`
	Mode                string   `json:"mode"`
	SelectionPaths      []string `json:"selection_paths,omitempty"`
	CollisionPolicy     string   `json:"collision_policy,omitempty"`
	CreateRootFolder    bool     `json:"create_root_folder,omitempty"`
}

// Validate fills defaults and rejects malformed requests.
func (r *ExtractRequest) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if r.DestinationFolderID == "" {
		return fmt.Errorf("destination_folder_id is required")
	}
	switch r.Mode {
	case "", ModeAll:
		r.Mode = ModeAll
	case ModeSelection:
		if len(r.SelectionPaths) == 0 {
			return fmt.Errorf("selection_paths is required when mode is %q", ModeSelection)
		}
	default:
		return fmt.Errorf("mode must be %q or %q", ModeAll, ModeSelection)
	}
	switch r.CollisionPolicy {
	case "":
		r.CollisionPolicy = CollisionRename
	case CollisionRename, CollisionSkip, CollisionOverwrite:
	default:
		return fmt.Errorf("collision_policy must be rename, skip or overwrite")
	}
	return nil
}

// ZipRequest is the payload snapshot persisted with a zip job.
type ZipRequest struct {
	ItemIDs             []string `json:"item_ids"`
	DestinationFolderID string   `json:"destination_folder_id"`
	ArchiveName         string   `json:"archive_name"`
}

// Validate rejects malformed requests.
func (r *ZipRequest) Validate() error {
	if len(r.ItemIDs) == 0 {
		return fmt.Errorf("item_ids is required")
	}
	if r.DestinationFolderID == "" {
		return fmt.Errorf("destination_folder_id is required")
	}
	return ValidateArchiveName(r.ArchiveName)
}

// ValidateArchiveName enforces the naming rules for created archives.
func ValidateArchiveName(name string) error {
	if name == "" {
		return fmt.Errorf("archive_name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("archive_name is too long")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("archive_name must not contain path separators")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return fmt.Errorf("archive_name must end with .zip")
	}
	return nil
}

// ItemStore is the slice of the item tree the engine needs. *items.Store
// implements it; engine tests substitute an in-memory tree.
type ItemStore interface {
	Get(ctx context.Context, id string) (*items.Item, error)
	Children(ctx context.Context, parentID string) ([]items.Item, error)
	ChildByName(ctx context.Context, parentID, name string) (*items.Item, error)
	CreateFile(ctx context.Context, it *items.Item) (*items.Item, error)
	EnsureFolder(ctx context.Context, parent *items.Item, name string, ownerID int) (*items.Item, error)
	UpdateFileSize(ctx context.Context, id string, size int64) error
}

// LocationResolver resolves storage locations to capability-gated gateways.
// *router.Router implements it.
type LocationResolver interface {
	Resolve(id int) (*router.Location, error)
	ResolveForWrite(id int) (*router.Location, error)
}

// Options configure the engine.
type Options struct {
	Workers int
	Limits  Limits
	// StrictSymlinks fails extraction on symlink entries instead of
	// skipping them.
	StrictSymlinks bool
	// EntryTimeout bounds each entry's stream. Zero means unbounded.
	EntryTimeout time.Duration
	// PurgeInterval controls how often expired job records are swept.
	PurgeInterval time.Duration
}

// Engine runs archive jobs on a bounded worker pool. Each job is claimed by
// exactly one worker and processed end-to-end; cancellation is observed
// between entries, never mid-write.
type Engine struct {
	store     jobs.Store
	items     ItemStore
	locations LocationResolver
	events    *events.Broadcaster
	opts      Options

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine creates an engine. Start launches the pool.
func NewEngine(store jobs.Store, itemStore ItemStore, locations LocationResolver, broadcaster *events.Broadcaster, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}
	return &Engine{
		store:     store,
		items:     itemStore,
		locations: locations,
		events:    broadcaster,
		opts:      opts,
		queue:     make(chan string, 1000),
	}
}

// Start launches the worker pool, re-queues jobs left queued by a previous
// run, and begins the expiry sweep.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
	e.wg.Add(1)
	go e.purgeLoop(ctx)
	e.requeueStale(ctx)
	logging.Info("archive engine started", zap.Int("workers", e.opts.Workers))
}

// Stop signals workers to stop and waits for in-flight jobs to notice the
// cancellation at their next entry boundary.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	close(e.queue)
	e.wg.Wait()
	logging.Info("archive engine stopped")
}

// StartExtraction records a queued extraction job and hands it to the pool.
// The API layer has already answered the safety gate and item lookups; the
// run re-checks both because the world can change while the job waits.
func (e *Engine) StartExtraction(ctx context.Context, ownerID int, req ExtractRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	job := jobs.New(jobs.KindExtract, ownerID, payload)
	if err := e.store.Create(ctx, job); err != nil {
		return "", err
	}
	metrics.RecordJobSubmitted(string(jobs.KindExtract))
	e.dispatch(ctx, job)
	return job.ID, nil
}

// StartZip records a queued zip job and hands it to the pool.
func (e *Engine) StartZip(ctx context.Context, ownerID int, req ZipRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	job := jobs.New(jobs.KindZip, ownerID, payload)
	if err := e.store.Create(ctx, job); err != nil {
		return "", err
	}
	metrics.RecordJobSubmitted(string(jobs.KindZip))
	e.dispatch(ctx, job)
	return job.ID, nil
}

// GetStatus returns the job visible to ownerID under the given kind. A
// missing record is jobs.ErrNotFound (pollers render state "unknown"); an
// existing record of another owner or kind is ErrJobAccess.
func (e *Engine) GetStatus(ctx context.Context, jobID string, ownerID int, kind jobs.Kind) (*jobs.Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID || job.Kind != kind {
		return nil, ErrJobAccess
	}
	return job, nil
}

// dispatch hands a queued job to the pool. A full queue fails the record
// rather than leaving it queued forever with no worker coming.
func (e *Engine) dispatch(ctx context.Context, job *jobs.Job) {
	select {
	case e.queue <- job.ID:
	default:
		logging.Warn("job queue full, failing submission", zap.String("job_id", job.ID))
		e.update(ctx, job.ID, func(j *jobs.Job) {
			j.Fail(jobs.JobError{Detail: "server is overloaded, try again later", Retryable: true})
		})
	}
}

// requeueStale re-enqueues records left queued by a previous process.
func (e *Engine) requeueStale(ctx context.Context) {
	stale, err := e.store.ListQueued(ctx, cap(e.queue))
	if err != nil {
		logging.Warn("queued job re-scan failed", zap.Error(err))
		return
	}
	for _, j := range stale {
		select {
		case e.queue <- j.ID:
		default:
			return
		}
	}
	if len(stale) > 0 {
		logging.Info("re-queued jobs from previous run", zap.Int("count", len(stale)))
	}
}

func (e *Engine) purgeLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.PurgeExpired(ctx)
			if err != nil {
				logging.Warn("job purge failed", zap.Error(err))
			} else if n > 0 {
				logging.Info("purged expired job records", zap.Int("count", n))
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context, name string) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-e.queue:
			if !ok {
				return
			}
			e.run(ctx, id, name)
		}
	}
}

// run claims and executes one job end-to-end.
func (e *Engine) run(ctx context.Context, id, worker string) {
	job, claimed, err := e.store.Claim(ctx, id, worker)
	if err != nil {
		logging.Warn("job claim failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if !claimed {
		return // another worker has it, or it is no longer queued
	}

	metrics.JobStarted()
	defer metrics.JobFinished()
	e.publish(job)
	logging.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("worker", worker))
	start := time.Now()

	var runErr error
	switch job.Kind {
	case jobs.KindExtract:
		runErr = e.runExtract(ctx, job)
	case jobs.KindZip:
		runErr = e.runZip(ctx, job)
	default:
		runErr = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	e.finish(job, runErr, time.Since(start))
}

// finish writes the terminal state. It uses a fresh context so a canceled
// job still gets its record updated.
func (e *Engine) finish(job *jobs.Job, runErr error, took time.Duration) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	status := "done"
	if runErr != nil {
		status = "failed"
		logging.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Duration("took", took),
			zap.Error(runErr))
	} else {
		logging.Info("job done",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Duration("took", took))
	}

	e.update(ctx, job.ID, func(j *jobs.Job) {
		if runErr != nil {
			j.Fail(toJobError(runErr))
		} else {
			j.Complete()
		}
	})
	metrics.RecordJobCompleted(string(job.Kind), status, took)
}

// update applies fn to the record and broadcasts the new snapshot.
func (e *Engine) update(ctx context.Context, id string, fn func(*jobs.Job)) *jobs.Job {
	j, err := e.store.Update(ctx, id, fn)
	if err != nil {
		logging.Warn("job record update failed", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	e.publish(j)
	return j
}

func (e *Engine) publish(j *jobs.Job) {
	if e.events != nil {
		e.events.Publish(events.FromJob(j))
	}
}

// userError carries a failure message safe to show in job status.
type userError struct {
	msg       string
	retryable bool
}

func (u userError) Error() string { return u.msg }

func failf(format string, args ...any) error {
	return userError{msg: fmt.Sprintf(format, args...)}
}

func retryf(format string, args ...any) error {
	return userError{msg: fmt.Sprintf(format, args...), retryable: true}
}

// toJobError maps an engine failure onto the user-safe detail shape. Raw
// driver errors never reach the caller; they are logged by finish.
func toJobError(err error) jobs.JobError {
	var se *storage.Error
	if errors.As(err, &se) {
		return jobs.JobError{Code: se.Code, Detail: se.Message, Retryable: storage.IsRetryable(se)}
	}
	var ue userError
	if errors.As(err, &ue) {
		return jobs.JobError{Detail: ue.msg, Retryable: ue.retryable}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return jobs.JobError{Detail: "job canceled before completion", Retryable: true}
	}
	return jobs.JobError{Detail: "internal error"}
}

// entryContext bounds one entry's stream when a timeout is configured.
func (e *Engine) entryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.EntryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.EntryTimeout)
}
