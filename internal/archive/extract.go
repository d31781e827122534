package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/pathsafe"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/router"
)

// errWalkDone stops a walk early once every planned entry is handled.
var errWalkDone = errors.New("walk complete")

// errSkipEntry aborts one entry under the skip policy without failing the job.
var errSkipEntry = errors.New("entry skipped")

func (e *Engine) runExtract(ctx context.Context, job *jobs.Job) error {
	var req ExtractRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return failf("invalid job payload")
	}
	if err := req.Validate(); err != nil {
		return failf("%s", err)
	}

	source, err := e.items.Get(ctx, req.ItemID)
	if err != nil {
		logging.Warn("source item lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return retryf("item lookup failed")
	}
	if source == nil || source.IsDir {
		return failf("source archive not found")
	}

	destFolder, err := e.items.Get(ctx, req.DestinationFolderID)
	if err != nil {
		logging.Warn("destination lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return retryf("item lookup failed")
	}
	if destFolder == nil || !destFolder.IsDir {
		return failf("destination folder not found")
	}

	format := DetectFormat(source.Name)
	if format == FormatUnknown {
		return storage.Unreadable("unsupported archive format", nil)
	}

	srcLoc, err := e.locations.Resolve(source.LocationID)
	if err != nil {
		return retryf("source storage unavailable")
	}
	destLoc, err := e.locations.ResolveForWrite(destFolder.LocationID)
	if err != nil {
		if errors.Is(err, router.ErrReadOnlyStorage) {
			return failf("destination storage is read-only")
		}
		return retryf("destination storage unavailable")
	}
	caps := destLoc.Gateway.Capabilities()

	// The gate was answered at submission, but locations can be reloaded
	// with different flags while the job waits. Fail closed on the state
	// of the world now, before the first write.
	guard := pathsafe.NewGuard(destFolder.Key, caps)
	if err := guard.CheckGate(); err != nil {
		metrics.RecordSafetyRefusal(storage.CodeOf(err))
		return err
	}

	destParent := destFolder
	if req.CreateRootFolder {
		title := RootFolderTitle(source.Name)
		name, err := e.freeName(ctx, destLoc.Gateway, destFolder, title)
		if err != nil {
			return err
		}
		if err := destLoc.Gateway.Mkdir(ctx, items.JoinKey(destFolder.Key, name)); err != nil {
			return err
		}
		destParent, err = e.items.EnsureFolder(ctx, destFolder, name, job.OwnerID)
		if err != nil {
			logging.Warn("root folder create failed", zap.String("job_id", job.ID), zap.Error(err))
			return retryf("could not create the destination folder")
		}
		guard = pathsafe.NewGuard(destParent.Key, caps)
	}

	src, err := OpenSource(ctx, srcLoc.Gateway, source.Key, source.Size, format, e.opts.Limits.MaxArchiveSize)
	if err != nil {
		return err
	}
	defer src.Close()

	plan, err := e.buildPlan(ctx, src, guard, &req)
	if err != nil {
		if storage.CodeOf(err) == storage.CodePathEscape {
			metrics.RecordSafetyRefusal(storage.CodePathEscape)
		}
		return err
	}

	if free, ferr := destLoc.Gateway.FreeSpace(); ferr == nil && free >= 0 && free < plan.bytes {
		return retryf("not enough free space on the destination storage")
	}

	e.update(ctx, job.ID, func(j *jobs.Job) {
		j.SkippedSymlinks = plan.skippedSymlinks
		j.MergeProgress(jobs.Progress{Total: plan.files, BytesTotal: plan.bytes})
	})

	x := &extractor{
		engine:   e,
		job:      job,
		gw:       destLoc.Gateway,
		policy:   req.CollisionPolicy,
		owner:    job.OwnerID,
		location: destParent.LocationID,
		folders:  map[string]*items.Item{"": destParent},
	}

	planIdx := 0
	index := -1
	err = src.Walk(ctx, func(entry *Entry, open func() (io.ReadCloser, error)) error {
		index++
		if planIdx >= len(plan.selected) {
			return errWalkDone
		}
		pe := plan.selected[planIdx]
		if pe.index != index {
			return nil // unselected, or a skipped symlink
		}
		planIdx++
		if err := x.entry(ctx, pe, open); err != nil {
			return err
		}
		if planIdx == len(plan.selected) {
			return errWalkDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errWalkDone) {
		return err
	}
	return nil
}

// extractPlan is the validated work list produced by the first walk.
type extractPlan struct {
	selected        []planEntry
	files           int64
	bytes           int64
	skippedSymlinks int64
}

// planEntry pins a validated path to its position in the walk order.
type planEntry struct {
	index int
	norm  *pathsafe.Normalized
	size  int64
	isDir bool
}

// buildPlan walks the archive once, validating every entry path against the
// guard and the limits. Hostile names fail the whole job whether or not the
// entry is selected.
func (e *Engine) buildPlan(ctx context.Context, src Source, guard *pathsafe.Guard, req *ExtractRequest) (*extractPlan, error) {
	sel, err := newSelection(req.Mode, req.SelectionPaths)
	if err != nil {
		return nil, err
	}

	plan := &extractPlan{}
	limits := e.opts.Limits
	index := -1
	err = src.Walk(ctx, func(entry *Entry, _ func() (io.ReadCloser, error)) error {
		index++
		if entry.IsSymlink {
			if e.opts.StrictSymlinks {
				return failf("symlink entries are not allowed")
			}
			plan.skippedSymlinks++
			return nil
		}

		norm, _, err := guard.Resolve(entry.Path)
		if err != nil {
			return err
		}
		if len(norm.Path) > limits.MaxPathLength {
			return storage.Unreadable(
				fmt.Sprintf("entry path longer than %d characters", limits.MaxPathLength), nil)
		}
		if norm.Depth > limits.MaxDepth {
			return storage.Unreadable(
				fmt.Sprintf("entry nested deeper than %d levels", limits.MaxDepth), nil)
		}

		if !sel.matches(norm.Path) {
			return nil
		}

		if entry.IsDir {
			plan.selected = append(plan.selected, planEntry{index: index, norm: norm, isDir: true})
			return nil
		}

		if entry.Size > limits.MaxFileSize {
			return storage.Unreadable(
				fmt.Sprintf("an entry is larger than the %d byte limit", limits.MaxFileSize), nil)
		}
		if entry.Compressed > 0 && entry.Size/entry.Compressed > limits.MaxCompressionRatio {
			return storage.Unreadable("entry compression ratio is implausibly high", nil)
		}

		plan.files++
		plan.bytes += entry.Size
		if plan.files > int64(limits.MaxFiles) {
			return storage.Unreadable(
				fmt.Sprintf("archive has more than %d files", limits.MaxFiles), nil)
		}
		if plan.bytes > limits.MaxTotalSize {
			return storage.Unreadable(
				fmt.Sprintf("archive content exceeds the %d byte limit", limits.MaxTotalSize), nil)
		}

		plan.selected = append(plan.selected, planEntry{index: index, norm: norm, size: entry.Size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// selection filters entries in selection mode. Paths ending in "/" select
// whole subtrees; others match exactly.
type selection struct {
	all      bool
	exact    map[string]bool
	prefixes []string
}

func newSelection(mode string, paths []string) (*selection, error) {
	if mode != ModeSelection {
		return &selection{all: true}, nil
	}
	s := &selection{exact: make(map[string]bool)}
	for _, raw := range paths {
		subtree := strings.HasSuffix(raw, "/") || strings.HasSuffix(raw, "\\")
		n, err := pathsafe.Normalize(raw)
		if err != nil {
			return nil, err
		}
		if subtree {
			s.prefixes = append(s.prefixes, n.Path+"/")
		} else {
			s.exact[n.Path] = true
		}
	}
	return s, nil
}

func (s *selection) matches(normPath string) bool {
	if s.all || s.exact[normPath] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(normPath+"/", p) {
			return true
		}
	}
	return false
}

// extractor holds the per-job state of the extraction pass.
type extractor struct {
	engine   *Engine
	job      *jobs.Job
	gw       *storage.Gateway
	policy   string
	owner    int
	location int
	// folders caches resolved folder items by planned directory path, so
	// the chain is looked up once per directory, not once per entry.
	folders map[string]*items.Item
	done    jobs.Progress
}

// progress advances the running counters and persists them.
func (x *extractor) progress(ctx context.Context, files, bytes int64) {
	x.done.FilesDone += files
	x.done.BytesDone += bytes
	x.engine.update(ctx, x.job.ID, func(j *jobs.Job) {
		j.MergeProgress(jobs.Progress{FilesDone: x.done.FilesDone, BytesDone: x.done.BytesDone})
	})
}

// entry processes one planned entry: directory creation or file stream.
func (x *extractor) entry(ctx context.Context, pe planEntry, open func() (io.ReadCloser, error)) error {
	if pe.isDir {
		_, err := x.ensureDir(ctx, pe.norm.Parts)
		if errors.Is(err, errSkipEntry) {
			return nil
		}
		return err
	}

	parent, err := x.ensureDir(ctx, pe.norm.Dir)
	if errors.Is(err, errSkipEntry) {
		// A file blocks the folder chain; skip policy skips the entry
		// but still advances progress.
		x.progress(ctx, 1, pe.size)
		return nil
	}
	if err != nil {
		return err
	}

	name := pe.norm.Name
	child, foreignDir, foreignFile, err := x.lookup(ctx, parent, name)
	if err != nil {
		return err
	}

	var target *items.Item
	if child != nil || foreignDir || foreignFile {
		isDirCollision := (child != nil && child.IsDir) || foreignDir
		switch x.policy {
		case CollisionSkip:
			x.progress(ctx, 1, pe.size)
			return nil
		case CollisionOverwrite:
			if isDirCollision {
				return failf("cannot overwrite folder %q with a file", name)
			}
			target = child // nil for a foreign file; the write registers it
		default: // rename
			name, err = x.engine.freeName(ctx, x.gw, parent, name)
			if err != nil {
				return err
			}
		}
	}

	key := items.JoinKey(parent.Key, name)
	written, err := x.write(ctx, key, open)
	if err != nil {
		return err
	}

	if target != nil {
		if err := x.engine.items.UpdateFileSize(ctx, target.ID, written); err != nil {
			logging.Warn("item size update failed", zap.String("item_id", target.ID), zap.Error(err))
		}
	} else {
		if _, err := x.engine.items.CreateFile(ctx, &items.Item{
			ParentID:   &parent.ID,
			LocationID: x.location,
			Name:       name,
			Key:        key,
			Size:       written,
			OwnerID:    x.owner,
		}); err != nil {
			logging.Warn("item row create failed", zap.String("key", key), zap.Error(err))
			return retryf("could not record the extracted file")
		}
	}

	metrics.RecordArchiveEntry(written)
	x.progress(ctx, 1, written)
	return nil
}

// lookup classifies what currently occupies the name under parent: a tree
// item, or something on the backend the tree does not know about (a file
// written to a shared mount by another tool).
func (x *extractor) lookup(ctx context.Context, parent *items.Item, name string) (child *items.Item, foreignDir, foreignFile bool, err error) {
	child, err = x.engine.items.ChildByName(ctx, parent.ID, name)
	if err != nil {
		logging.Warn("item lookup failed", zap.Error(err))
		return nil, false, false, retryf("item lookup failed")
	}
	if child != nil {
		return child, false, false, nil
	}
	info, err := x.gw.Stat(ctx, items.JoinKey(parent.Key, name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, false, nil
		}
		return nil, false, false, err
	}
	if info.IsDir {
		return nil, true, false, nil
	}
	return nil, false, true, nil
}

// ensureDir resolves the folder chain for the given segments, creating
// missing folders, with results cached for the job. A file blocking the
// chain follows the collision policy: rename creates a renamed folder, skip
// skips the entry, overwrite fails the job.
func (x *extractor) ensureDir(ctx context.Context, segs []string) (*items.Item, error) {
	if len(segs) == 0 {
		return x.folders[""], nil
	}
	cacheKey := strings.Join(segs, "/")
	if f, ok := x.folders[cacheKey]; ok {
		return f, nil
	}

	parent, err := x.ensureDir(ctx, segs[:len(segs)-1])
	if err != nil {
		return nil, err
	}

	name := segs[len(segs)-1]
	child, _, foreignFile, err := x.lookup(ctx, parent, name)
	if err != nil {
		return nil, err
	}

	if child != nil && child.IsDir {
		x.folders[cacheKey] = child
		return child, nil
	}

	// A foreign directory is adopted: the folder row is created over it
	// and the Mkdir below is a no-op.
	if (child != nil && !child.IsDir) || foreignFile {
		switch x.policy {
		case CollisionSkip:
			return nil, errSkipEntry
		case CollisionOverwrite:
			return nil, failf("cannot overwrite file %q with a folder", name)
		default: // rename
			name, err = x.engine.freeName(ctx, x.gw, parent, name)
			if err != nil {
				return nil, err
			}
		}
	}

	folder, err := x.createFolder(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	x.folders[cacheKey] = folder
	return folder, nil
}

func (x *extractor) createFolder(ctx context.Context, parent *items.Item, name string) (*items.Item, error) {
	if err := x.gw.Mkdir(ctx, items.JoinKey(parent.Key, name)); err != nil {
		return nil, err
	}
	folder, err := x.engine.items.EnsureFolder(ctx, parent, name, x.owner)
	if err != nil {
		logging.Warn("folder row create failed", zap.String("name", name), zap.Error(err))
		return nil, retryf("could not create a destination folder")
	}
	return folder, nil
}

// write streams one entry to the destination key. Byte ceilings are enforced
// on actual bytes, so a header that lied at plan time still cannot push past
// the limits.
func (x *extractor) write(ctx context.Context, key string, open func() (io.ReadCloser, error)) (int64, error) {
	entryCtx, cancel := x.engine.entryContext(ctx)
	defer cancel()

	rc, err := open()
	if err != nil {
		return 0, storage.Unreadable("archive entry could not be read", err)
	}
	defer rc.Close()

	sink, err := x.gw.OpenWrite(entryCtx, key)
	if err != nil {
		return 0, err
	}

	limits := x.engine.opts.Limits
	budget := limits.MaxFileSize
	if remaining := limits.MaxTotalSize - x.done.BytesDone; remaining < budget {
		budget = remaining
	}

	written, err := io.Copy(sink, io.LimitReader(rc, budget+1))
	if err == nil && written > budget {
		err = storage.Unreadable("archive content exceeds the configured limits", nil)
	}
	if err != nil {
		sink.Abort()
		return 0, err
	}
	if err := sink.Close(); err != nil {
		return 0, err
	}
	return written, nil
}

// freeName returns name when nothing occupies it under parent, else the
// first free "base (N)" variant. Both the item tree and the backend are
// consulted so files living outside the tree are never clobbered.
func (e *Engine) freeName(ctx context.Context, gw *storage.Gateway, parent *items.Item, name string) (string, error) {
	used, err := e.nameTaken(ctx, gw, parent, name)
	if err != nil {
		return "", err
	}
	if !used {
		return name, nil
	}
	base, ext := splitExt(name)
	for n := 1; n <= 1000; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		used, err := e.nameTaken(ctx, gw, parent, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", failf("no free name available for %q", name)
}

// nameTaken reports whether anything occupies the name under parent, either
// an item row or an object already present on the backend.
func (e *Engine) nameTaken(ctx context.Context, gw *storage.Gateway, parent *items.Item, name string) (bool, error) {
	child, err := e.items.ChildByName(ctx, parent.ID, name)
	if err != nil {
		logging.Warn("item lookup failed", zap.Error(err))
		return false, retryf("item lookup failed")
	}
	if child != nil {
		return true, nil
	}
	return gw.Exists(ctx, items.JoinKey(parent.Key, name))
}
