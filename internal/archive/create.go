package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/router"
)

// zipEntry is one file to be written into a created archive.
type zipEntry struct {
	item       *items.Item
	components []string
}

func (e *Engine) runZip(ctx context.Context, job *jobs.Job) error {
	var req ZipRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return failf("invalid job payload")
	}
	if err := req.Validate(); err != nil {
		return failf("%s", err)
	}

	destFolder, err := e.items.Get(ctx, req.DestinationFolderID)
	if err != nil {
		logging.Warn("destination lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return retryf("item lookup failed")
	}
	if destFolder == nil || !destFolder.IsDir {
		return failf("destination folder not found")
	}
	destLoc, err := e.locations.ResolveForWrite(destFolder.LocationID)
	if err != nil {
		if errors.Is(err, router.ErrReadOnlyStorage) {
			return failf("destination storage is read-only")
		}
		return retryf("destination storage unavailable")
	}

	var (
		planned    []zipEntry
		totalFiles int64
		totalBytes int64
	)
	for _, id := range req.ItemIDs {
		it, err := e.items.Get(ctx, id)
		if err != nil {
			logging.Warn("item lookup failed", zap.String("job_id", job.ID), zap.Error(err))
			return retryf("item lookup failed")
		}
		if it == nil {
			return failf("a requested item no longer exists")
		}
		if err := e.collectZipEntries(ctx, it, nil, &planned, &totalFiles, &totalBytes); err != nil {
			return err
		}
	}

	if free, ferr := destLoc.Gateway.FreeSpace(); ferr == nil && free >= 0 && free < totalBytes {
		return retryf("not enough free space on the destination storage")
	}

	e.update(ctx, job.ID, func(j *jobs.Job) {
		j.MergeProgress(jobs.Progress{Total: totalFiles, BytesTotal: totalBytes})
	})

	name, err := e.zipFileName(ctx, destLoc.Gateway, destFolder, req.ArchiveName)
	if err != nil {
		return err
	}
	key := items.JoinKey(destFolder.Key, name)

	sink, err := destLoc.Gateway.OpenWrite(ctx, key)
	if err != nil {
		return err
	}
	zw := newZipWriter(sink)
	names := newEntryNames()

	var done jobs.Progress
	for _, ze := range planned {
		// Cancellation is observed between entries, never mid-write.
		if err := ctx.Err(); err != nil {
			sink.Abort()
			return err
		}
		n, err := e.writeZipEntry(ctx, zw, names, ze)
		if err != nil {
			sink.Abort()
			return err
		}
		done.FilesDone++
		done.BytesDone += n
		if done.BytesDone > e.opts.Limits.MaxTotalSize {
			sink.Abort()
			return failf("archive content exceeds the %d byte limit", e.opts.Limits.MaxTotalSize)
		}
		metrics.RecordArchiveEntry(n)
		e.update(ctx, job.ID, func(j *jobs.Job) {
			j.MergeProgress(jobs.Progress{FilesDone: done.FilesDone, BytesDone: done.BytesDone})
		})
	}

	if err := zw.Close(); err != nil {
		sink.Abort()
		return storage.Unavailable(err)
	}
	if err := sink.Close(); err != nil {
		return err
	}

	result, err := e.items.CreateFile(ctx, &items.Item{
		ParentID:   &destFolder.ID,
		LocationID: destFolder.LocationID,
		Name:       name,
		Key:        key,
		Size:       sink.BytesWritten(),
		MimeType:   "application/zip",
		OwnerID:    job.OwnerID,
	})
	if err != nil {
		logging.Warn("result item create failed", zap.String("key", key), zap.Error(err))
		// The bytes are committed but invisible without a row. Remove the
		// object rather than leave it orphaned.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := destLoc.Gateway.Delete(cleanupCtx, key); derr != nil {
			logging.Warn("orphaned archive cleanup failed", zap.String("key", key), zap.Error(derr))
		}
		return retryf("could not record the created archive")
	}

	e.update(ctx, job.ID, func(j *jobs.Job) {
		j.ResultItemID = result.ID
	})
	return nil
}

// collectZipEntries flattens the item (a file, or a folder walked
// recursively) into the planned entry list, enforcing the count and byte
// limits as it goes.
func (e *Engine) collectZipEntries(ctx context.Context, it *items.Item, prefix []string, out *[]zipEntry, files, bytes *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !it.IsDir {
		comps := append(append([]string(nil), prefix...), it.Name)
		*out = append(*out, zipEntry{item: it, components: comps})
		*files++
		*bytes += it.Size
		if *files > int64(e.opts.Limits.MaxFiles) {
			return failf("more than %d files selected", e.opts.Limits.MaxFiles)
		}
		if *bytes > e.opts.Limits.MaxTotalSize {
			return failf("selected content exceeds the %d byte limit", e.opts.Limits.MaxTotalSize)
		}
		return nil
	}

	children, err := e.items.Children(ctx, it.ID)
	if err != nil {
		logging.Warn("children listing failed", zap.String("item_id", it.ID), zap.Error(err))
		return retryf("item listing failed")
	}
	prefix = append(append([]string(nil), prefix...), it.Name)
	for i := range children {
		if err := e.collectZipEntries(ctx, &children[i], prefix, out, files, bytes); err != nil {
			return err
		}
	}
	return nil
}

// writeZipEntry streams one item into the archive.
func (e *Engine) writeZipEntry(ctx context.Context, zw *zip.Writer, names *entryNames, ze zipEntry) (int64, error) {
	srcLoc, err := e.locations.Resolve(ze.item.LocationID)
	if err != nil {
		return 0, retryf("source storage unavailable")
	}

	entryCtx, cancel := e.entryContext(ctx)
	defer cancel()

	rc, err := srcLoc.Gateway.OpenRead(entryCtx, ze.item.Key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	hdr := &zip.FileHeader{
		Name:     names.Allocate(ze.components...),
		Method:   compressionMethod(ze.item.Name),
		Modified: ze.item.UpdatedAt,
	}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, storage.Unavailable(err)
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		return 0, storage.Unavailable(err)
	}
	return n, nil
}

// zipFileName picks a free name for the created archive in the destination
// folder, suffixing _01, _02, … before the extension when taken.
func (e *Engine) zipFileName(ctx context.Context, gw *storage.Gateway, parent *items.Item, desired string) (string, error) {
	used, err := e.nameTaken(ctx, gw, parent, desired)
	if err != nil {
		return "", err
	}
	if !used {
		return desired, nil
	}
	base, ext := splitExt(desired)
	for n := 1; n <= 99; n++ {
		candidate := fmt.Sprintf("%s_%02d%s", base, n, ext)
		used, err := e.nameTaken(ctx, gw, parent, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", failf("no free name available for %q", desired)
}
