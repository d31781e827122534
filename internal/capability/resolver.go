package capability

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/logging"
)

// Resolver computes capability sets from a backend descriptor and the
// location's config flags. The global mount hardening flag is injected once
// at construction and never re-read.
type Resolver struct {
	mountExtractSafe bool

	mu    sync.RWMutex
	cache map[string]Set
}

// NewResolver creates a Resolver. mountExtractSafe is the deployment-level
// assertion that filesystem mounts are hardened against symlink escape
// (MOUNTS_SAFE_FOR_ARCHIVE_EXTRACT).
func NewResolver(mountExtractSafe bool) *Resolver {
	return &Resolver{
		mountExtractSafe: mountExtractSafe,
		cache:            make(map[string]Set),
	}
}

// Resolve merges backend-intrinsic support with the location's config flags.
// Config flags never grant what the backend cannot provide: where both
// dimensions apply the result is the logical AND. Resolution of an unknown
// backend type yields the all-false set, never an error.
func (r *Resolver) Resolve(desc Descriptor, flags ConfigFlags) Set {
	key := cacheKey(desc, flags)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached.clone()
	}

	set := r.resolve(desc, flags)

	r.mu.Lock()
	r.cache[key] = set
	r.mu.Unlock()

	return set.clone()
}

// Invalidate drops all cached sets. Called when storage locations reload.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]Set)
	r.mu.Unlock()
}

func (r *Resolver) resolve(desc Descriptor, flags ConfigFlags) Set {
	intrinsic, ok := r.intrinsics(desc)
	if !ok {
		logging.Warn("capability resolution failed, all capabilities disabled",
			zap.String("backend_type", desc.Type))
		return Set{}
	}

	set := make(Set, len(intrinsic)+4)
	for k, v := range intrinsic {
		set[k] = v
	}

	// Feature flags AND intrinsic support where the backend has a say;
	// share links are a pure UX toggle with no backend dimension.
	set[Upload] = flags.Upload && intrinsic[StreamingWrite]
	set[Preview] = flags.Preview && intrinsic[RangeRead]
	set[Wopi] = flags.Wopi && intrinsic[StreamingWrite]
	set[ShareLink] = flags.ShareLink

	return set
}

// intrinsics is the per-backend-type support table. Adding a backend type
// means adding a row here; nothing else in the codebase may branch on type.
func (r *Resolver) intrinsics(desc Descriptor) (Set, bool) {
	switch desc.Type {
	case "s3":
		// Bucket+key writes cannot leave the bucket, so extraction is
		// structurally safe regardless of the mount hardening flag.
		return Set{
			RangeRead:      true,
			ListDir:        true,
			StreamingWrite: true,
			AtomicRename:   false,
			SafeForExtract: true,
		}, true
	case "mount":
		return Set{
			RangeRead:      true,
			ListDir:        true,
			StreamingWrite: true,
			AtomicRename:   true,
			SafeForExtract: r.mountExtractSafe && desc.Confined,
		}, true
	case "memory":
		return Set{
			RangeRead:      true,
			ListDir:        true,
			StreamingWrite: true,
			AtomicRename:   true,
			SafeForExtract: true,
		}, true
	default:
		return nil, false
	}
}

func cacheKey(desc Descriptor, flags ConfigFlags) string {
	return fmt.Sprintf("%s|%t|%t%t%t%t", desc.Type, desc.Confined,
		flags.Upload, flags.Preview, flags.Wopi, flags.ShareLink)
}
