// Package capability maps a storage backend instance plus its mount-level
// configuration flags to a normalized capability set. The resolver is the
// only place allowed to know what a backend type can do; every other
// component consults the resolved set and nothing else.
package capability

import (
	"encoding/json"
)

// Descriptor identifies a backend instance for capability resolution.
// Confined is true when the backend cannot follow a symlink or path outside
// its root (object stores trivially, mounts via the no-follow root handle).
type Descriptor struct {
	Type     string
	Confined bool
}

// Key names a single capability. Absence from a set means unsupported,
// never unknown-but-assume-yes.
type Key string

// Operational capabilities.
const (
	RangeRead      Key = "io.range_read"
	ListDir        Key = "io.listdir"
	StreamingWrite Key = "io.streaming_write"
	AtomicRename   Key = "fs.atomic_rename"
	SafeForExtract Key = "security.safe_for_archive_extract"
)

// Mount-level feature flags surfaced to clients as abilities.
const (
	Upload    Key = "ux.upload"
	Preview   Key = "ux.preview"
	Wopi      Key = "ux.wopi"
	ShareLink Key = "ux.share_link"
)

// Set is an immutable capability mapping. The zero value is the all-false
// set; callers treat a missing key as a disabled feature, not an error.
type Set map[Key]bool

// Has reports whether the capability is present and true.
func (s Set) Has(k Key) bool { return s[k] }

// Abilities returns the client-facing feature map (ux.* keys, short names).
func (s Set) Abilities() map[string]bool {
	return map[string]bool{
		"upload":     s.Has(Upload),
		"preview":    s.Has(Preview),
		"wopi":       s.Has(Wopi),
		"share_link": s.Has(ShareLink),
	}
}

// clone returns a copy so cached sets stay immutable.
func (s Set) clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ConfigFlags are the per-location feature toggles from the location's
// flags JSON. They can only withhold features, never grant one the backend
// cannot provide.
type ConfigFlags struct {
	Upload    bool
	Preview   bool
	Wopi      bool
	ShareLink bool
}

// DefaultFlags mirror the defaults applied when a location has no flags
// configured: everything on except share links.
func DefaultFlags() ConfigFlags {
	return ConfigFlags{Upload: true, Preview: true, Wopi: true, ShareLink: false}
}

// ParseConfigFlags decodes the flags JSON. Missing keys and values of the
// wrong type fall back to their defaults.
func ParseConfigFlags(raw json.RawMessage) ConfigFlags {
	flags := DefaultFlags()
	if len(raw) == 0 {
		return flags
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return flags
	}
	flags.Upload = boolOr(m["upload"], flags.Upload)
	flags.Preview = boolOr(m["preview"], flags.Preview)
	flags.Wopi = boolOr(m["wopi"], flags.Wopi)
	flags.ShareLink = boolOr(m["share_link"], flags.ShareLink)
	return flags
}

func boolOr(raw json.RawMessage, fallback bool) bool {
	if len(raw) == 0 {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return fallback
	}
	return b
}
