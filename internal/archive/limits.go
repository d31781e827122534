package archive

// Limits bound what a single extraction or zip job may process. They are
// checked while planning and re-checked while streaming, so a header that
// understates an entry's size cannot smuggle bytes past the ceilings.
type Limits struct {
	MaxFiles            int
	MaxTotalSize        int64
	MaxFileSize         int64
	MaxPathLength       int
	MaxDepth            int
	MaxCompressionRatio int64
	// MaxArchiveSize is the hard ceiling for spooling a whole archive
	// when range reads are unavailable. Never a soft default.
	MaxArchiveSize int64
}

// DefaultLimits returns the stock limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:            10_000,
		MaxTotalSize:        5 << 30,
		MaxFileSize:         1 << 30,
		MaxPathLength:       512,
		MaxDepth:            32,
		MaxCompressionRatio: 1000,
		MaxArchiveSize:      2 << 30,
	}
}
