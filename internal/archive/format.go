// Package archive implements the archive job engine: extraction of uploaded
// archives into storage and zip creation from stored items. All storage access
// goes through the capability-enforcing gateway; entry paths go through the
// path safety guard.
package archive

import "strings"

// Format identifies a supported archive container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatTarXz
)

// String returns the format name for logs.
func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarBz2:
		return "tar.bz2"
	case FormatTarXz:
		return "tar.xz"
	default:
		return "unknown"
	}
}

// tarSuffixes maps filename suffixes to tar variants. Longest match wins, so
// ".tar.gz" is checked before ".gz" would ever be considered.
var tarSuffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tbz", FormatTarBz2},
	{".tar.xz", FormatTarXz},
	{".txz", FormatTarXz},
	{".tar", FormatTar},
}

// DetectFormat determines the archive format from a filename,
// case-insensitively.
func DetectFormat(filename string) Format {
	name := strings.ToLower(filename)
	if strings.HasSuffix(name, ".zip") {
		return FormatZip
	}
	for _, s := range tarSuffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.format
		}
	}
	return FormatUnknown
}

// SupportedArchive reports whether the filename looks like an archive this
// engine can extract.
func SupportedArchive(filename string) bool {
	return DetectFormat(filename) != FormatUnknown
}

// RootFolderTitle derives the folder name used when extraction targets a new
// root folder: the archive filename without its extension, with separator
// characters flattened. Never empty, never longer than 240 characters.
func RootFolderTitle(filename string) string {
	name := filename
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		name = name[:len(name)-4]
	} else if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "archive"
	}
	if len(name) > 240 {
		name = name[:240]
	}
	return name
}
