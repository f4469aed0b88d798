package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// LegacyPrefix is the staging directory name some manifests still carry in front
// of every path.
const LegacyPrefix = "tmp_file"

// Downloads are staged in hidden sibling files named PartialPrefix + random +
// PartialSuffix until they are verified.
const (
	PartialPrefix = ".manifest_syncer-"
	PartialSuffix = ".partial"

	// PartialPattern is the os.CreateTemp pattern of a staged download.
	PartialPattern = PartialPrefix + "*" + PartialSuffix
)

var errNotLocal = errors.New("path escapes the sync target")

// NormalizePath turns a server-relative path into a path relative to the sync
// target using the platform separator.
func NormalizePath(raw string) string {
	p := raw

	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		p = p[1:]
	}

	if strings.HasPrefix(p, LegacyPrefix+"/") || strings.HasPrefix(p, LegacyPrefix+`\`) {
		p = p[len(LegacyPrefix)+1:]
	}

	return strings.ReplaceAll(p, "/", string(os.PathSeparator))
}

// ResolvePath returns the absolute destination of a server-relative path under root.
func ResolvePath(root, raw string) (string, error) {
	rel := NormalizePath(raw)
	if !filepath.IsLocal(rel) {
		return "", &IOError{Operation: "resolve_path", Path: raw, Err: errNotLocal}
	}

	return filepath.Join(root, rel), nil
}

// IsPartialName reports whether a base file name belongs to a staged download.
func IsPartialName(name string) bool {
	return len(name) > len(PartialPrefix)+len(PartialSuffix) &&
		strings.HasPrefix(name, PartialPrefix) &&
		strings.HasSuffix(name, PartialSuffix)
}
