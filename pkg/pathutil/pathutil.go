// Package pathutil canonicalizes the virtual paths FileGate operates on and
// computes mount subpaths. All public operations take and return virtual
// paths in canonical form: absolute, forward slashes only, no duplicate
// slashes, no dot-dot segments.
package pathutil

import (
	"strings"

	"github.com/filegate/filegate/pkg/fgerr"
)

// MaxPathLength bounds accepted virtual paths.
const MaxPathLength = 2048

// Canonicalize normalizes a virtual path: backslashes become forward
// slashes, runs of slashes collapse, a leading slash is enforced, and a
// trailing slash is dropped (except for the root). It rejects embedded NUL
// bytes, any ".." segment, and paths longer than MaxPathLength bytes.
// Canonicalize is idempotent.
func Canonicalize(path string) (string, error) {
	if len(path) > MaxPathLength {
		return "", fgerr.Newf(fgerr.KindValidation, "path exceeds %d bytes", MaxPathLength)
	}
	if strings.ContainsRune(path, 0) {
		return "", fgerr.New(fgerr.KindValidation, "path contains NUL byte")
	}

	path = strings.ReplaceAll(path, "\\", "/")

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fgerr.New(fgerr.KindValidation, "path contains parent-directory segment")
		default:
			segments = append(segments, seg)
		}
	}

	if len(segments) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(segments, "/"), nil
}

// IsRoot reports whether the canonical path is the virtual root.
func IsRoot(path string) bool { return path == "/" }

// Subpath returns the part of path below mountPath, or false when path is
// not under mountPath. Both arguments must be canonical. The result never
// starts with a slash; the mount point itself yields "".
func Subpath(mountPath, path string) (string, bool) {
	if mountPath == "/" {
		return strings.TrimPrefix(path, "/"), true
	}
	if path == mountPath {
		return "", true
	}
	if strings.HasPrefix(path, mountPath+"/") {
		return path[len(mountPath)+1:], true
	}
	return "", false
}

// IsStrictPrefix reports whether prefix is a proper path-prefix of path,
// i.e. path sits strictly below prefix in the tree.
func IsStrictPrefix(prefix, path string) bool {
	if prefix == path {
		return false
	}
	if prefix == "/" {
		return strings.HasPrefix(path, "/") && path != "/"
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Join joins canonical path elements, skipping empties.
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Base returns the final segment of a canonical path ("" for the root).
func Base(path string) string {
	if path == "/" {
		return ""
	}
	idx := strings.LastIndexByte(path, '/')
	return path[idx+1:]
}

// Dir returns the parent of a canonical path ("/" for top-level entries).
func Dir(path string) string {
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// EnsureDirPath normalizes a canonical directory path to end in "/" so
// object-store drivers can address the directory marker.
func EnsureDirPath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

// FirstSegment returns the first path segment below prefix, used when
// synthesizing virtual directories. Both arguments must be canonical and
// prefix must be a strict prefix of path.
func FirstSegment(prefix, path string) string {
	rest, ok := Subpath(prefix, path)
	if !ok || rest == "" {
		return ""
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
