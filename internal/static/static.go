// Package static resolves and serves files below a static root while refusing
// traversal, symlinks, executable extensions and oversized files.
package static

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjstillabower/cargoal/internal/web"
)

// Prefix is the URL path prefix handled by the static server.
const Prefix = "/static/"

// DefaultMaxFileSize is the default upper bound for served files (5 MiB).
const DefaultMaxFileSize int64 = 5 * 1024 * 1024

var (
	// ErrForbidden is returned for requests that must not reach the filesystem.
	ErrForbidden = errors.New("forbidden static path")
	// ErrNotFound is returned when the requested file does not exist.
	ErrNotFound = errors.New("static file not found")
)

var forbiddenExtensions = map[string]bool{
	"php": true,
	"exe": true,
	"sh":  true,
	"bat": true,
	"cmd": true,
}

var mimeTypes = map[string]string{
	"css":   "text/css",
	"js":    "application/javascript",
	"png":   "image/png",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"gif":   "image/gif",
	"ico":   "image/x-icon",
	"svg":   "image/svg+xml",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"ttf":   "font/ttf",
	"otf":   "font/otf",
	"json":  "application/json",
	"xml":   "application/xml",
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// MimeType returns the Content-Type for path based on its extension.
func MimeType(path string) string {
	if mt, ok := mimeTypes[extension(path)]; ok {
		return mt
	}
	return "application/octet-stream"
}

// IsForbiddenFile reports whether path has an extension that is never served.
func IsForbiddenFile(path string) bool {
	return forbiddenExtensions[extension(path)]
}

// Resolve maps requested (the part of the URL after Prefix) to a canonical path under root.
func Resolve(root, requested string) (string, error) {
	if strings.Contains(requested, "..") ||
		strings.Contains(requested, "./") ||
		strings.Contains(requested, ".\\") {
		return "", ErrForbidden
	}
	if strings.HasPrefix(requested, "/") || strings.HasPrefix(requested, "\\") {
		return "", ErrForbidden
	}

	canonicalRoot, err := canonicalize(root)
	if err != nil {
		return "", fmt.Errorf("%w: static root: %v", ErrForbidden, err)
	}

	candidate := filepath.Join(canonicalRoot, filepath.FromSlash(requested))
	info, err := os.Lstat(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", ErrForbidden
	}

	resolved, err := canonicalize(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if resolved != canonicalRoot && !strings.HasPrefix(resolved, canonicalRoot+string(filepath.Separator)) {
		return "", ErrForbidden
	}
	return resolved, nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Serve builds the response for a request to Prefix+requested.
func Serve(root, requested string, maxSize int64) *web.Response {
	path, err := Resolve(root, requested)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return web.NewResponse(http.StatusNotFound, "File Not Found")
		}
		return web.NewResponse(http.StatusForbidden, "Forbidden")
	}

	info, err := os.Stat(path)
	if err != nil {
		return web.NewResponse(http.StatusNotFound, "File Not Found")
	}
	if info.IsDir() || IsForbiddenFile(path) {
		return web.NewResponse(http.StatusForbidden, "Forbidden")
	}
	if maxSize > 0 && info.Size() > maxSize {
		return web.NewResponse(http.StatusRequestEntityTooLarge, "Payload Too Large")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return web.NewResponse(http.StatusInternalServerError, "Internal Server Error")
	}
	return web.NewRawResponse(http.StatusOK, content).
		WithHeader("Content-Type", MimeType(path)).
		WithHeader("X-Content-Type-Options", "nosniff").
		WithHeader("X-Frame-Options", "DENY")
}
