package ngflush

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrInvalidCacheFile marks a file that is not a parsable nginx cache entry.
	// Scans skip such files; they are never surfaced to scan callers.
	ErrInvalidCacheFile = errors.New("invalid cache file")

	ErrPermissionDenied = errors.New("permission denied")
	ErrRemoveFailed     = errors.New("remove failed")
	ErrInvalidPattern   = errors.New("invalid pattern")
	ErrConfig           = errors.New("invalid configuration")
	ErrBusy             = errors.New("too many scans in progress")
	ErrEmptyKey         = errors.New("empty cache key")
)

// CacheFileError reports why a file at Path could not be parsed.
type CacheFileError struct {
	Path string
	Err  error
}

func (e *CacheFileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid cache file %s", e.Path)
	}
	return fmt.Sprintf("invalid cache file %s: %v", e.Path, e.Err)
}

func (e *CacheFileError) Unwrap() error { return e.Err }

func (e *CacheFileError) Is(target error) bool { return target == ErrInvalidCacheFile }

// RemoveError is returned when a cache file exists but could not be deleted.
type RemoveError struct {
	Path string
	Err  error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("remove %s: %v", e.Path, e.Err)
}

func (e *RemoveError) Unwrap() []error {
	if errors.Is(e.Err, fs.ErrPermission) {
		return []error{ErrPermissionDenied, e.Err}
	}
	return []error{ErrRemoveFailed, e.Err}
}
