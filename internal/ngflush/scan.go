package ngflush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"
)

type openFunc func(name string) (io.ReadSeekCloser, error)

func openFile(name string) (io.ReadSeekCloser, error) { return os.Open(name) }

// Scanner walks a cache tree and reports the files whose stored key matches a
// pattern. It holds no per-scan state and may be shared.
type Scanner struct {
	open    openFunc
	bufSize int
	log     *zap.Logger
}

func NewScanner(log *zap.Logger, bufSize int) *Scanner {
	if bufSize <= 0 {
		bufSize = defaultReadBuffer
	}
	return &Scanner{open: openFile, bufSize: bufSize, log: log}
}

// ScanStats counts what a single Scan saw.
type ScanStats struct {
	Scanned int
	Skipped int
	Matched int
}

// Scan calls fn with the path of every regular file under dir whose key
// matches keyRe. If typeRe is non-nil the file must also carry a Content-Type
// header matching it. Files that are not cache entries are skipped. fn runs
// after the file has been closed; an error from fn stops the walk.
func (s *Scanner) Scan(ctx context.Context, dir string, keyRe, typeRe *regexp.Regexp, fn func(path string) error) (ScanStats, error) {
	var st ScanStats
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			s.log.Warn("scan: skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		st.Scanned++
		cf, err := s.read(path)
		if err != nil {
			st.Skipped++
			s.log.Debug("scan: skipping file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !matches(cf, keyRe, typeRe) {
			return nil
		}
		st.Matched++
		return fn(path)
	})
	if err != nil {
		return st, fmt.Errorf("scan %s: %w", dir, err)
	}
	return st, nil
}

func (s *Scanner) read(path string) (*CacheFile, error) {
	f, err := s.open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &CacheFileError{Path: path, Err: err}
	}
	defer f.Close()
	return readCacheFile(f, path, s.bufSize)
}

func matches(cf *CacheFile, keyRe, typeRe *regexp.Regexp) bool {
	if !keyRe.MatchString(cf.Key) {
		return false
	}
	if typeRe == nil {
		return true
	}
	ct, ok := cf.ContentType()
	return ok && typeRe.MatchString(ct)
}
