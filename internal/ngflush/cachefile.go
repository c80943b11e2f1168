package ngflush

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Layout of nginx cache files whose header starts with version byte 3. The
// key value starts at a fixed offset right after the "KEY: " marker.
const (
	formatV3          byte  = 0x03
	formatV3KeyOffset int64 = 150
)

const (
	defaultReadBuffer = 4 << 10
	maxLineLen        = 1 << 20
)

type cacheFormat struct {
	magic     [8]byte
	keyOffset int64
}

// cacheFormats is keyed by the first byte of the file.
var cacheFormats = map[byte]cacheFormat{
	formatV3: {
		magic:     [8]byte{formatV3, 0, 0, 0, 0, 0, 0, 0},
		keyOffset: formatV3KeyOffset,
	},
}

var (
	errBadMagic    = errors.New("magic mismatch")
	errLineTooLong = errors.New("line too long")
)

// CacheFile is the parsed header of one nginx cache file.
type CacheFile struct {
	Path string
	Key  string
	// Header maps lower-cased header names to trimmed values.
	Header map[string]string
}

// ContentType returns the stored Content-Type header, if any.
func (f *CacheFile) ContentType() (string, bool) {
	v, ok := f.Header["content-type"]
	return v, ok
}

// ReadCacheFile parses the key and response headers out of r. Any failure is
// reported as a *CacheFileError, which matches ErrInvalidCacheFile.
func ReadCacheFile(r io.ReadSeeker, path string) (*CacheFile, error) {
	return readCacheFile(r, path, defaultReadBuffer)
}

func readCacheFile(r io.ReadSeeker, path string, bufSize int) (*CacheFile, error) {
	cf, err := parseCacheFile(r, bufSize)
	if err != nil {
		return nil, &CacheFileError{Path: path, Err: err}
	}
	cf.Path = path
	return cf, nil
}

func parseCacheFile(r io.ReadSeeker, bufSize int) (*CacheFile, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	format, ok := cacheFormats[magic[0]]
	if !ok || magic != format.magic {
		return nil, errBadMagic
	}

	if _, err := r.Seek(format.keyOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek key: %w", err)
	}
	br := bufio.NewReaderSize(r, bufSize)

	raw, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	cf := &CacheFile{
		Key:    trimEOL(decodeLine(raw)),
		Header: map[string]string{},
	}

	// status line
	if _, err := readLine(br); err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	for {
		raw, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if len(raw) == 2 {
			break
		}
		line := trimEOL(decodeLine(raw))
		if strings.TrimSpace(line) == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("header line without colon: %q", line)
		}
		cf.Header[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return cf, nil
}

// readLine returns the next line including its '\n'. The last line of the
// stream may lack the terminator; an exhausted stream yields an empty line.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineLen {
			return nil, errLineTooLong
		}
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

func decodeLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func trimEOL(s string) string {
	s = strings.TrimRight(s, "\n")
	return strings.TrimRight(s, "\r")
}
