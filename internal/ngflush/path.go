package ngflush

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// hashLen is the length of a hex MD5 digest.
const hashLen = 32

// ParseLevels parses an nginx "levels=" value such as "1:2".
func ParseLevels(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty cache levels", ErrConfig)
	}
	parts := strings.Split(s, ":")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: cache levels %q: %v", ErrConfig, s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Resolver maps content hashes to cache file paths. It is immutable and safe
// for concurrent use.
type Resolver struct {
	root   string
	levels []int
}

func NewResolver(root string, levels []int) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: cache root is empty", ErrConfig)
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no cache levels", ErrConfig)
	}
	total := 0
	for i, l := range levels {
		if l < 1 {
			return nil, fmt.Errorf("%w: cache level %d is %d, must be positive", ErrConfig, i, l)
		}
		total += l
	}
	if total > hashLen {
		return nil, fmt.Errorf("%w: cache levels consume %d characters, hash has %d", ErrConfig, total, hashLen)
	}
	return &Resolver{root: root, levels: append([]int(nil), levels...)}, nil
}

func (r *Resolver) Root() string { return r.root }

// Resolve returns the cache file path for hash. Directory segments are taken
// from the tail of the hash, right to left; the full hash is always the file
// name.
func (r *Resolver) Resolve(hash string) string {
	elems := make([]string, 0, len(r.levels)+2)
	elems = append(elems, r.root)

	end := len(hash)
	for _, l := range r.levels {
		start := end - l
		if start < 0 {
			start = 0
		}
		elems = append(elems, hash[start:end])
		end = start
	}
	elems = append(elems, hash)
	return filepath.Join(elems...)
}
