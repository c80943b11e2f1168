package ngflush

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	root := "/tmp"
	tests := []struct {
		levels []int
		want   string
	}{
		{[]int{1, 2}, filepath.Join(root, "3", "id", "5od93kid3")},
		{[]int{1}, filepath.Join(root, "3", "5od93kid3")},
		{[]int{3, 2}, filepath.Join(root, "id3", "3k", "5od93kid3")},
		{[]int{3, 2, 3}, filepath.Join(root, "id3", "3k", "od9", "5od93kid3")},
	}
	for _, tt := range tests {
		r, err := NewResolver(root, tt.levels)
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.Resolve("5od93kid3"), "levels %v", tt.levels)
	}
}

func TestResolveRealHash(t *testing.T) {
	r, err := NewResolver("/var/cache/nginx", []int{1, 2})
	require.NoError(t, err)
	h := HashKey("httpexample.com/")
	want := filepath.Join("/var/cache/nginx", h[31:], h[29:31], h)
	assert.Equal(t, want, r.Resolve(h))
}

func TestResolverCopiesLevels(t *testing.T) {
	levels := []int{1, 2}
	r, err := NewResolver("/c", levels)
	require.NoError(t, err)
	levels[0] = 3
	assert.Equal(t, filepath.Join("/c", "3", "id", "5od93kid3"), r.Resolve("5od93kid3"))
}

func TestNewResolverRejectsBadLevels(t *testing.T) {
	for _, levels := range [][]int{nil, {0}, {1, -2}, {16, 16, 1}} {
		_, err := NewResolver("/c", levels)
		assert.True(t, errors.Is(err, ErrConfig), "levels %v: %v", levels, err)
	}
	_, err := NewResolver("", []int{1})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewResolver("/c", []int{16, 16})
	assert.NoError(t, err)
}

func TestParseLevels(t *testing.T) {
	got, err := ParseLevels("1:2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	got, err = ParseLevels(" 2 ")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)

	for _, bad := range []string{"", "1:", "a:2", "1::2"} {
		_, err := ParseLevels(bad)
		assert.ErrorIs(t, err, ErrConfig, "input %q", bad)
	}
}
