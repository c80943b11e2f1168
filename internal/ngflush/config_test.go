package ngflush

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("nginx:\n  cachePath: /var/cache/nginx/\n"))
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/nginx", cfg.Nginx.CachePath)
	assert.Equal(t, "1:2", cfg.Nginx.CacheLevels)
	assert.Equal(t, []int{1, 2}, cfg.Levels())
	assert.Equal(t, "$scheme$host$request_uri", cfg.Nginx.KeyFormat)
	assert.Equal(t, 8000, cfg.Flusher.Port)
	assert.Equal(t, "ngflush", cfg.Flusher.GetParameter)
	assert.Equal(t, 2, cfg.Flusher.MaxScans)
	assert.False(t, cfg.Flusher.Debug)
	assert.Equal(t, defaultReadBuffer, cfg.readBufBytes)
	assert.Equal(t, time.Duration(0), cfg.statsEveryDur)
	assert.Equal(t, 10000, cfg.Journal.Max)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ngflush.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nginx:
  cachePath: /data/cache
  cacheLevels: "2:2"
flusher:
  port: 9000
  getParameter: purge
  debug: true
  readBuffer: 8kb
logging:
  statsEvery: 30s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, cfg.Levels())
	assert.Equal(t, 9000, cfg.Flusher.Port)
	assert.Equal(t, "purge", cfg.Flusher.GetParameter)
	assert.True(t, cfg.Flusher.Debug)
	assert.Equal(t, 8192, cfg.readBufBytes)
	assert.Equal(t, 30*time.Second, cfg.statsEveryDur)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseConfigErrors(t *testing.T) {
	for name, y := range map[string]string{
		"missing path":   "flusher:\n  port: 1\n",
		"relative path":  "nginx:\n  cachePath: cache\n",
		"levels too big": "nginx:\n  cachePath: /c\n  cacheLevels: \"16:16:1\"\n",
		"bad levels":     "nginx:\n  cachePath: /c\n  cacheLevels: \"1:x\"\n",
		"zero level":     "nginx:\n  cachePath: /c\n  cacheLevels: \"0\"\n",
		"tiny buffer":    "nginx:\n  cachePath: /c\nflusher:\n  readBuffer: 4b\n",
	} {
		_, err := ParseConfig([]byte(y))
		assert.ErrorIs(t, err, ErrConfig, name)
	}

	_, err := ParseConfig([]byte("nginx:\n  cachePath: /c\nlogging:\n  statsEvery: soon\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("nginx: [unclosed"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	for in, want := range map[string]int64{
		"512":   512,
		"512b":  512,
		"4k":    4096,
		"4kb":   4096,
		"1.5mb": 1572864,
		" 2 KB": 2048,
	} {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "b", "-1k", "lots"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}
