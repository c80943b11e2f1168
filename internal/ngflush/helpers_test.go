package ngflush

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cacheFileBytes builds a cache file laid out the way nginx writes it: a
// version byte, zero padding, then the key value starting at offset 150.
func cacheFileBytes(key string, headers ...string) []byte {
	var b bytes.Buffer
	b.WriteByte(0x03)
	b.Write(make([]byte, 144))
	b.WriteString("KEY: " + key + "\r\n")
	b.WriteString("HTTP/1.1 200 OK\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString("<body/>")
	return b.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// writeCacheEntry stores key where nginx would, for the given resolver.
func writeCacheEntry(t *testing.T, r *Resolver, key string, headers ...string) string {
	t.Helper()
	path := r.Resolve(HashKey(key))
	writeFile(t, path, cacheFileBytes(key, headers...))
	return path
}

func testConfig(t *testing.T, root string, extra string) Config {
	t.Helper()
	y := fmt.Sprintf("nginx:\n  cachePath: %s\n%s", root, extra)
	cfg, err := ParseConfig([]byte(y))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, root string, extra string) *Service {
	t.Helper()
	svc, err := NewService(testConfig(t, root, extra), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}
