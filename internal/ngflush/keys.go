package ngflush

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// DeriveKey turns a flush request URL into the nginx cache key it refers to.
//
// The URL is percent-decoded once, then cut at the first "&<param>=". Only when
// that form is absent is "?<param>=" tried, so for a URL carrying both the
// ampersand form wins. found reports whether the trigger parameter was present;
// when it is not, the whole URL is the key.
//
// The returned key is re-encoded so it compares equal to the request URI nginx
// saw from a warming client. A '%' produced by the decode is escaped back to
// "%25", which makes DeriveKey(DeriveKey(u)) == DeriveKey(u). When the URL
// holds a malformed escape it is used undecoded and its '%' bytes are kept.
func DeriveKey(rawURL, param string) (key string, found bool) {
	decoded, err := url.PathUnescape(rawURL)
	escapePercent := err == nil
	if err != nil {
		decoded = rawURL
	}

	key = decoded
	if i := strings.Index(decoded, "&"+param+"="); i >= 0 {
		key, found = decoded[:i], true
	} else if i := strings.Index(decoded, "?"+param+"="); i >= 0 {
		key, found = decoded[:i], true
	}
	return escapeKey(key, escapePercent), found
}

// EncodeKey percent-encodes bytes that cannot appear literally in a request URI.
// Reserved characters and '%' are left alone, so already-encoded input passes
// through unchanged.
func EncodeKey(s string) string { return escapeKey(s, false) }

func escapeKey(s string, escapePercent bool) string {
	esc := func(c byte) bool { return mustEscape(c) || (escapePercent && c == '%') }

	n := 0
	for i := 0; i < len(s); i++ {
		if esc(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !esc(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func mustEscape(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return true
	}
	switch c {
	case '"', '<', '>', '\\', '^', '`', '{', '|', '}':
		return true
	}
	return false
}

// HashKey returns the hex MD5 of key, the name nginx gives the cache file.
func HashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
