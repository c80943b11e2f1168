package ngflush

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxSitemapBytes is the protocol's limit on an uncompressed sitemap.
const maxSitemapBytes = 50 << 20

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// InvalidateSitemap fetches a sitemap, follows nested sitemap indexes once
// each, and runs the single-key path for every listed URL.
func (s *Service) InvalidateSitemap(ctx context.Context, sitemapURL string) (SitemapResult, error) {
	var res SitemapResult
	seen := map[string]struct{}{}
	queue := []string{strings.TrimSpace(sitemapURL)}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			s.finishSitemap(ctx, sitemapURL, res, err)
			return res, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			err = fmt.Errorf("fetch sitemap %q: %w", smURL, err)
			s.finishSitemap(ctx, sitemapURL, res, err)
			return res, err
		}
		for _, nested := range doc.Sitemaps {
			if nested = resolveLoc(smURL, nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		for _, loc := range doc.URLs {
			key, ok := s.keyForURL(resolveLoc(smURL, loc))
			if !ok {
				res.Failed++
				continue
			}
			r, err := s.invalidateKey(key)
			switch {
			case err != nil:
				res.Failed++
			case r.Outcome == Deleted:
				res.Removed++
			default:
				res.NotFound++
			}
		}
		s.log.Debug("sitemap processed", zap.String("sitemap", smURL), zap.Int("urls", len(doc.URLs)))
	}

	s.finishSitemap(ctx, sitemapURL, res, nil)
	return res, nil
}

func (s *Service) finishSitemap(ctx context.Context, sitemapURL string, res SitemapResult, err error) {
	s.log.Info("sitemap invalidation finished",
		zap.String("client", clientFrom(ctx)),
		zap.String("sitemap", sitemapURL),
		zap.Int("removed", res.Removed),
		zap.Int("notFound", res.NotFound),
		zap.Int("failed", res.Failed),
		zap.Error(err),
	)
	s.record(JournalEntry{
		Kind:    "sitemap",
		Target:  sitemapURL,
		Outcome: outcomeOf(err),
		Removed: res.Removed,
		Failed:  res.Failed,
		Client:  clientFrom(ctx),
	})
}

// keyForURL renders nginx.keyFormat for an absolute URL. Supported variables
// are $scheme, $host, $request_uri, $uri, $is_args and $args.
func (s *Service) keyForURL(loc string) (string, bool) {
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		return "", false
	}
	isArgs := ""
	if u.RawQuery != "" {
		isArgs = "?"
	}
	r := strings.NewReplacer(
		"$scheme", u.Scheme,
		"$host", u.Host,
		"$request_uri", u.RequestURI(),
		"$uri", u.EscapedPath(),
		"$is_args", isArgs,
		"$args", u.RawQuery,
	)
	return EncodeKey(r.Replace(s.cfg.Nginx.KeyFormat)), true
}

func resolveLoc(base, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return sitemapDoc{}, err
	}

	// Go may already have undone a Content-Encoding gzip, so only trust the
	// magic bytes or the .gz suffix.
	if strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			unzipped, err := io.ReadAll(io.LimitReader(gz, maxSitemapBytes))
			_ = gz.Close()
			if err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
