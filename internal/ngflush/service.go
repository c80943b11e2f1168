package ngflush

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// minPatternLen guards against patterns like "." wiping the whole cache.
const minPatternLen = 2

type Service struct {
	cfg Config
	log *zap.Logger

	resolver *Resolver
	scanner  *Scanner
	remove   func(name string) error

	httpClient *http.Client

	// scanSem bounds concurrent pattern scans. Single-key deletes never
	// touch it.
	scanSem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	removeLog *rateLimitedLogger
	stats     *statsCollector
	journal   *journal
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	resolver, err := NewResolver(cfg.Nginx.CachePath, cfg.levels)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		log:        log,
		resolver:   resolver,
		scanner:    NewScanner(log, cfg.readBufBytes),
		remove:     os.Remove,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		scanSem:    make(chan struct{}, cfg.Flusher.MaxScans),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		removeLog:  newRateLimitedLogger(log, 10*time.Second),
		stats:      newStatsCollector(),
	}

	if cfg.Journal.Path != "" {
		j, err := openJournal(cfg.Journal.Path, cfg.Journal.Max, log)
		if err != nil {
			cancel()
			return nil, err
		}
		s.journal = j
	}

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}

	return s, nil
}

// Close stops background work and aborts scans still running.
func (s *Service) Close() {
	s.cancel()
	close(s.stopCh)
	s.wg.Wait()
	if s.journal != nil {
		s.journal.close()
	}
}

// InvalidateSingle deletes the cache file for the key derived from rawURL.
// A missing file is reported as NotFound, not as an error.
func (s *Service) InvalidateSingle(ctx context.Context, rawURL string) (SingleResult, error) {
	key, found := DeriveKey(rawURL, s.cfg.Flusher.GetParameter)
	if !found {
		s.log.Info("trigger parameter not found, using whole url as key",
			zap.String("param", s.cfg.Flusher.GetParameter), zap.String("url", rawURL))
	}
	if key == "" {
		return SingleResult{}, ErrEmptyKey
	}

	s.log.Info("key remove requested",
		zap.String("client", clientFrom(ctx)), zap.String("hash", HashKey(key)), zap.String("key", key))

	res, err := s.invalidateKey(key)

	ent := JournalEntry{
		Kind:    "single",
		Target:  key,
		Hash:    res.Hash,
		Path:    res.Path,
		Outcome: res.Outcome.String(),
		Client:  clientFrom(ctx),
	}
	if err != nil {
		ent.Outcome = "error"
	}
	s.record(ent)
	return res, err
}

func (s *Service) invalidateKey(key string) (SingleResult, error) {
	hash := HashKey(key)
	res := SingleResult{Outcome: NotFound, Key: key, Hash: hash, Path: s.resolver.Resolve(hash)}

	err := s.removeSingle(&res)
	s.stats.ObserveSingle(res.Outcome, err)
	return res, err
}

func (s *Service) removeSingle(res *SingleResult) error {
	fi, err := os.Lstat(res.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("stat cache file", zap.String("path", res.Path), zap.Error(err))
		}
		s.log.Info("no such cache file", zap.String("path", res.Path))
		return nil
	}
	if !fi.Mode().IsRegular() {
		s.log.Warn("cache path is not a regular file", zap.String("path", res.Path))
		return nil
	}

	if err := s.remove(res.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// removed by someone else since the stat
			return nil
		}
		rerr := &RemoveError{Path: res.Path, Err: err}
		if errors.Is(rerr, ErrPermissionDenied) {
			s.log.Error("no permission to remove cache file", zap.String("path", res.Path))
		} else {
			s.log.Error("failed to remove cache file", zap.String("path", res.Path), zap.Error(err))
		}
		return rerr
	}
	res.Outcome = Deleted
	s.stats.ObserveRemovedBytes(fi.Size())
	return nil
}

// InvalidatePattern deletes every cache file whose stored key matches
// keyPattern and, when typePattern is non-empty, whose Content-Type matches
// typePattern. Failures on individual files are counted, never fatal.
func (s *Service) InvalidatePattern(ctx context.Context, keyPattern, typePattern string) (PatternResult, error) {
	keyRe, typeRe, err := compilePatterns(keyPattern, typePattern)
	if err != nil {
		return PatternResult{}, err
	}

	select {
	case s.scanSem <- struct{}{}:
	default:
		return PatternResult{}, ErrBusy
	}
	defer func() { <-s.scanSem }()

	start := time.Now()
	var res PatternResult
	st, err := s.scanner.Scan(ctx, s.resolver.Root(), keyRe, typeRe, func(path string) error {
		size, rerr := s.removeMatched(path)
		switch {
		case rerr == nil:
			res.Removed++
			s.stats.ObserveRemovedBytes(size)
		case errors.Is(rerr, fs.ErrNotExist):
		default:
			res.Failed++
			s.removeLog.Error("failed to remove cache file", zap.String("path", path), zap.Error(rerr))
		}
		return nil
	})
	res.Scanned = st.Scanned
	s.stats.ObserveScan(st, res)

	s.log.Info("pattern invalidation finished",
		zap.String("client", clientFrom(ctx)),
		zap.String("pattern", keyPattern),
		zap.String("contentType", typePattern),
		zap.Int("scanned", st.Scanned),
		zap.Int("skipped", st.Skipped),
		zap.Int("removed", res.Removed),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	s.record(JournalEntry{
		Kind:        "pattern",
		Target:      keyPattern,
		ContentType: typePattern,
		Outcome:     outcomeOf(err),
		Removed:     res.Removed,
		Failed:      res.Failed,
		Client:      clientFrom(ctx),
	})
	return res, err
}

func (s *Service) removeMatched(path string) (int64, error) {
	var size int64
	if fi, err := os.Lstat(path); err == nil {
		size = fi.Size()
	}
	if err := s.remove(path); err != nil {
		return 0, &RemoveError{Path: path, Err: err}
	}
	return size, nil
}

func compilePatterns(keyPattern, typePattern string) (keyRe, typeRe *regexp.Regexp, err error) {
	if utf8.RuneCountInString(keyPattern) < minPatternLen {
		return nil, nil, fmt.Errorf("%w: key pattern %q shorter than %d characters", ErrInvalidPattern, keyPattern, minPatternLen)
	}
	keyRe, err = regexp.Compile(keyPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key pattern: %v", ErrInvalidPattern, err)
	}
	if typePattern != "" {
		typeRe, err = regexp.Compile(typePattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: content type pattern: %v", ErrInvalidPattern, err)
		}
	}
	return keyRe, typeRe, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "done"
}

func (s *Service) record(e JournalEntry) {
	if s.journal == nil {
		return
	}
	e.At = time.Now().UTC().UnixNano()
	s.journal.Record(e)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("singleDeleted", ss.SingleDeleted),
				zap.Uint64("singleNotFound", ss.SingleNotFound),
				zap.Uint64("singleFailed", ss.SingleFailed),
				zap.Uint64("scans", ss.Scans),
				zap.Uint64("filesScanned", ss.FilesScanned),
				zap.Uint64("filesSkipped", ss.FilesSkipped),
				zap.Uint64("patternRemoved", ss.PatternRemoved),
				zap.Uint64("patternFailed", ss.PatternFailed),
				zap.String("reclaimed", formatBytes(ss.BytesRemoved)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("stats", fields...)
		}
	}
}

// ---- http ----

type clientKey struct{}

func withClient(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientKey{}, addr)
}

func clientFrom(ctx context.Context) string {
	v, _ := ctx.Value(clientKey{}).(string)
	return v
}

func clientAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ctx := withClient(r.Context(), clientAddress(r))

	switch r.URL.Path {
	case "/single/":
		s.handleSingle(ctx, w, r)
	case "/pattern/":
		s.handlePattern(ctx, w, r)
	case "/sitemap/":
		s.handleSitemap(ctx, w, r)
	case "/journal/":
		s.handleJournal(w, r)
	default:
		respond(w, http.StatusNotFound, "Page not found")
	}
}

func respond(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (s *Service) handleSingle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	res, err := s.InvalidateSingle(ctx, r.URL.RawQuery)
	switch {
	case errors.Is(err, ErrEmptyKey):
		respond(w, http.StatusBadRequest, "Cache key not provided.")
		return
	case errors.Is(err, ErrPermissionDenied):
		respond(w, http.StatusForbidden, "No permission to remove from cache.")
		return
	case err != nil:
		respond(w, http.StatusInternalServerError, "Failed to remove from cache.")
		return
	case res.Outcome == NotFound:
		respond(w, http.StatusNotFound, "Page not found from cache.")
		return
	}

	var parts []string
	if s.cfg.Flusher.Debug {
		parts = append(parts, "CACHE_KEY: "+res.Hash, "CACHE_PATH "+res.Path)
	}
	parts = append(parts, "Successfully removed from cache.", "")
	respond(w, http.StatusOK, strings.Join(parts, "\r\n"))
}

func (s *Service) handlePattern(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Scans outlive the client connection; only Close stops them.
	scanCtx, cancel := context.WithCancel(withClient(s.ctx, clientFrom(ctx)))
	defer cancel()

	res, err := s.InvalidatePattern(scanCtx, q.Get("key"), q.Get("type"))
	switch {
	case errors.Is(err, ErrInvalidPattern):
		respond(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrBusy):
		respond(w, http.StatusServiceUnavailable, "Too many scans in progress, retry later.")
		return
	case err != nil:
		respond(w, http.StatusInternalServerError, fmt.Sprintf("Scan failed after removing %d files.", res.Removed))
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("Removed %d files from cache.", res.Removed))
}

func (s *Service) handleSitemap(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	smURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if smURL == "" {
		respond(w, http.StatusBadRequest, "Sitemap url not provided.")
		return
	}
	res, err := s.InvalidateSitemap(ctx, smURL)
	if err != nil {
		respond(w, http.StatusBadGateway, fmt.Sprintf("Sitemap failed: %v", err))
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("Removed %d, not found %d, failed %d.", res.Removed, res.NotFound, res.Failed))
}

func (s *Service) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respond(w, http.StatusNotFound, "Journal disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respond(w, http.StatusBadRequest, "Invalid limit.")
			return
		}
		limit = min(n, 1000)
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		s.log.Error("read journal", zap.Error(err))
		respond(w, http.StatusInternalServerError, "Failed to read journal.")
		return
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s client=%s outcome=%s removed=%d failed=%d\r\n",
			time.Unix(0, e.At).UTC().Format(time.RFC3339Nano), e.Kind, strconv.Quote(e.Target),
			e.Client, e.Outcome, e.Removed, e.Failed)
	}
	respond(w, http.StatusOK, b.String())
}
