package ngflush

// Outcome is the result of a single-key invalidation that did not fail.
type Outcome int

const (
	NotFound Outcome = iota
	Deleted
)

func (o Outcome) String() string {
	if o == Deleted {
		return "deleted"
	}
	return "not-found"
}

type SingleResult struct {
	Outcome Outcome
	Key     string
	Hash    string
	Path    string
}

// PatternResult summarises a bulk invalidation. Removed counts files actually
// deleted; files that vanished before deletion count as neither removed nor
// failed.
type PatternResult struct {
	Removed int
	Failed  int
	Scanned int
}

type SitemapResult struct {
	Removed  int
	NotFound int
	Failed   int
}

// JournalEntry records one completed invalidation.
type JournalEntry struct {
	// Expected values: "single" | "pattern" | "sitemap".
	Kind string

	// Target is the cache key for single invalidations, the key pattern for
	// pattern ones and the sitemap URL for sitemap ones.
	Target      string
	ContentType string
	Hash        string
	Path        string
	Outcome     string
	Removed     int
	Failed      int
	Client      string

	At int64 // unix nanoseconds, UTC
}
