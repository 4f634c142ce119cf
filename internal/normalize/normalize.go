// Package normalize turns whatever a language model produced into the plain
// reply text the voice UI shows: it unwraps JSON envelopes, pulls the answer
// section out of markdown, repairs near-JSON and falls back to a regex
// scrape. Results are memoised by a sampled fingerprint of the input.
package normalize

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aio-2030/aio-gateway/internal/metrics"
)

// FallbackMessage replaces the output once the same JSON-bearing input has
// failed to normalize MaxAttempts times.
const FallbackMessage = "Sorry, I couldn't put that answer together. Please try asking again."

const (
	DefaultCacheSize     = 500
	DefaultTTL           = 5 * time.Minute
	DefaultMaxAttempts   = 3
	DefaultSweepInterval = time.Minute
)

type Config struct {
	CacheSize     int
	TTL           time.Duration
	MaxAttempts   int
	SweepInterval time.Duration

	// Now and Fingerprint are replaceable for tests.
	Now         func() time.Time
	Fingerprint func(string) uint64
}

func (c *Config) defaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Fingerprint == nil {
		c.Fingerprint = Fingerprint
	}
}

// Stats counts normalizer activity since construction or the last Reset.
type Stats struct {
	CacheHits   int `json:"cache_hits"`
	CacheSize   int `json:"cache_size"`
	CascadeRuns int `json:"cascade_runs"`
	Fallbacks   int `json:"fallbacks"`
	Unresolved  int `json:"unresolved"`
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	cfg Config

	mu       sync.Mutex
	entries  map[uint64]cacheEntry
	order    []uint64
	attempts map[uint64]attempt
	stats    Stats
}

func New(cfg Config) *Normalizer {
	cfg.defaults()
	return &Normalizer{
		cfg:      cfg,
		entries:  make(map[uint64]cacheEntry),
		attempts: make(map[uint64]attempt),
	}
}

// GetResponseContent returns the reply text carried by text. Plain prose,
// headings included, comes back unchanged and is cached. JSON that yields
// no reply is also returned unchanged but not cached, and counts toward
// MaxAttempts.
func (n *Normalizer) GetResponseContent(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	fp := n.cfg.Fingerprint(text)
	now := n.cfg.Now()

	n.mu.Lock()
	if v, ok := n.lookupLocked(fp, now); ok {
		n.stats.CacheHits++
		n.mu.Unlock()
		metrics.NormalizeResults.WithLabelValues("cache").Inc()
		return v
	}
	a := n.attempts[fp]
	a.count++
	a.last = now
	n.attempts[fp] = a
	if a.count > n.cfg.MaxAttempts {
		n.stats.Fallbacks++
		n.mu.Unlock()
		metrics.NormalizeResults.WithLabelValues("fallback").Inc()
		slog.Warn("normalize attempts exhausted", "attempts", a.count, "len", len(text))
		return FallbackMessage
	}
	n.stats.CascadeRuns++
	n.mu.Unlock()

	value, strategy, ok := cascade(text)
	metrics.NormalizeResults.WithLabelValues(strategy).Inc()

	n.mu.Lock()
	defer n.mu.Unlock()
	if !ok {
		n.stats.Unresolved++
		return text
	}
	delete(n.attempts, fp)
	n.storeLocked(fp, value, now)
	metrics.NormalizeCacheEntries.Set(float64(len(n.entries)))
	return value
}

// Sweep drops cache entries and attempt counters older than the TTL and
// returns how many cache entries were removed.
func (n *Normalizer) Sweep() int {
	now := n.cfg.Now()
	n.mu.Lock()
	defer n.mu.Unlock()

	removed := 0
	for _, fp := range append([]uint64(nil), n.order...) {
		if now.Sub(n.entries[fp].stored) > n.cfg.TTL {
			n.evictLocked(fp)
			removed++
		}
	}
	for fp, a := range n.attempts {
		if now.Sub(a.last) > n.cfg.TTL {
			delete(n.attempts, fp)
		}
	}
	metrics.NormalizeCacheEntries.Set(float64(len(n.entries)))
	return removed
}

// Reset clears the cache, attempt counters and stats.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = make(map[uint64]cacheEntry)
	n.order = nil
	n.attempts = make(map[uint64]attempt)
	n.stats = Stats{}
	metrics.NormalizeCacheEntries.Set(0)
}

func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.stats
	s.CacheSize = len(n.entries)
	return s
}

// Run sweeps expired entries every SweepInterval until ctx is done.
func (n *Normalizer) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := n.Sweep(); removed > 0 {
				slog.Debug("normalize cache swept", "removed", removed)
			}
		}
	}
}

// Explain runs the extraction cascade on text without touching the cache and
// reports which strategy produced the result. Unresolved input comes back
// unchanged with strategy "original".
func Explain(text string) (value, strategy string) {
	value, strategy, _ = cascade(text)
	return value, strategy
}

// --- cascade ---

// cascade tries each strategy in order and reports which one produced the
// value. ok is false when text looked structured but nothing matched.
func cascade(text string) (value, strategy string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !looksStructured(trimmed) {
		return text, "passthrough", true
	}
	if gjson.Valid(trimmed) {
		if r := gjson.Get(trimmed, "response"); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return r.Str, "json", true
		}
	}
	if v, found := afterMarker(trimmed); found {
		return v, "marker", true
	}
	if v, found := markdownSection(trimmed); found {
		return v, "markdown", true
	}
	if v, found := repairAndPick(trimmed); found {
		return v, "repair", true
	}
	if v, found := scrapeResponse(trimmed); found {
		return v, "regex", true
	}
	if !carriesJSON(trimmed) {
		return text, "passthrough", true
	}
	return text, "original", false
}

// carriesJSON reports whether s holds something meant to be parsed: a
// response key, a bracketed body or a fenced block opening with a bracket.
// Headings and bracketed prose that fall through the cascade are plain
// replies, not failed parses.
func carriesJSON(s string) bool {
	if strings.Contains(s, `"response"`) || strings.Contains(s, `'response'`) {
		return true
	}
	if bracketed(s) {
		return true
	}
	for _, m := range fenced.FindAllStringSubmatch(s, -1) {
		if bracketed(strings.TrimSpace(m[1])) {
			return true
		}
	}
	return false
}

func bracketed(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

var headingLine = regexp.MustCompile(`(?m)^#{1,6}\s`)

func looksStructured(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[':
		return true
	}
	return strings.Contains(s, "```") ||
		strings.Contains(s, responseMarker) ||
		strings.Contains(s, `"response"`) ||
		strings.Contains(s, `'response'`) ||
		headingLine.MatchString(s)
}

const responseMarker = "**Response:**"

var nextMarker = regexp.MustCompile(`(?m)^\*\*[A-Za-z][A-Za-z ]*:\*\*`)

func afterMarker(s string) (string, bool) {
	i := strings.Index(s, responseMarker)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(responseMarker):]
	if loc := nextMarker.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

// responsePaths are the places a reply hides in model JSON, best first.
var responsePaths = []string{
	"response",
	"response.text",
	"response.content",
	"response.message",
	"output",
	"output.text",
	"output.content",
	"modal.response",
	"modal.content",
	"modal.body",
	"modal.message",
	"data.response",
}

func pickResponse(js string) (string, bool) {
	for _, p := range responsePaths {
		r := gjson.Get(js, p)
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return r.Str, true
		}
	}
	return "", false
}

var fenced = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

func repairAndPick(s string) (string, bool) {
	var candidates []string
	for _, m := range fenced.FindAllStringSubmatch(s, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, s)
	for _, c := range candidates {
		js, ok := ExtractAndValidateJSON(c)
		if !ok {
			continue
		}
		if v, ok := pickResponse(js); ok {
			return v, true
		}
	}
	return "", false
}

var (
	doubleQuotedResponse = regexp.MustCompile(`"response"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	singleQuotedResponse = regexp.MustCompile(`'response'\s*:\s*'([^']*)'`)
)

func scrapeResponse(s string) (string, bool) {
	if m := doubleQuotedResponse.FindStringSubmatch(s); m != nil {
		v, err := strconv.Unquote(`"` + m[1] + `"`)
		if err != nil {
			v = m[1]
		}
		if strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	if m := singleQuotedResponse.FindStringSubmatch(s); m != nil && strings.TrimSpace(m[1]) != "" {
		return m[1], true
	}
	return "", false
}
