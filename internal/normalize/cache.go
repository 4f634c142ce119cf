package normalize

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const fingerprintSample = 64

// Fingerprint hashes the first and last 64 bytes of text together with its
// length. Long inputs that share both ends and the length collide; the
// cache accepts that in exchange for constant-time keys.
func Fingerprint(text string) uint64 {
	sample := text
	if len(text) > 2*fingerprintSample {
		sample = text[:fingerprintSample] + text[len(text)-fingerprintSample:]
	}
	return xxhash.Sum64String(strconv.Itoa(len(text)) + ":" + sample)
}

type cacheEntry struct {
	value  string
	stored time.Time
}

type attempt struct {
	count int
	last  time.Time
}

func (n *Normalizer) lookupLocked(fp uint64, now time.Time) (string, bool) {
	e, ok := n.entries[fp]
	if !ok {
		return "", false
	}
	if now.Sub(e.stored) > n.cfg.TTL {
		n.evictLocked(fp)
		return "", false
	}
	return e.value, true
}

// storeLocked inserts value, evicting the oldest entries once the cache is
// full.
func (n *Normalizer) storeLocked(fp uint64, value string, now time.Time) {
	if _, ok := n.entries[fp]; !ok {
		for len(n.order) > 0 && len(n.entries) >= n.cfg.CacheSize {
			n.evictLocked(n.order[0])
		}
		n.order = append(n.order, fp)
	}
	n.entries[fp] = cacheEntry{value: value, stored: now}
}

func (n *Normalizer) evictLocked(fp uint64) {
	delete(n.entries, fp)
	for i, k := range n.order {
		if k == fp {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}
