package voice

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PreviewStore hands out playback URLs for assembled recordings. A URL stays
// valid until Revoke is called; the owner of the URL is responsible for that.
type PreviewStore struct {
	prefix string
	mu     sync.RWMutex
	blobs  map[string]*Blob
}

// NewPreviewStore creates a store whose URLs start with prefix
// (e.g. "/api/voice/preview/").
func NewPreviewStore(prefix string) *PreviewStore {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &PreviewStore{prefix: prefix, blobs: make(map[string]*Blob)}
}

// Put registers b and returns its playback URL.
func (p *PreviewStore) Put(b *Blob) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.blobs[id] = b
	p.mu.Unlock()
	return p.prefix + id
}

// Get looks up a blob by id (the last URL segment).
func (p *PreviewStore) Get(id string) (*Blob, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blobs[id]
	return b, ok
}

// Revoke releases the blob behind url. Reports whether anything was released.
func (p *PreviewStore) Revoke(url string) bool {
	id, ok := strings.CutPrefix(url, p.prefix)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok = p.blobs[id]; !ok {
		return false
	}
	delete(p.blobs, id)
	return true
}

// Len returns the number of live previews.
func (p *PreviewStore) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blobs)
}

// ServeHTTP streams the blob named by the {id} path value.
func (p *PreviewStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, ok := p.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "preview not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", b.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(b.Data)
}
