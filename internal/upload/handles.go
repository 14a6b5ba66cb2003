package upload

import (
	"os"
	"sync"
	"time"
)

// cachedHandle is a single writable *os.File shared by concurrent chunk writes for one upload.
// WriteAt is a positional pwrite and is itself safe for concurrent, non-overlapping callers, so
// this pool only guards handle lifecycle (open/close/refcount), not the write path (§4.C).
type cachedHandle struct {
	file     *os.File
	refCount int
	lastUsed time.Time
}

// handlePool caches one writable handle per uploadID.
type handlePool struct {
	mu      sync.Mutex
	handles map[string]*cachedHandle
}

func newHandlePool() *handlePool {
	return &handlePool{handles: make(map[string]*cachedHandle)}
}

// acquire returns the cached handle for uploadID, opening it if necessary, and bumps its
// reference count. Callers must call release exactly once per acquire.
func (p *handlePool) acquire(uploadID, path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[uploadID]
	if !ok {
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		h = &cachedHandle{file: f}
		p.handles[uploadID] = h
	}
	h.refCount++
	h.lastUsed = time.Now()
	return h.file, nil
}

// release decrements the reference count for uploadID's handle.
func (p *handlePool) release(uploadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[uploadID]; ok {
		h.refCount--
		h.lastUsed = time.Now()
	}
}

// close immediately closes and evicts uploadID's handle, regardless of reference count; used on
// complete/abort where the caller has already guaranteed no concurrent writers remain.
func (p *handlePool) close(uploadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[uploadID]; ok {
		_ = h.file.Close()
		delete(p.handles, uploadID)
	}
}

// sweep closes handles that have been idle (zero refcount, unused) for longer than ttl.
func (p *handlePool) sweep(ttl time.Duration) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, h := range p.handles {
		if h.refCount == 0 && now.Sub(h.lastUsed) > ttl {
			_ = h.file.Close()
			delete(p.handles, id)
		}
	}
}
