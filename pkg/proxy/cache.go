package proxy

import "sync"

// readAheadCache is the optional single-slot prefetch cache of spec.md
// §4.7: on a read miss the upstream request is doubled in length (clipped
// to the upstream size); the requested half is returned to the
// downstream client and the other half is kept here in case the next read
// is contiguous. Any write invalidates it unconditionally.
type readAheadCache struct {
	mu       sync.Mutex
	capacity uint64

	valid bool
	from  uint64
	data  []byte
}

func newReadAheadCache(capacity uint64) *readAheadCache {
	return &readAheadCache{capacity: capacity}
}

// invalidate drops the cached extent. Called on any write and on upstream
// reconnect (spec.md §4.7).
func (c *readAheadCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.data = nil
}

// lookup returns a copy of the cached bytes if [from, from+length) is
// fully contained in the cached extent.
func (c *readAheadCache) lookup(from, length uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil, false
	}
	end := c.from + uint64(len(c.data))
	if from < c.from || from+length > end {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, c.data[from-c.from:from-c.from+length])
	return out, true
}

// prefetchLen doubles reqLen, clipped to the cache's capacity and to the
// upstream file size starting at from.
func (c *readAheadCache) prefetchLen(reqLen uint32, upstreamSize, from uint64) uint32 {
	doubled := uint64(reqLen) * 2
	if doubled > c.capacity {
		doubled = c.capacity
	}
	if doubled < uint64(reqLen) {
		doubled = uint64(reqLen)
	}
	if from+doubled > upstreamSize {
		doubled = upstreamSize - from
	}
	if doubled < uint64(reqLen) {
		doubled = uint64(reqLen)
	}
	return uint32(doubled)
}

// store caches the bytes covering [from, from+len(data)) — the "other
// half" of a prefetch — for a later contiguous read to consume.
func (c *readAheadCache) store(from uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.from = from
	c.data = append([]byte(nil), data...)
	c.valid = true
}
