package concurrency

import (
	"sync"
	"sync/atomic"
)

// FlexMutex is an ordinary mutex that additionally records which
// goroutine holds it, so cleanup handlers unwinding an error can check
// Held() before deciding whether to Unlock. Grounded on spec.md §4.4's
// flex-mutex and the teacher's convention of commenting *why* a lock
// exists next to its field (pkg/rpc/handler.go: "vmMu sync.RWMutex //
// protects vm field").
//
// Held() is necessarily best-effort in Go (no portable "current goroutine
// id"): flex-mutexes are used here only from code that already tracks its
// own identity (a fixed worker goroutine), which passes that identity as
// the token to Lock, Held and UnlockIfHeld.
type FlexMutex struct {
	mu      sync.Mutex
	holder  atomic.Value // stores int64 token, 0 = unheld
	ownerID atomic.Int64
}

// NewFlexMutex returns an unlocked flex-mutex.
func NewFlexMutex() *FlexMutex {
	fm := &FlexMutex{}
	fm.holder.Store(int64(0))
	return fm
}

// Lock acquires the mutex under the given caller token (a value unique to
// the calling goroutine's lifetime, e.g. a per-thread counter).
func (fm *FlexMutex) Lock(token int64) {
	fm.mu.Lock()
	fm.holder.Store(token)
}

// Unlock releases the mutex.
func (fm *FlexMutex) Unlock() {
	fm.holder.Store(int64(0))
	fm.mu.Unlock()
}

// Held reports whether token currently holds the lock.
func (fm *FlexMutex) Held(token int64) bool {
	h, _ := fm.holder.Load().(int64)
	return h != 0 && h == token
}

// UnlockIfHeld unlocks only if token currently holds the lock; it is safe
// to call from a cleanup path that isn't sure whether it still owns the
// lock.
func (fm *FlexMutex) UnlockIfHeld(token int64) {
	if fm.Held(token) {
		fm.Unlock()
	}
}
