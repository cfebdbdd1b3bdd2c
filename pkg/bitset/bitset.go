// Package bitset implements the thread-safe run-length bitmap with an
// attached bounded event stream described in spec.md §3/§4.1. It backs
// both the allocation bitset and the dirty bitset used during mirroring.
package bitset

import (
	"sync"
)

const bitsPerWord = 64

// Event is the kind of a stream entry.
type Event int

const (
	Unset Event = iota
	Set
	On
	Off
)

func (e Event) String() string {
	switch e {
	case Unset:
		return "UNSET"
	case Set:
		return "SET"
	case On:
		return "ON"
	case Off:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

const numEvents = 4

// StreamEntry is one (event, from, len) triple carried by the event stream.
// from/len are byte coordinates over the backing file, not bit coordinates.
type StreamEntry struct {
	Event Event
	From  uint64
	Len   uint64
}

// streamCapacity matches the C original's ~1MiB of entries (spec.md §3).
const streamEntrySize = 24 // event(int)+from(uint64)+len(uint64), rounded
const streamCapacity = (1024 * 1024) / streamEntrySize

// stream is the bounded FIFO of StreamEntry attached to a Bitset.
type stream struct {
	mu          sync.Mutex
	notFull     *sync.Cond
	notEmpty    *sync.Cond
	entries     []StreamEntry
	in, out     int
	size        int
	queuedBytes [numEvents]uint64
}

func newStream() *stream {
	s := &stream{entries: make([]StreamEntry, streamCapacity)}
	s.notFull = sync.NewCond(&s.mu)
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// enqueue blocks while the stream is full rather than dropping the entry,
// per spec.md §4.1's failure-mode note.
func (s *stream) enqueue(e Event, from, length uint64) {
	s.mu.Lock()
	for s.size == streamCapacity {
		s.notFull.Wait()
	}
	s.entries[s.in] = StreamEntry{Event: e, From: from, Len: length}
	s.queuedBytes[e] += length
	s.size++
	s.in = (s.in + 1) % streamCapacity
	s.mu.Unlock()
	s.notEmpty.Signal()
}

func (s *stream) dequeue() StreamEntry {
	s.mu.Lock()
	for s.size == 0 {
		s.notEmpty.Wait()
	}
	e := s.entries[s.out]
	s.queuedBytes[e.Event] -= e.Len
	s.size--
	s.out = (s.out + 1) % streamCapacity
	s.mu.Unlock()
	s.notFull.Signal()
	return e
}

func (s *stream) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *stream) queued(e Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes[e]
}

// Bitset is a thread-safe run-length bitmap of ceil(size/resolution) bits,
// with an optional attached event stream.
type Bitset struct {
	mu         sync.Mutex
	size       uint64
	resolution uint64
	words      []uint64

	stream        *stream
	streamEnabled bool
}

// Alloc allocates a cleared bitset for a file of size bytes, chunked at
// resolution-byte granularity. resolution must be a power of two.
func Alloc(size uint64, resolution uint64) *Bitset {
	nbits := (size + resolution - 1) / resolution
	nwords := (nbits + bitsPerWord - 1) / bitsPerWord
	if nwords == 0 {
		nwords = 1
	}
	return &Bitset{
		size:       size,
		resolution: resolution,
		words:      make([]uint64, nwords),
		stream:     newStream(),
	}
}

func (b *Bitset) bitRange(from, length uint64) (first, bitlen uint64) {
	first = from / b.resolution
	last := (from + length - 1) / b.resolution
	return first, last - first + 1
}

func bitGet(words []uint64, idx uint64) bool {
	return (words[idx/bitsPerWord]>>(idx%bitsPerWord))&1 != 0
}

func bitSet(words []uint64, idx uint64) {
	words[idx/bitsPerWord] |= 1 << (idx % bitsPerWord)
}

func bitClear(words []uint64, idx uint64) {
	words[idx/bitsPerWord] &^= 1 << (idx % bitsPerWord)
}

func setBitRange(words []uint64, from, length uint64) {
	for ; from%bitsPerWord != 0 && length > 0; length-- {
		bitSet(words, from)
		from++
	}
	for length >= bitsPerWord {
		words[from/bitsPerWord] = ^uint64(0)
		from += bitsPerWord
		length -= bitsPerWord
	}
	for ; length > 0; length-- {
		bitSet(words, from)
		from++
	}
}

func clearBitRange(words []uint64, from, length uint64) {
	for ; from%bitsPerWord != 0 && length > 0; length-- {
		bitClear(words, from)
		from++
	}
	for length >= bitsPerWord {
		words[from/bitsPerWord] = 0
		from += bitsPerWord
		length -= bitsPerWord
	}
	for ; length > 0; length-- {
		bitClear(words, from)
		from++
	}
}

// runCount returns the number of contiguous bits starting at from (bounded
// by length) that share the value of the bit at from, and that value.
func runCount(words []uint64, from, length uint64) (count uint64, isSet bool) {
	isSet = bitGet(words, from)
	var wordMatch uint64
	if isSet {
		wordMatch = ^uint64(0)
	}

	for (from+count)%bitsPerWord != 0 && length > 0 {
		if bitGet(words, from+count) == isSet {
			count++
			length--
		} else {
			return count, isSet
		}
	}

	for length >= bitsPerWord {
		if words[(from+count)/bitsPerWord] == wordMatch {
			count += bitsPerWord
			length -= bitsPerWord
		} else {
			break
		}
	}

	for ; length > 0; length-- {
		if bitGet(words, from+count) == isSet {
			count++
		} else {
			break
		}
	}

	return count, isSet
}

// SetRange sets the bits corresponding to byte range [from, from+len) and,
// if the stream is enabled, enqueues a SET event carrying the byte range.
func (b *Bitset) SetRange(from, length uint64) {
	first, bitlen := b.bitRange(from, length)
	b.mu.Lock()
	setBitRange(b.words, first, bitlen)
	enabled := b.streamEnabled
	b.mu.Unlock()
	if enabled {
		b.stream.enqueue(Set, from, length)
	}
}

// ClearRange is the complement of SetRange.
func (b *Bitset) ClearRange(from, length uint64) {
	first, bitlen := b.bitRange(from, length)
	b.mu.Lock()
	clearBitRange(b.words, first, bitlen)
	enabled := b.streamEnabled
	b.mu.Unlock()
	if enabled {
		b.stream.enqueue(Unset, from, length)
	}
}

// Set sets every bit in the bitset.
func (b *Bitset) Set() { b.SetRange(0, b.size) }

// Clear clears every bit in the bitset.
func (b *Bitset) Clear() { b.ClearRange(0, b.size) }

// RunCountEx returns the number of contiguous bytes starting at from
// (clamped to the bitset's size) sharing the value of the bit at from,
// and that value. The result is rounded to the resolution with the
// partial leading fragment subtracted, so repeated calls starting at the
// returned offset stay block-aligned.
func (b *Bitset) RunCountEx(from, length uint64) (run uint64, isSet bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from >= b.size {
		return 0, false
	}
	if length+from > b.size {
		length = b.size - from
	}
	if length == 0 {
		return 0, false
	}

	first, bitlen := b.bitRange(from, length)
	count, set := runCount(b.words, first, bitlen)
	run = count*b.resolution - (from % b.resolution)
	return run, set
}

// RunCount is RunCountEx without the set/clear flag.
func (b *Bitset) RunCount(from, length uint64) uint64 {
	run, _ := b.RunCountEx(from, length)
	return run
}

// IsSetAt reports whether the bit covering byte offset at is set.
func (b *Bitset) IsSetAt(at uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bitGet(b.words, at/b.resolution)
}

// IsClearAt is the complement of IsSetAt.
func (b *Bitset) IsClearAt(at uint64) bool {
	return !b.IsSetAt(at)
}

// Size returns the bitset's byte extent.
func (b *Bitset) Size() uint64 { return b.size }

// Resolution returns the bitset's chunk granularity in bytes.
func (b *Bitset) Resolution() uint64 { return b.resolution }

// EnableStream turns on event emission and emits a synthetic ON event
// spanning the whole bitset.
func (b *Bitset) EnableStream() {
	b.mu.Lock()
	b.streamEnabled = true
	size := b.size
	b.mu.Unlock()
	b.stream.enqueue(On, 0, size)
}

// DisableStream emits a synthetic OFF event and then turns off emission.
func (b *Bitset) DisableStream() {
	b.mu.Lock()
	size := b.size
	b.mu.Unlock()
	b.stream.enqueue(Off, 0, size)
	b.mu.Lock()
	b.streamEnabled = false
	b.mu.Unlock()
}

// StreamEnabled reports whether the event stream is currently active.
func (b *Bitset) StreamEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamEnabled
}

// StreamDequeue blocks until a stream entry is available and pops it.
func (b *Bitset) StreamDequeue() StreamEntry {
	return b.stream.dequeue()
}

// StreamSize is a best-effort count of buffered stream entries.
func (b *Bitset) StreamSize() int {
	return b.stream.len()
}

// StreamCapacity returns the fixed number of entries the stream can hold,
// used by callers (the mirror engine's half-full/quarter-full hysteresis)
// to judge fill ratio without reaching into stream internals.
func (b *Bitset) StreamCapacity() int {
	return streamCapacity
}

// QueuedBytes returns the exact sum of Len over currently-queued entries
// of the given event kind.
func (b *Bitset) QueuedBytes(e Event) uint64 {
	return b.stream.queued(e)
}
