// ABOUTME: Reference in-memory page-managed heap source
// ABOUTME: First-fit free-span allocator with live+mark bitmaps, utilization growth and trim scheduling

package memsource

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0omega/platform-dalvik/cardtable"
	"github.com/0omega/platform-dalvik/gcheap"
	"github.com/0omega/platform-dalvik/heapbitmap"
	"github.com/0omega/platform-dalvik/marksweep"
)

// Base is the first address of the managed range. Object addresses are
// 8-byte aligned offsets from it.
const Base uint64 = 0x1000_0000

// minChunk is the smallest chunk handed out; zero-byte requests get one.
const minChunk = 8

// utilization is the target live-to-footprint ratio the ideal
// footprint is adjusted toward after each collection.
const utilization = 0.5

// concurrentStart is how far below the soft limit the occupancy
// trigger fires a concurrent collection.
const concurrentStart = 128 * 1024

// ErrBadSizes is returned by New for inconsistent sizing.
var ErrBadSizes = errors.New("memsource: inconsistent heap sizes")

type object struct {
	size     uint64
	kind     marksweep.RefKind
	referent gcheap.Ptr
	fields   []gcheap.Ptr
}

// span is one contiguous free address range.
type span struct {
	start uint64
	size  uint64
}

// Source is an in-memory heap source. It implements gcheap.HeapSource,
// marksweep.Space and gcheap.ChunkWalker. Storage is simulated: chunks
// are address ranges with per-object metadata, which is all the
// coordinator and the collector ever observe.
type Source struct {
	mu sync.Mutex

	startingSize uint64
	maximumSize  uint64
	growthLimit  uint64

	// idealFootprint is the soft limit Alloc observes; footprint is
	// the committed high-water mark.
	idealFootprint uint64
	footprint      uint64
	bytesAllocated uint64

	objects map[gcheap.Ptr]*object
	// spans are the free address ranges, sorted by start and coalesced
	// with their neighbors, so large allocations survive churn.
	spans   []span
	marking bool

	// livePtr is read lock-free by Contains; the bitmap swap publishes
	// a new live set with a single pointer store.
	livePtr  atomic.Pointer[heapbitmap.Bitmap]
	markBits *heapbitmap.Bitmap

	cards *cardtable.Table

	concTrigger   func()
	concThreshold uint64
	concArmed     bool

	trimTimer *time.Timer
	trimCount int

	shutdown bool
}

// New constructs a source with the given sizing. It returns the source
// and the base address of the managed range, matching the coordinator's
// factory signature.
func New(startingSize, maximumSize, growthLimit uint64) (*Source, uint64, error) {
	if maximumSize == 0 || startingSize > maximumSize || growthLimit > maximumSize {
		return nil, 0, ErrBadSizes
	}
	if growthLimit == 0 {
		growthLimit = maximumSize
	}
	s := &Source{
		startingSize:   startingSize,
		maximumSize:    maximumSize,
		growthLimit:    growthLimit,
		idealFootprint: startingSize,
		footprint:      startingSize,
		objects:        make(map[gcheap.Ptr]*object),
		spans:          []span{{start: Base, size: maximumSize}},
		markBits:       heapbitmap.New(Base, maximumSize),
	}
	s.livePtr.Store(heapbitmap.New(Base, maximumSize))
	return s, Base, nil
}

// AttachCards installs the card table the write barrier dirties.
func (s *Source) AttachCards(t *cardtable.Table) {
	s.mu.Lock()
	s.cards = t
	s.mu.Unlock()
}

// SetConcurrentTrigger installs the callback fired (once per arming)
// when allocation crosses the occupancy threshold.
func (s *Source) SetConcurrentTrigger(fn func()) {
	s.mu.Lock()
	s.concTrigger = fn
	s.rearmTriggerLocked()
	s.mu.Unlock()
}

func (s *Source) rearmTriggerLocked() {
	if s.idealFootprint > concurrentStart {
		s.concThreshold = s.idealFootprint - concurrentStart
	} else {
		s.concThreshold = s.idealFootprint / 2
	}
	s.concArmed = s.concTrigger != nil
}

func roundSize(size uint64) uint64 {
	if size < minChunk {
		size = minChunk
	}
	return (size + gcheap.Alignment - 1) &^ (gcheap.Alignment - 1)
}

// allocLocked carves a chunk under limit, first-fit from the free
// spans.
func (s *Source) allocLocked(size, limit uint64) gcheap.Ptr {
	if s.shutdown {
		return 0
	}
	rsize := roundSize(size)
	if s.bytesAllocated+rsize > limit {
		return 0
	}

	var ptr gcheap.Ptr
	for i := range s.spans {
		if s.spans[i].size < rsize {
			continue
		}
		ptr = gcheap.Ptr(s.spans[i].start)
		s.spans[i].start += rsize
		s.spans[i].size -= rsize
		if s.spans[i].size == 0 {
			s.spans = append(s.spans[:i], s.spans[i+1:]...)
		}
		break
	}
	if ptr == 0 {
		return 0
	}

	s.objects[ptr] = &object{size: rsize}
	s.bytesAllocated += rsize
	if s.bytesAllocated > s.footprint {
		s.footprint = s.bytesAllocated
	}

	s.livePtr.Load().Set(uint64(ptr))
	if s.marking {
		// Objects born during a cycle survive it.
		s.markBits.Set(uint64(ptr))
	}

	if s.concArmed && !s.marking && s.bytesAllocated > s.concThreshold {
		s.concArmed = false
		go s.concTrigger()
	}
	return ptr
}

// Alloc returns a zeroed chunk under the soft limit, or 0.
func (s *Source) Alloc(size uint64) gcheap.Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(size, s.idealFootprint)
}

// AllocAndGrow is Alloc with permission to raise the soft limit up to
// the growth limit.
func (s *Source) AllocAndGrow(size uint64) gcheap.Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ptr := s.allocLocked(size, s.idealFootprint); ptr != 0 {
		return ptr
	}
	needed := s.bytesAllocated + roundSize(size)
	if needed > s.growthLimit {
		return 0
	}
	if needed > s.idealFootprint {
		s.idealFootprint = needed
	}
	return s.allocLocked(size, s.idealFootprint)
}

// Contains reports whether ptr is a live chunk. Lock-free: reads the
// published live bitmap.
func (s *Source) Contains(ptr gcheap.Ptr) bool {
	return s.livePtr.Load().Test(uint64(ptr))
}

// ChunkSize returns the exact chunk size, or 0 for an unknown pointer.
func (s *Source) ChunkSize(ptr gcheap.Ptr) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj := s.objects[ptr]; obj != nil {
		return obj.size
	}
	return 0
}

// SwapBitmaps publishes the mark bitmap as the new live set. The
// retired live bitmap becomes the next mark bitmap.
func (s *Source) SwapBitmaps() {
	s.mu.Lock()
	old := s.livePtr.Load()
	s.livePtr.Store(s.markBits)
	s.markBits = old
	s.mu.Unlock()
}

// Stat returns the named statistic.
func (s *Source) Stat(kind gcheap.StatKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case gcheap.StatBytesAllocated:
		return s.bytesAllocated
	case gcheap.StatFootprint:
		return s.footprint
	case gcheap.StatIdealFootprint:
		return s.idealFootprint
	case gcheap.StatObjectsAllocated:
		return uint64(len(s.objects))
	}
	return 0
}

// GrowForUtilization retargets the soft limit toward the configured
// live-to-footprint ratio and re-arms the concurrent trigger.
func (s *Source) GrowForUtilization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := uint64(float64(s.bytesAllocated) / utilization)
	if target < s.startingSize {
		target = s.startingSize
	}
	if target > s.growthLimit {
		target = s.growthLimit
	}
	s.idealFootprint = target
	s.rearmTriggerLocked()
}

// ScheduleTrim arms a deferred trim, cancelling any pending one.
func (s *Source) ScheduleTrim(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trimTimer != nil {
		s.trimTimer.Stop()
	}
	s.trimTimer = time.AfterFunc(delay, s.trim)
}

// trim releases free pages back to the OS: the committed footprint
// falls back to what is actually in use.
func (s *Source) trim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.footprint = s.bytesAllocated
	if s.footprint < s.startingSize {
		s.footprint = s.startingSize
	}
	s.trimCount++
}

// TrimCount reports how many trims have run.
func (s *Source) TrimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimCount
}

// StartupAfterFork re-arms per-process state in the forked child.
func (s *Source) StartupAfterFork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rearmTriggerLocked()
	return nil
}

// Shutdown destroys the heap. Outstanding pointers become invalid but
// Contains stays safe to call.
func (s *Source) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	if s.trimTimer != nil {
		s.trimTimer.Stop()
	}
	s.objects = nil
	s.spans = nil
	s.bytesAllocated = 0
	s.livePtr.Load().Reset()
	s.markBits.Reset()
}

// ThreadShutdown stops the trim timer. A trim already running is not
// waited for.
func (s *Source) ThreadShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trimTimer != nil {
		s.trimTimer.Stop()
		s.trimTimer = nil
	}
}

// LiveBits returns the published live bitmap.
func (s *Source) LiveBits() *heapbitmap.Bitmap {
	return s.livePtr.Load()
}

// MarkBits returns the in-progress mark bitmap.
func (s *Source) MarkBits() *heapbitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markBits
}

// BeginMarking opens the born-marked window: chunks allocated while a
// cycle traces are created already marked.
func (s *Source) BeginMarking() {
	s.mu.Lock()
	s.marking = true
	s.mu.Unlock()
}

// EndMarking closes the born-marked window.
func (s *Source) EndMarking() {
	s.mu.Lock()
	s.marking = false
	s.mu.Unlock()
}

// Free reclaims the chunk at ptr, returning its size. The range goes
// back to the free spans, coalescing with adjacent ones. Safe to call
// while other threads allocate: the sweep only frees chunks no mutator
// can reach.
func (s *Source) Free(ptr gcheap.Ptr) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[ptr]
	if obj == nil {
		return 0
	}
	delete(s.objects, ptr)
	s.bytesAllocated -= obj.size
	s.insertSpanLocked(uint64(ptr), obj.size)
	s.livePtr.Load().Clear(uint64(ptr))
	return obj.size
}

// insertSpanLocked returns [start, start+size) to the free spans,
// merging with the previous and next span when adjacent.
func (s *Source) insertSpanLocked(start, size uint64) {
	i := sort.Search(len(s.spans), func(i int) bool {
		return s.spans[i].start > start
	})
	// Merge with the previous span.
	if i > 0 && s.spans[i-1].start+s.spans[i-1].size == start {
		s.spans[i-1].size += size
		// And with the next, if the gap just closed.
		if i < len(s.spans) && s.spans[i-1].start+s.spans[i-1].size == s.spans[i].start {
			s.spans[i-1].size += s.spans[i].size
			s.spans = append(s.spans[:i], s.spans[i+1:]...)
		}
		return
	}
	// Merge with the next span.
	if i < len(s.spans) && start+size == s.spans[i].start {
		s.spans[i].start = start
		s.spans[i].size += size
		return
	}
	s.spans = append(s.spans, span{})
	copy(s.spans[i+1:], s.spans[i:])
	s.spans[i] = span{start: start, size: size}
}

// SetField stores val into the idx'th reference field of obj, growing
// the field array as needed. This is the mutator reference store: the
// write barrier dirties the card of the stored-into object.
func (s *Source) SetField(obj gcheap.Ptr, idx int, val gcheap.Ptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[obj]
	if o == nil {
		return
	}
	for len(o.fields) <= idx {
		o.fields = append(o.fields, 0)
	}
	o.fields[idx] = val
	if s.cards != nil {
		s.cards.Dirty(uint64(obj))
	}
}

// Pointers returns a copy of the reference fields of obj, excluding
// the referent of a reference-kind object.
func (s *Source) Pointers(obj gcheap.Ptr) []gcheap.Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[obj]
	if o == nil || len(o.fields) == 0 {
		return nil
	}
	out := make([]gcheap.Ptr, len(o.fields))
	copy(out, o.fields)
	return out
}

// SetReferenceKind declares obj to be a reference object of the given
// kind with the given referent.
func (s *Source) SetReferenceKind(obj gcheap.Ptr, kind marksweep.RefKind, referent gcheap.Ptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[obj]
	if o == nil {
		return
	}
	o.kind = kind
	o.referent = referent
	if s.cards != nil {
		s.cards.Dirty(uint64(obj))
	}
}

// Kind returns the reference kind of obj.
func (s *Source) Kind(obj gcheap.Ptr) marksweep.RefKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.objects[obj]; o != nil {
		return o.kind
	}
	return marksweep.KindOrdinary
}

// Referent returns the referent of a reference-kind object, or 0.
func (s *Source) Referent(obj gcheap.Ptr) gcheap.Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.objects[obj]; o != nil {
		return o.referent
	}
	return 0
}

// ClearReferent nulls the referent of a reference-kind object.
func (s *Source) ClearReferent(obj gcheap.Ptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.objects[obj]; o != nil {
		o.referent = 0
	}
}

// WalkChunks enumerates allocated chunks in address order. The callback
// runs with the allocator locked and must not call back into the
// source.
func (s *Source) WalkChunks(fn func(addr gcheap.Ptr, size uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]gcheap.Ptr, 0, len(s.objects))
	for ptr := range s.objects {
		addrs = append(addrs, ptr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, ptr := range addrs {
		fn(ptr, s.objects[ptr].size)
	}
}
