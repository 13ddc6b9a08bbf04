// ABOUTME: Heap coordinator state, lifecycle, locking and the public allocation surface
// ABOUTME: Owns the global heap lock, the GC-done condition and the reference queues

package gcheap

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0omega/platform-dalvik/cardtable"
)

var (
	// ErrNoSource is returned by Startup when no heap source factory
	// is configured.
	ErrNoSource = errors.New("gcheap: no heap source factory")

	// ErrNoThreads is returned by Startup when no thread registry is
	// configured.
	ErrNoThreads = errors.New("gcheap: no thread registry")

	// ErrNoCollector is returned by Startup when no collector factory
	// is configured.
	ErrNoCollector = errors.New("gcheap: no collector factory")
)

// defaultWorkerWedgeLimit is how long the heap worker may sit inside a
// single finalizer before the driver declares it wedged.
const defaultWorkerWedgeLimit = 10 * time.Second

// Config is the immutable startup configuration of the heap.
type Config struct {
	// StartingSize, MaximumSize and GrowthLimit are the heap sizing
	// parameters. A zero GrowthLimit defaults to MaximumSize.
	StartingSize uint64
	MaximumSize  uint64
	GrowthLimit  uint64

	// PreVerify verifies roots and the live bitmap before each GC.
	PreVerify bool

	// PostVerify verifies roots and the live bitmap after each GC.
	PostVerify bool

	// VerifyCardTable checks the card table during the dirty re-mark.
	VerifyCardTable bool

	// AllocProfEnabled bumps allocation profile counters on every
	// allocation attempt.
	AllocProfEnabled bool

	// FinalizableCapacity bounds the finalizable table. Zero means
	// unbounded. Overflow on append is a fatal abort.
	FinalizableCapacity int

	// NewSource constructs the heap source. It returns the source and
	// the base address of the managed range.
	NewSource func(startingSize, maximumSize, growthLimit uint64) (HeapSource, uint64, error)

	// NewCollector constructs the mark-sweep engine over source. The
	// card table is the one the coordinator started for this heap.
	NewCollector func(source HeapSource, cards *cardtable.Table) (Collector, error)

	// Threads is the runtime thread registry.
	Threads Threads

	// Logf receives all heap logging, including the stable per-GC
	// summary line. Defaults to log.Printf.
	Logf func(format string, args ...any)

	// Abort is called on structural invariant failures. Defaults to a
	// panic; a real runtime installs process abort.
	Abort func(format string, args ...any)

	// SafePointHook, if set, drains deferred JIT chaining-cell patches
	// while all threads are quiescent.
	SafePointHook func()

	// TraceGCBegin and TraceGCEnd bracket the collection in the method
	// trace, if set.
	TraceGCBegin func()
	TraceGCEnd   func()

	// WorkerWedgeLimit overrides the wedged-worker watchdog timeout.
	WorkerWedgeLimit time.Duration
}

// AllocProfile is the allocation profiling counter set.
type AllocProfile struct {
	AllocCount       atomic.Uint64
	AllocSize        atomic.Uint64
	FailedAllocCount atomic.Uint64
	FailedAllocSize  atomic.Uint64
	GCCount          atomic.Uint64
}

// Heap is the garbage-collected heap coordinator. It owns the global
// heap lock, the GC-done condition, and the finalizer/reference queues;
// the heap source owns object storage.
type Heap struct {
	cfg       Config
	source    HeapSource
	collector Collector
	threads   Threads
	cards     *cardtable.Table

	// heapLock guards allocator state; gcDone is broadcast when a
	// concurrent cycle completes.
	heapLock sync.Mutex
	gcDone   *sync.Cond

	// workerLock excludes the heap worker for the duration of a cycle.
	// workerListLock guards the two worker queues; it is distinct so
	// finalizers can mutate the queues without blocking allocation.
	workerLock     sync.Mutex
	workerListLock sync.Mutex

	// running is true while any GC phase is active. Guarded by the
	// heap lock, except for the window where the driver has released
	// the lock for concurrent marking.
	running bool

	finalizableRefs         *refTable // heap lock
	pendingFinalizationRefs *refTable // worker-list lock
	referenceOperations     *refTable // worker-list lock

	discovered Discovered

	// Worker thread introspection, guarded by workerLock.
	workerCurrentObject Ptr
	workerCurrentMethod string
	workerInterpStart   time.Time

	// Monitoring dump configuration, guarded by the heap lock. The
	// sinks themselves live in the ddm registry.
	ddmHpifWhen int
	ddmHpsgWhen int
	ddmHpsgWhat int
	ddmNhsgWhen int
	ddmNhsgWhat int

	preallocOOM atomic.Uint64

	prof AllocProfile

	shutdown bool
}

// Startup constructs the GC heap. Any failure tears down partial state
// and returns an error.
func Startup(cfg Config) (*Heap, error) {
	if cfg.NewSource == nil {
		return nil, ErrNoSource
	}
	if cfg.Threads == nil {
		return nil, ErrNoThreads
	}
	if cfg.NewCollector == nil {
		return nil, ErrNoCollector
	}
	if cfg.GrowthLimit == 0 {
		cfg.GrowthLimit = cfg.MaximumSize
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Abort == nil {
		cfg.Abort = func(format string, args ...any) {
			panic(fmt.Sprintf(format, args...))
		}
	}
	if cfg.WorkerWedgeLimit == 0 {
		cfg.WorkerWedgeLimit = defaultWorkerWedgeLimit
	}

	source, base, err := cfg.NewSource(cfg.StartingSize, cfg.MaximumSize, cfg.GrowthLimit)
	if err != nil {
		return nil, fmt.Errorf("heap source startup: %w", err)
	}

	cards, err := cardtable.Startup(base, cfg.MaximumSize)
	if err != nil {
		source.Shutdown()
		return nil, fmt.Errorf("card table startup: %w", err)
	}

	collector, err := cfg.NewCollector(source, cards)
	if err != nil {
		cards.Shutdown()
		source.Shutdown()
		return nil, fmt.Errorf("collector startup: %w", err)
	}

	h := &Heap{
		cfg:                     cfg,
		source:                  source,
		collector:               collector,
		threads:                 cfg.Threads,
		cards:                   cards,
		finalizableRefs:         newRefTable(cfg.FinalizableCapacity),
		pendingFinalizationRefs: newRefTable(0),
		referenceOperations:     newRefTable(0),
	}
	h.gcDone = sync.NewCond(&h.heapLock)
	return h, nil
}

// StartupAfterFork is the follow-up call into the heap source once the
// child process has forked from the template process.
func (h *Heap) StartupAfterFork() error {
	return h.source.StartupAfterFork()
}

// Shutdown tears down the card table, releases the reference tables and
// destroys the heap source. Outstanding pointers become invalid, but
// IsValidObject stays safe to call.
func (h *Heap) Shutdown() {
	h.LockHeap()
	defer h.UnlockHeap()
	if h.shutdown {
		return
	}
	h.shutdown = true
	h.cards.Shutdown()

	// The tables live on the native heap; release them explicitly so a
	// long-lived process does not leak them.
	h.finalizableRefs.clear()
	h.workerListLock.Lock()
	h.pendingFinalizationRefs.clear()
	h.referenceOperations.clear()
	h.workerListLock.Unlock()

	h.source.Shutdown()
}

// ThreadShutdown stops any threads internal to the heap.
func (h *Heap) ThreadShutdown() {
	h.source.ThreadShutdown()
}

// Cards returns the card table for the mutator write barrier.
func (h *Heap) Cards() *cardtable.Table { return h.cards }

// Source returns the heap source.
func (h *Heap) Source() HeapSource { return h.source }

// Profile returns the allocation profiling counters.
func (h *Heap) Profile() *AllocProfile { return &h.prof }

// SetPreallocatedOOM installs the pre-built, stack-traceless
// out-of-memory object used when throwing cannot allocate.
func (h *Heap) SetPreallocatedOOM(obj Ptr) {
	h.preallocOOM.Store(uint64(obj))
}

// LockHeap grabs the heap lock. If the lock is contended the calling
// thread moves to ThreadVMWait before blocking so it does not appear
// runnable to the suspend protocol, then restores its prior status.
func (h *Heap) LockHeap() {
	if h.heapLock.TryLock() {
		return
	}
	if self := h.threads.Self(); self != nil {
		old := self.ChangeStatus(ThreadVMWait)
		h.heapLock.Lock()
		self.ChangeStatus(old)
		return
	}
	h.heapLock.Lock()
}

// UnlockHeap releases the heap lock.
func (h *Heap) UnlockHeap() {
	h.heapLock.Unlock()
}

// Malloc allocates size bytes of zeroed, 8-byte aligned storage on the
// GC heap. On failure it returns 0 with an out-of-memory error set on
// the current thread.
func (h *Heap) Malloc(size uint64, flags AllocFlags) Ptr {
	h.LockHeap()

	ptr := h.tryMalloc(size)
	if ptr != 0 {
		if flags&AllocFinalizable != 0 {
			// The object's class overrides finalize(); it must be on
			// the finalizable list before Malloc returns.
			if err := h.finalizableRefs.add(ptr); err != nil {
				h.abortf("Malloc(): no room for any more finalizable objects")
			}
		}
		if h.cfg.AllocProfEnabled {
			h.prof.AllocCount.Add(1)
			h.prof.AllocSize.Add(size)
		}
	} else {
		if h.cfg.AllocProfEnabled {
			h.prof.FailedAllocCount.Add(1)
			h.prof.FailedAllocSize.Add(size)
		}
	}

	h.UnlockHeap()

	if ptr != 0 {
		// The tracking table itself allocates, so the insert happens
		// after the heap lock is dropped.
		if flags&AllocDontTrack == 0 {
			if self := h.threads.Self(); self != nil {
				self.AddTrackedAlloc(ptr)
			}
		}
	} else {
		h.throwOOM()
	}
	return ptr
}

// IsValidObject reports whether ptr points to a valid allocated object:
// 8-byte aligned and known to the heap source. Lock-free; no false
// negatives for fully-published pointers.
func (h *Heap) IsValidObject(ptr Ptr) bool {
	if ptr == 0 || ptr%Alignment != 0 {
		return false
	}
	// Even unlocked this cannot return a false negative: the only
	// concurrent mutation is allocation, and the bit RMW completes
	// before the pointer is published. Frees happen only during sweep
	// with the heap locked or over spans no mutator can reach.
	return h.source.Contains(ptr)
}

// ObjectSize returns the exact size of the chunk backing ptr.
func (h *Heap) ObjectSize(ptr Ptr) uint64 {
	return h.source.ChunkSize(ptr)
}

// CollectGarbage runs an explicit collection. If a concurrent cycle is
// in flight it waits for it to finish first.
func (h *Heap) CollectGarbage(clearSoftRefs bool, reason GcReason) {
	h.LockHeap()
	h.WaitForConcurrentGCToComplete()
	h.collectGarbageInternal(clearSoftRefs, reason)
	h.UnlockHeap()
}

// ConcurrentGC is the asynchronous trigger entry point. It runs a
// concurrent cycle unless one is already active.
func (h *Heap) ConcurrentGC() {
	h.LockHeap()
	if !h.running {
		h.collectGarbageInternal(false, GCConcurrent)
	}
	h.UnlockHeap()
}

// WaitForConcurrentGCToComplete blocks until no cycle is running. The
// caller must hold the heap lock; the wait atomically releases it and
// reacquires it, with the thread parked in ThreadVMWait so the suspend
// protocol stays honest. Spurious wakeups re-check running.
func (h *Heap) WaitForConcurrentGCToComplete() {
	self := h.threads.Self()
	for h.running {
		if self != nil {
			old := self.ChangeStatus(ThreadVMWait)
			h.gcDone.Wait()
			self.ChangeStatus(old)
		} else {
			h.gcDone.Wait()
		}
	}
}

func (h *Heap) logf(format string, args ...any) {
	h.cfg.Logf(format, args...)
}

func (h *Heap) abortf(format string, args ...any) {
	h.cfg.Abort(format, args...)
}
