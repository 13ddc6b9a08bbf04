// ABOUTME: Mark-sweep engine contract consumed by the GC driver
// ABOUTME: Defines the Collector interface and reference-processing exchange types

package gcheap

// RefProcessing is the input to a reference-processing pass. It carries
// the per-cycle discovered lists, the soft-reference policy, and the
// current set of live finalizable objects.
type RefProcessing struct {
	Discovered    *Discovered
	ClearSoftRefs bool
	Finalizable   []Ptr
}

// RefOutcome is what reference processing decided. The driver applies
// it to the worker queues under the worker-list lock.
type RefOutcome struct {
	// SurvivingFinalizable are still-reachable finalizable objects;
	// they remain on the finalizable list.
	SurvivingFinalizable []Ptr

	// PendingFinalization are objects unreachable except for their
	// finalizer; the engine has resurrected them for one more cycle.
	PendingFinalization []Ptr

	// ReferenceOps are reference objects awaiting a user-visible
	// enqueue.
	ReferenceOps []Ptr
}

// Collector is the mark-sweep engine. The driver calls it with the heap
// lock held except where a phase explicitly runs concurrently.
type Collector interface {
	// BeginMarkStep sets up the marking context for mode. A failure
	// here leaves the heap unrecoverable.
	BeginMarkStep(mode GcMode) error

	// MarkRoots marks the set of objects strongly reachable from the
	// roots.
	MarkRoots()

	// ReMarkRoots conservatively re-marks all roots during the dirty
	// re-suspend; no barrier intercepts root updates.
	ReMarkRoots()

	// ScanMarked recursively marks everything marked objects point to
	// strongly, appending reference objects to d instead of marking
	// their referents.
	ScanMarked(d *Discovered)

	// ReScanMarked traces gray objects reachable through dirty cards
	// after a concurrent mark.
	ReScanMarked(d *Discovered)

	// ProcessReferences handles softly-, weakly- and phantom-reachable
	// objects discovered while tracing, and splits the finalizable set
	// into survivors and pending finalizations.
	ProcessReferences(rp RefProcessing) RefOutcome

	// SweepSystemWeaks sweeps runtime-internal weak tables such as the
	// intern table.
	SweepSystemWeaks()

	// SweepUnmarked frees every chunk that is not in the new live set.
	// With concurrent set, it must tolerate mutators allocating from
	// spans it is not currently sweeping.
	SweepUnmarked(mode GcMode, concurrent bool) (objectsFreed, bytesFreed uint64)

	// FinishMarkStep tears down the marking context and prepares the
	// retired bitmap for the next cycle.
	FinishMarkStep()

	// Verify checks the roots and the live bitmap. Non-nil means the
	// heap is corrupt.
	Verify() error

	// VerifyCardTable checks that every gray object is on a dirty
	// card, modulo reference objects and weak interned strings.
	VerifyCardTable() error
}
