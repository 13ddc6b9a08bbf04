// ABOUTME: The GC driver orchestrating one mark-sweep cycle
// ABOUTME: Mode selection, suspension phases, concurrent handshake, reference processing, resize

package gcheap

import "time"

// invalidPriority marks "no priority saved".
const invalidPriority = 10000

// trimDelay is how long after a collection the source waits before
// releasing free pages. The delay avoids page-fault thrashing if the
// process immediately re-allocates.
const trimDelay = 5 * time.Second

func (h *Heap) verifyRootsAndHeap() {
	if err := h.collector.Verify(); err != nil {
		h.abortf("heap verification failed: %v", err)
	}
}

// collectGarbageInternal runs one collection cycle. The heap lock must
// be held. A request arriving while a cycle is running is a recursive
// entry and returns with a warning.
//
// For a concurrent cycle the driver releases the heap lock and resumes
// mutators twice: once while tracing from the roots, once while
// sweeping. Mutators that fault on allocation during those windows
// block on the GC-done condition.
func (h *Heap) collectGarbageInternal(clearSoftRefs bool, reason GcReason) {
	if h.running {
		h.logf("heap: Attempted recursive GC")
		return
	}

	mode := GCFull
	if reason == GCForMalloc {
		mode = GCPartial
	}
	h.running = true

	// Keep the heap worker from starting new work. If it's executing a
	// finalizer or an enqueue operation it won't be holding this, so
	// this should return quickly.
	h.workerLock.Lock()

	h.threads.SuspendAll(SuspendForGC)
	rootStart := time.Now()

	// If we are not marking concurrently, raise the priority of the
	// thread performing the collection so a background mutator doesn't
	// hold the world stopped longer than it must.
	oldPriority := invalidPriority
	if reason != GCConcurrent {
		oldPriority = h.boostPriority()
		defer h.restorePriority(oldPriority)
	}

	// A worker wedged inside a finalizer would deadlock the exclusion
	// above; better to find out now.
	h.assertWorkerRunning()

	// Freeze the finalizer queues while the marker inspects them.
	// Acquired after suspending so the worker can't block in the
	// running state while we try to suspend.
	h.workerListLock.Lock()

	if h.cfg.PreVerify {
		h.logf("heap: Verifying roots and heap before GC")
		h.verifyRootsAndHeap()
	}

	if h.cfg.TraceGCBegin != nil {
		h.cfg.TraceGCBegin()
	}

	if err := h.collector.BeginMarkStep(mode); err != nil {
		h.abortf("BeginMarkStep failed: %v; aborting", err)
	}

	// Mark the set of objects that are strongly reachable from the
	// roots, and reset the per-cycle discovered lists the scan fills.
	h.collector.MarkRoots()
	h.discovered.reset()

	var rootEnd, dirtyStart, dirtyEnd time.Time
	if reason == GCConcurrent {
		// Resume threads while tracing from the roots. The heap is
		// unlocked so mutators can allocate from free space; the write
		// barrier dirties cards on reference writes.
		rootEnd = time.Now()
		h.cards.Clear()
		h.UnlockHeap()
		h.threads.ResumeAll(SuspendForGC)
	}

	h.collector.ScanMarked(&h.discovered)

	if reason == GCConcurrent {
		// Final thread suspension for the dirty-card scan.
		h.LockHeap()
		h.threads.SuspendAll(SuspendForGC)
		dirtyStart = time.Now()
		// No barrier intercepts root updates, so all roots may be gray
		// and must be re-marked.
		h.collector.ReMarkRoots()
		// With the exception of reference objects and weak interned
		// strings, all gray objects should now be on dirty cards.
		if h.cfg.VerifyCardTable {
			if err := h.collector.VerifyCardTable(); err != nil {
				h.abortf("card table verification failed: %v", err)
			}
		}
		h.collector.ReScanMarked(&h.discovered)
	}

	// All strongly-reachable objects are marked. Hand the weakly-
	// reachable ones to the reference processor and apply its verdict
	// to the worker queues; both locks are held here.
	outcome := h.collector.ProcessReferences(RefProcessing{
		Discovered:    &h.discovered,
		ClearSoftRefs: clearSoftRefs,
		Finalizable:   h.finalizableRefs.snapshot(),
	})
	h.finalizableRefs.replace(outcome.SurvivingFinalizable)
	for _, obj := range outcome.PendingFinalization {
		if err := h.pendingFinalizationRefs.add(obj); err != nil {
			h.abortf("no room for pending finalizations")
		}
	}
	for _, obj := range outcome.ReferenceOps {
		if err := h.referenceOperations.add(obj); err != nil {
			h.abortf("no room for reference operations")
		}
	}

	// Patching a JIT chaining cell is cheap; stopping the world for it
	// is not. Deferred patches drain here, in a window where every
	// thread is already quiescent.
	if h.cfg.SafePointHook != nil {
		h.cfg.SafePointHook()
	}

	h.collector.SweepSystemWeaks()

	// Live objects have a bit set in the mark bitmap. Swapping the
	// bitmaps publishes the new live set and lets the sweep proceed
	// concurrently, viewing the new live bitmap as the old mark bitmap
	// and vice versa.
	h.source.SwapBitmaps()

	if h.cfg.PostVerify {
		h.logf("heap: Verifying roots and heap after GC")
		h.verifyRootsAndHeap()
	}

	if reason == GCConcurrent {
		dirtyEnd = time.Now()
		h.UnlockHeap()
		h.threads.ResumeAll(SuspendForGC)
	}
	_, bytesFreed := h.collector.SweepUnmarked(mode, reason == GCConcurrent)
	h.collector.FinishMarkStep()
	if reason == GCConcurrent {
		h.LockHeap()
	}

	// Now's a good time to adjust the heap size, since we know what
	// our utilization is. This doesn't resize any memory; it lets the
	// heap grow more when necessary.
	h.source.GrowForUtilization()

	currAllocated := h.source.Stat(StatBytesAllocated)
	currFootprint := h.source.Stat(StatFootprint)

	// Return large free chunks back to the system, but not
	// immediately: cancel any old scheduled trim and push it out.
	h.source.ScheduleTrim(trimDelay)

	if h.cfg.TraceGCEnd != nil {
		h.cfg.TraceGCEnd()
	}

	h.running = false

	h.workerListLock.Unlock()
	h.workerLock.Unlock()

	if reason == GCConcurrent {
		// Wake up threads that blocked after a failed allocation.
		h.gcDone.Broadcast()
	}

	if reason != GCConcurrent {
		dirtyEnd = time.Now()
		h.threads.ResumeAll(SuspendForGC)
	}

	var percentFree uint64
	if currFootprint > 0 {
		percentFree = 100 - uint64(100.0*float64(currAllocated)/float64(currFootprint))
	}
	freedK := uint64(0)
	if bytesFreed > 0 {
		freedK = max(bytesFreed/1024, 1)
	}
	small := ""
	if bytesFreed > 0 && bytesFreed < 1024 {
		small = "<"
	}
	if reason != GCConcurrent {
		markSweepTime := dirtyEnd.Sub(rootStart)
		h.logf("%s freed %s%dK, %d%% free %dK/%dK, paused %dms",
			reason, small, freedK, percentFree,
			currAllocated/1024, currFootprint/1024,
			markSweepTime.Milliseconds())
	} else {
		rootTime := rootEnd.Sub(rootStart)
		dirtyTime := dirtyEnd.Sub(dirtyStart)
		h.logf("%s freed %s%dK, %d%% free %dK/%dK, paused %dms+%dms",
			reason, small, freedK, percentFree,
			currAllocated/1024, currFootprint/1024,
			rootTime.Milliseconds(), dirtyTime.Milliseconds())
	}

	h.ddmAfterGC()
}

// boostPriority raises the current thread to normal priority if it is
// worse, moving it to the foreground scheduling group if it was in
// background. Returns the prior priority for restoration, or
// invalidPriority if nothing was changed.
func (h *Heap) boostPriority() int {
	prio, err := h.threads.Priority()
	if err != nil {
		h.logf("heap: Priority(self) failed: %v", err)
		return invalidPriority
	}
	// Numerically greater than normal means lower priority.
	if prio <= PriorityNormal {
		return invalidPriority
	}
	if prio >= PriorityBackground {
		_ = h.threads.SetSchedPolicy(SchedForeground)
	}
	if err := h.threads.SetPriority(PriorityNormal); err != nil {
		h.logf("heap: Unable to elevate priority from %d to %d: %v",
			prio, PriorityNormal, err)
		return invalidPriority
	}
	return prio
}

// restorePriority undoes boostPriority on every exit of the cycle.
func (h *Heap) restorePriority(oldPriority int) {
	if oldPriority == invalidPriority {
		return
	}
	if err := h.threads.SetPriority(oldPriority); err != nil {
		h.logf("heap: Unable to reset priority to %d: %v", oldPriority, err)
	}
	if oldPriority >= PriorityBackground {
		_ = h.threads.SetSchedPolicy(SchedBackground)
	}
}
