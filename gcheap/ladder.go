// ABOUTME: The five-step allocation recovery ladder bridging mutators to the collector
// ABOUTME: Fast path, concurrent-GC wait, foreground GC, grow, soft-reference reclamation

package gcheap

// gcForMalloc runs a foreground collection on behalf of a failed
// allocation. This may adjust the soft limit as a side effect.
func (h *Heap) gcForMalloc(clearSoftRefs bool) {
	if h.cfg.AllocProfEnabled {
		h.prof.GCCount.Add(1)
	}
	h.collectGarbageInternal(clearSoftRefs, GCForMalloc)
}

// tryMalloc tries as hard as possible to allocate size bytes. Caller
// holds the heap lock. Returning 0 commits the caller to throwing an
// out-of-memory error.
func (h *Heap) tryMalloc(size uint64) Ptr {
	// Don't try too hard if there's no way the allocation is going to
	// succeed. SoftReferences still have to be collected before an
	// OOME, though.
	if size >= h.cfg.GrowthLimit {
		h.logf("heap: Malloc(%d/%#x): someone's allocating a huge buffer", size, size)
		return h.collectSoftRefsAndRetry(size)
	}

	ptr := h.source.Alloc(size)
	if ptr != 0 {
		return ptr
	}

	// The allocation failed. If a concurrent GC is tracing the heap,
	// wait for it to complete and retry.
	if h.running {
		h.WaitForConcurrentGCToComplete()
		if ptr = h.source.Alloc(size); ptr != 0 {
			return ptr
		}
	}

	// Another failure. Our thread was starved or there may be too many
	// live objects. Try a foreground GC.
	h.gcForMalloc(false)
	if ptr = h.source.Alloc(size); ptr != 0 {
		return ptr
	}

	// Even that didn't work; this is an exceptional state. Try harder,
	// growing the heap if necessary.
	if ptr = h.source.AllocAndGrow(size); ptr != 0 {
		newFootprint := h.source.Stat(StatIdealFootprint)
		h.logf("heap: Grow heap (frag case) to %d.%03dMB for %d-byte allocation",
			newFootprint/(1<<20), (newFootprint%(1<<20))*1000/(1<<20), size)
		return ptr
	}

	// The heap is really full, really fragmented, or the requested
	// size is really big. The language contract requires all softly
	// reachable objects to be cleared before an OOME is thrown.
	return h.collectSoftRefsAndRetry(size)
}

func (h *Heap) collectSoftRefsAndRetry(size uint64) Ptr {
	h.logf("heap: Forcing collection of SoftReferences for %d-byte allocation", size)
	h.gcForMalloc(true)
	if ptr := h.source.AllocAndGrow(size); ptr != 0 {
		return ptr
	}
	h.logf("heap: Out of memory on a %d-byte allocation.", size)
	return 0
}
