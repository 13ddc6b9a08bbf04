// ABOUTME: Out-of-memory escalation with recursion guarding
// ABOUTME: Throws a fresh OOME or installs the pre-built stackless one

package gcheap

// throwOOM throws an OutOfMemoryError on the current thread, avoiding
// recursion. The caller must not hold the heap lock: throwing
// allocates, and the allocation would deadlock.
func (h *Heap) throwOOM() {
	self := h.threads.Self()
	if self == nil {
		return
	}
	// An allocation that fails during thread attach cannot rely on the
	// thread-local tracked-allocation table, and the thread has no
	// useful stack yet, so it gets the stackless pre-built OOME. The
	// same goes for a thread already throwing one: we're running out
	// of memory while recursively trying to throw.
	if self.OnThreadList() && !self.ThrowingOOME() {
		self.SetThrowingOOME(true)
		// No description string; one fewer allocation.
		self.ThrowOutOfMemory("")
		self.SetThrowingOOME(false)
		return
	}
	self.SetException(Ptr(h.preallocOOM.Load()))
}

// ThrowBadAlloc reports an allocation that can never succeed, such as
// an array so large that length times element width overflows. The
// language guarantees softly reachable objects are cleared before an
// OOME from an allocation that fails for lack of space; it is unclear
// whether that extends to impossible requests, so this just throws.
func (h *Heap) ThrowBadAlloc(msg string) {
	if self := h.threads.Self(); self != nil {
		self.ThrowOutOfMemory(msg)
	}
}
