// ABOUTME: Worker hand-off queue for finalizations and reference enqueue operations
// ABOUTME: Dequeue ordering, worker introspection and the wedged-worker watchdog

package gcheap

import "time"

// NextWorkerObject pops the next object needing worker attention and
// the operation to perform on it, or 0 and WorkerNone if both queues
// are empty. Reference enqueues strictly precede finalizations so a
// finalizer cannot resurrect an object whose reference clear would
// otherwise race. The dequeued object is added to the caller's
// tracked-allocation set; the caller releases the claim when done.
//
// Typically only called by the heap worker thread.
func (h *Heap) NextWorkerObject() (Ptr, WorkerOp) {
	h.workerListLock.Lock()
	defer h.workerListLock.Unlock()

	op := WorkerNone
	obj := h.referenceOperations.next()
	if obj != 0 {
		op = WorkerEnqueue
	} else if obj = h.pendingFinalizationRefs.next(); obj != 0 {
		op = WorkerFinalize
	}

	if obj != 0 {
		// Don't let the GC collect the object until the worker thread
		// is done with it.
		if self := h.threads.Self(); self != nil {
			self.AddTrackedAlloc(obj)
		}
	}
	return obj, op
}

// LockWorker excludes the heap worker from starting new work. Used by
// the driver for the duration of a cycle.
func (h *Heap) LockWorker() { h.workerLock.Lock() }

// UnlockWorker releases the worker exclusion lock.
func (h *Heap) UnlockWorker() { h.workerLock.Unlock() }

// SetWorkerCurrent records what the worker thread is executing. The
// worker calls this around each finalizer or enqueue so the driver's
// watchdog can tell a long finalizer from a wedged one.
func (h *Heap) SetWorkerCurrent(obj Ptr, method string) {
	h.workerLock.Lock()
	h.workerCurrentObject = obj
	h.workerCurrentMethod = method
	h.workerInterpStart = time.Now()
	h.workerLock.Unlock()
}

// ClearWorkerCurrent marks the worker idle.
func (h *Heap) ClearWorkerCurrent() {
	h.workerLock.Lock()
	h.workerCurrentObject = 0
	h.workerCurrentMethod = ""
	h.workerInterpStart = time.Time{}
	h.workerLock.Unlock()
}

// assertWorkerRunning aborts if the worker thread has been wedged
// inside a single method for longer than the watchdog limit. A wedged
// worker would hold up the worker exclusion phase forever. Caller holds
// workerLock.
func (h *Heap) assertWorkerRunning() {
	if h.workerCurrentObject == 0 || h.workerInterpStart.IsZero() {
		return
	}
	if stuck := time.Since(h.workerInterpStart); stuck > h.cfg.WorkerWedgeLimit {
		h.abortf("heap worker wedged in %s for %v on object %#x",
			h.workerCurrentMethod, stuck, uint64(h.workerCurrentObject))
	}
}

// FinalizableCount returns the number of live finalizable objects.
// Caller must not hold the heap lock.
func (h *Heap) FinalizableCount() int {
	h.LockHeap()
	defer h.UnlockHeap()
	return h.finalizableRefs.len()
}
