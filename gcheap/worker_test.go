// ABOUTME: Tests for the worker hand-off queue
// ABOUTME: Dequeue ordering, tracking claims and the wedge watchdog

package gcheap

import (
	"testing"
	"time"
)

func TestNextWorkerObjectOrdering(t *testing.T) {
	th := newTestHeap(Config{})

	// One reference enqueue and one finalization for the same object:
	// the enqueue must come out strictly first.
	th.h.workerListLock.Lock()
	if err := th.h.referenceOperations.add(0x2000); err != nil {
		t.Fatal(err)
	}
	if err := th.h.pendingFinalizationRefs.add(0x2000); err != nil {
		t.Fatal(err)
	}
	th.h.workerListLock.Unlock()

	obj, op := th.h.NextWorkerObject()
	if obj != 0x2000 || op != WorkerEnqueue {
		t.Fatalf("first = %#x/%v, want 0x2000/WorkerEnqueue", uint64(obj), op)
	}
	obj, op = th.h.NextWorkerObject()
	if obj != 0x2000 || op != WorkerFinalize {
		t.Fatalf("second = %#x/%v, want 0x2000/WorkerFinalize", uint64(obj), op)
	}
	obj, op = th.h.NextWorkerObject()
	if obj != 0 || op != WorkerNone {
		t.Fatalf("drained = %#x/%v, want 0/WorkerNone", uint64(obj), op)
	}
}

func TestNextWorkerObjectClaimsTracking(t *testing.T) {
	th := newTestHeap(Config{})
	th.h.workerListLock.Lock()
	_ = th.h.pendingFinalizationRefs.add(0x4000)
	th.h.workerListLock.Unlock()

	th.h.NextWorkerObject()
	tracked := th.threads.self.trackedAllocs()
	if len(tracked) != 1 || tracked[0] != 0x4000 {
		t.Errorf("tracked = %v, want [0x4000]: the worker must hold a claim", tracked)
	}
}

func TestWorkerFIFOWithinQueue(t *testing.T) {
	th := newTestHeap(Config{})
	th.h.workerListLock.Lock()
	for _, ptr := range []Ptr{0x1000, 0x2000, 0x3000} {
		_ = th.h.pendingFinalizationRefs.add(ptr)
	}
	th.h.workerListLock.Unlock()

	for _, want := range []Ptr{0x1000, 0x2000, 0x3000} {
		obj, op := th.h.NextWorkerObject()
		if obj != want || op != WorkerFinalize {
			t.Fatalf("got %#x/%v, want %#x/WorkerFinalize", uint64(obj), op, uint64(want))
		}
	}
}

func TestWorkerWedgeWatchdog(t *testing.T) {
	th := newTestHeap(Config{WorkerWedgeLimit: time.Millisecond})

	th.h.SetWorkerCurrent(0x2000, "finalize")
	time.Sleep(5 * time.Millisecond)

	th.h.workerLock.Lock()
	th.h.assertWorkerRunning()
	th.h.workerLock.Unlock()
	if len(th.aborts.all()) == 0 {
		t.Error("wedged worker should abort")
	}
}

func TestWorkerIdleIsNotWedged(t *testing.T) {
	th := newTestHeap(Config{WorkerWedgeLimit: time.Millisecond})

	th.h.SetWorkerCurrent(0x2000, "finalize")
	th.h.ClearWorkerCurrent()
	time.Sleep(5 * time.Millisecond)

	th.h.workerLock.Lock()
	th.h.assertWorkerRunning()
	th.h.workerLock.Unlock()
	if len(th.aborts.all()) != 0 {
		t.Errorf("idle worker aborted: %v", th.aborts.all())
	}
}
