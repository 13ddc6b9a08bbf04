// ABOUTME: Mark-sweep collector engine implementing the gcheap Collector contract
// ABOUTME: Gray-stack tracing, dirty-card re-scan, reference processing and sweeping

package marksweep

import (
	"errors"
	"fmt"

	"github.com/0omega/platform-dalvik/cardtable"
	"github.com/0omega/platform-dalvik/gcheap"
	"github.com/0omega/platform-dalvik/heapbitmap"
)

var (
	// ErrNoSpace is returned by New when no space is configured.
	ErrNoSpace = errors.New("marksweep: no space configured")

	// ErrNoRoots is returned by New when no root enumerator is
	// configured.
	ErrNoRoots = errors.New("marksweep: no root enumerator configured")

	// ErrNoMarkContext is returned by BeginMarkStep when the space has
	// no mark bitmap to trace into.
	ErrNoMarkContext = errors.New("marksweep: space has no mark bitmap")
)

// RefKind classifies an object for reference processing.
type RefKind int

const (
	// KindOrdinary objects are traced strongly.
	KindOrdinary RefKind = iota

	// KindSoft references are cleared only under memory pressure.
	KindSoft

	// KindWeak references are cleared when the referent dies.
	KindWeak

	// KindPhantom references are enqueued after finalization; the
	// referent is never cleared by the collector.
	KindPhantom
)

// Space is the engine's view of the heap source: bitmaps, chunk
// reclamation, and per-object reference structure.
type Space interface {
	// LiveBits returns the published live bitmap.
	LiveBits() *heapbitmap.Bitmap

	// MarkBits returns the in-progress mark bitmap.
	MarkBits() *heapbitmap.Bitmap

	// BeginMarking tells the space a cycle is tracing: chunks
	// allocated from now on are born marked.
	BeginMarking()

	// EndMarking ends the born-marked window.
	EndMarking()

	// Free reclaims the chunk at ptr and returns its size.
	Free(ptr gcheap.Ptr) uint64

	// Pointers returns the reference fields of the object at ptr,
	// excluding the referent of a reference-kind object.
	Pointers(ptr gcheap.Ptr) []gcheap.Ptr

	// Kind returns the reference kind of the object at ptr.
	Kind(ptr gcheap.Ptr) RefKind

	// Referent returns the referent of a reference-kind object, or 0.
	Referent(ptr gcheap.Ptr) gcheap.Ptr

	// ClearReferent nulls the referent of a reference-kind object.
	ClearReferent(ptr gcheap.Ptr)
}

// Config wires the engine to its collaborators.
type Config struct {
	// Space is the heap being collected.
	Space Space

	// Roots enumerates the root set: thread stacks, globals, tracked
	// allocations. Called during the stop-the-world phases only.
	Roots func() []gcheap.Ptr

	// Cards is the dirty-card table consulted by the re-scan. May be
	// nil for a purely stop-the-world configuration.
	Cards *cardtable.Table

	// SweepSystemWeaks, if set, sweeps runtime-internal weak tables
	// given a markedness predicate.
	SweepSystemWeaks func(isMarked func(gcheap.Ptr) bool)
}

// Engine is a mark-sweep collector over a single space. One cycle at a
// time; the driver serializes entry.
type Engine struct {
	cfg   Config
	mode  gcheap.GcMode
	marks *heapbitmap.Bitmap

	gray    []gcheap.Ptr
	graySet map[gcheap.Ptr]bool
}

// New creates an engine over cfg.Space.
func New(cfg Config) (*Engine, error) {
	if cfg.Space == nil {
		return nil, ErrNoSpace
	}
	if cfg.Roots == nil {
		return nil, ErrNoRoots
	}
	return &Engine{cfg: cfg}, nil
}

// BeginMarkStep binds the mark bitmap and resets the gray stack.
func (e *Engine) BeginMarkStep(mode gcheap.GcMode) error {
	e.marks = e.cfg.Space.MarkBits()
	if e.marks == nil {
		return ErrNoMarkContext
	}
	e.mode = mode
	e.gray = e.gray[:0]
	e.graySet = make(map[gcheap.Ptr]bool)
	e.cfg.Space.BeginMarking()
	return nil
}

// markObject sets the mark bit for ptr and grays it if it was white.
func (e *Engine) markObject(ptr gcheap.Ptr) {
	if ptr == 0 {
		return
	}
	addr := uint64(ptr)
	if e.marks.Test(addr) {
		return
	}
	e.marks.Set(addr)
	e.gray = append(e.gray, ptr)
	e.graySet[ptr] = true
}

func (e *Engine) popGray() gcheap.Ptr {
	n := len(e.gray) - 1
	ptr := e.gray[n]
	e.gray = e.gray[:n]
	delete(e.graySet, ptr)
	return ptr
}

// MarkRoots marks every object in the root enumeration.
func (e *Engine) MarkRoots() {
	for _, root := range e.cfg.Roots() {
		e.markObject(root)
	}
}

// ReMarkRoots conservatively re-marks the roots; freshly discovered
// ones stay gray for the re-scan.
func (e *Engine) ReMarkRoots() {
	e.MarkRoots()
}

// scanObject blackens one object. Reference-kind objects go on the
// discovered lists instead of having their referent marked.
func (e *Engine) scanObject(ptr gcheap.Ptr, d *gcheap.Discovered) {
	switch e.cfg.Space.Kind(ptr) {
	case KindSoft:
		d.Soft = append(d.Soft, ptr)
	case KindWeak:
		d.Weak = append(d.Weak, ptr)
	case KindPhantom:
		d.Phantom = append(d.Phantom, ptr)
	}
	for _, field := range e.cfg.Space.Pointers(ptr) {
		e.markObject(field)
	}
}

func (e *Engine) drainGray(d *gcheap.Discovered) {
	for len(e.gray) > 0 {
		e.scanObject(e.popGray(), d)
	}
}

// ScanMarked traces the transitive closure from the initial gray set.
// Runs with mutators live during a concurrent cycle; mark bit updates
// are race-safe against born-marked allocation.
func (e *Engine) ScanMarked(d *gcheap.Discovered) {
	e.drainGray(d)
}

// ReScanMarked grays every marked object sitting on a dirty card, then
// drains the closure. Runs stop-the-world.
func (e *Engine) ReScanMarked(d *gcheap.Discovered) {
	if e.cfg.Cards != nil {
		e.marks.Walk(func(addr uint64) {
			if e.cfg.Cards.IsDirty(addr) {
				ptr := gcheap.Ptr(addr)
				if !e.graySet[ptr] {
					e.gray = append(e.gray, ptr)
					e.graySet[ptr] = true
				}
			}
		})
	}
	e.drainGray(d)
}

// ProcessReferences decides the fate of soft, weak, phantom and
// finalizable objects once all strong tracing is done.
//
// Order matters: soft preservation first (it can make weak referents
// strongly reachable), weak clearing before finalization (a finalizer
// must not observe its weakly-held self), phantoms last against the
// post-resurrection mark set.
func (e *Engine) ProcessReferences(rp gcheap.RefProcessing) gcheap.RefOutcome {
	var out gcheap.RefOutcome
	var scratch gcheap.Discovered

	// Soft references. Preserved referents are traced, which can
	// discover more reference objects; iterate until stable.
	for i := 0; i < len(rp.Discovered.Soft); i++ {
		ref := dedupAt(rp.Discovered.Soft, i)
		if ref == 0 {
			continue
		}
		referent := e.cfg.Space.Referent(ref)
		if referent == 0 || e.marks.Test(uint64(referent)) {
			continue
		}
		if rp.ClearSoftRefs {
			e.cfg.Space.ClearReferent(ref)
			out.ReferenceOps = append(out.ReferenceOps, ref)
		} else {
			e.markObject(referent)
			e.drainGray(&scratch)
			rp.Discovered.Soft = append(rp.Discovered.Soft, scratch.Soft...)
			rp.Discovered.Weak = append(rp.Discovered.Weak, scratch.Weak...)
			rp.Discovered.Phantom = append(rp.Discovered.Phantom, scratch.Phantom...)
			scratch.Soft, scratch.Weak, scratch.Phantom = nil, nil, nil
		}
	}

	// Weak references: clear and enqueue when the referent died.
	for i := 0; i < len(rp.Discovered.Weak); i++ {
		ref := dedupAt(rp.Discovered.Weak, i)
		if ref == 0 {
			continue
		}
		referent := e.cfg.Space.Referent(ref)
		if referent == 0 || e.marks.Test(uint64(referent)) {
			continue
		}
		e.cfg.Space.ClearReferent(ref)
		out.ReferenceOps = append(out.ReferenceOps, ref)
	}

	// Finalizable objects: dead ones are resurrected for one more
	// cycle so their finalizer can run.
	for _, obj := range rp.Finalizable {
		if e.marks.Test(uint64(obj)) {
			out.SurvivingFinalizable = append(out.SurvivingFinalizable, obj)
			continue
		}
		e.markObject(obj)
		e.drainGray(&scratch)
		scratch.Soft, scratch.Weak, scratch.Phantom = nil, nil, nil
		out.PendingFinalization = append(out.PendingFinalization, obj)
	}

	// Phantom references: enqueue when the referent stayed dead
	// through resurrection. The referent is not cleared.
	for i := 0; i < len(rp.Discovered.Phantom); i++ {
		ref := dedupAt(rp.Discovered.Phantom, i)
		if ref == 0 {
			continue
		}
		referent := e.cfg.Space.Referent(ref)
		if referent == 0 || e.marks.Test(uint64(referent)) {
			continue
		}
		out.ReferenceOps = append(out.ReferenceOps, ref)
	}

	return out
}

// dedupAt returns list[i], or 0 if the same entry appeared earlier.
// Re-scans can discover the same reference object twice.
func dedupAt(list []gcheap.Ptr, i int) gcheap.Ptr {
	for j := 0; j < i; j++ {
		if list[j] == list[i] {
			return 0
		}
	}
	return list[i]
}

// SweepSystemWeaks sweeps runtime-internal weak tables such as the
// intern table against the current mark set.
func (e *Engine) SweepSystemWeaks() {
	if e.cfg.SweepSystemWeaks != nil {
		e.cfg.SweepSystemWeaks(func(ptr gcheap.Ptr) bool {
			return e.marks.Test(uint64(ptr))
		})
	}
}

// SweepUnmarked frees every chunk present in the retired live bitmap
// but absent from the published one. Called after the bitmap swap, so
// the retired live set is behind MarkBits. Safe to run with the heap
// unlocked: chunk frees are serialized inside the space.
func (e *Engine) SweepUnmarked(mode gcheap.GcMode, concurrent bool) (objectsFreed, bytesFreed uint64) {
	oldLive := e.cfg.Space.MarkBits()
	newLive := e.cfg.Space.LiveBits()
	oldLive.Walk(func(addr uint64) {
		if newLive.Test(addr) {
			return
		}
		bytesFreed += e.cfg.Space.Free(gcheap.Ptr(addr))
		objectsFreed++
	})
	return objectsFreed, bytesFreed
}

// FinishMarkStep closes the born-marked window and retires the old
// live bitmap as the next mark bitmap. The window closes first so a
// racing allocation cannot re-dirty the bitmap after the reset.
func (e *Engine) FinishMarkStep() {
	e.cfg.Space.EndMarking()
	e.cfg.Space.MarkBits().Reset()
	e.gray = nil
	e.graySet = nil
	e.marks = nil
}

// Verify checks that every root and every reference field of a live
// object lands on a live object.
func (e *Engine) Verify() error {
	live := e.cfg.Space.LiveBits()
	for _, root := range e.cfg.Roots() {
		if root != 0 && !live.Test(uint64(root)) {
			return fmt.Errorf("root %#x is not a live object", uint64(root))
		}
	}
	var err error
	live.Walk(func(addr uint64) {
		if err != nil {
			return
		}
		for _, field := range e.cfg.Space.Pointers(gcheap.Ptr(addr)) {
			if field != 0 && !live.Test(uint64(field)) {
				err = fmt.Errorf("object %#x points to dead object %#x", addr, uint64(field))
				return
			}
		}
	})
	return err
}

// VerifyCardTable checks that every marked object with an unmarked
// child is either still gray from the root re-mark, a reference-kind
// object, or on a dirty card.
func (e *Engine) VerifyCardTable() error {
	if e.cfg.Cards == nil {
		return nil
	}
	var err error
	e.marks.Walk(func(addr uint64) {
		if err != nil {
			return
		}
		ptr := gcheap.Ptr(addr)
		if e.graySet[ptr] || e.cfg.Space.Kind(ptr) != KindOrdinary {
			return
		}
		for _, field := range e.cfg.Space.Pointers(ptr) {
			if field != 0 && !e.marks.Test(uint64(field)) && !e.cfg.Cards.IsDirty(addr) {
				err = fmt.Errorf("gray object %#x not on a dirty card", addr)
				return
			}
		}
	})
	return err
}
