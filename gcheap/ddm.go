// ABOUTME: Monitoring glue between the heap coordinator and the ddm package
// ABOUTME: Post-GC heap info and heap segment dumps when configured

package gcheap

import "github.com/0omega/platform-dalvik/ddm"

// DdmSink is where monitoring chunks go.
type DdmSink = ddm.Sink

// ChunkWalker is implemented by heap sources that can enumerate their
// allocated chunks in address order for monitoring dumps.
type ChunkWalker interface {
	WalkChunks(fn func(addr Ptr, size uint64))
}

// RegisterDdmSink adds a monitoring sink. Dumps fan out to every
// registered sink.
func (h *Heap) RegisterDdmSink(sink DdmSink) {
	ddm.Register(sink)
}

// SetDdmHeapInfoWhen gates post-GC heap info chunks.
func (h *Heap) SetDdmHeapInfoWhen(when int) {
	h.LockHeap()
	h.ddmHpifWhen = when
	h.UnlockHeap()
}

// SetDdmSegmentsWhen gates post-GC heap segment chunks for the managed
// and native heaps.
func (h *Heap) SetDdmSegmentsWhen(when, what int, native bool) {
	h.LockHeap()
	if native {
		h.ddmNhsgWhen, h.ddmNhsgWhat = when, what
	} else {
		h.ddmHpsgWhen, h.ddmHpsgWhat = when, what
	}
	h.UnlockHeap()
}

// heapInfoSnapshot builds the current heap info record. Caller holds
// the heap lock.
func (h *Heap) heapInfoSnapshot() ddm.HeapInfo {
	return ddm.HeapInfo{
		HeapID:           1,
		MaxSize:          h.cfg.MaximumSize,
		CurrentSize:      h.source.Stat(StatFootprint),
		BytesAllocated:   h.source.Stat(StatBytesAllocated),
		ObjectsAllocated: h.source.Stat(StatObjectsAllocated),
	}
}

// ddmAfterGC emits whichever monitoring dumps are configured to every
// registered sink. Called at the end of a cycle with the heap lock
// held.
func (h *Heap) ddmAfterGC() {
	if !ddm.HasSinks() {
		return
	}
	if h.ddmHpifWhen != ddm.WhenNever {
		h.logf("heap: Sending VM heap info to DDM")
		if err := ddm.Broadcast(ddm.ChunkHeapInfo,
			ddm.EncodeHeapInfo([]ddm.HeapInfo{h.heapInfoSnapshot()})); err != nil {
			h.logf("heap: heap info send failed: %v", err)
		}
	}
	if h.ddmHpsgWhen != ddm.WhenNever {
		h.logf("heap: Dumping VM heap to DDM")
		h.ddmSendSegments(ddm.ChunkHeapSegments)
	}
	if h.ddmNhsgWhen != ddm.WhenNever {
		h.logf("heap: Dumping native heap to DDM")
		h.ddmSendSegments(ddm.ChunkNativeSegments)
	}
}

func (h *Heap) ddmSendSegments(kind string) {
	walker, ok := h.source.(ChunkWalker)
	if !ok {
		return
	}
	var segs []ddm.Segment
	var base, cursor uint64
	first := true
	walker.WalkChunks(func(addr Ptr, size uint64) {
		a := uint64(addr)
		if first {
			base, cursor = a, a
			first = false
		}
		if a > cursor {
			segs = append(segs, ddm.Segment{
				Solidity: ddm.SolidityFree,
				Length:   a - cursor,
			})
		}
		segKind := byte(ddm.KindObject)
		if kind == ddm.ChunkNativeSegments {
			segKind = ddm.KindNative
		}
		segs = append(segs, ddm.Segment{
			Solidity: ddm.SolidityHard,
			Kind:     segKind,
			Length:   size,
		})
		cursor = a + size
	})
	if err := ddm.Broadcast(kind, ddm.EncodeSegments(1, base, segs)); err != nil {
		h.logf("heap: segment dump send failed: %v", err)
	}
}
