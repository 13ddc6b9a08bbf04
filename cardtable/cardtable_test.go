// ABOUTME: Tests for the dirty-card table
// ABOUTME: Dirty/clear/scan semantics and card granularity

package cardtable

import (
	"errors"
	"testing"
)

func TestStartupEmptyRange(t *testing.T) {
	if _, err := Startup(0, 0); !errors.Is(err, ErrBadRange) {
		t.Errorf("expected ErrBadRange, got %v", err)
	}
}

func TestDirtyCoversWholeCard(t *testing.T) {
	ct, err := Startup(0x1000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	ct.Dirty(0x1000 + 5)
	for _, addr := range []uint64{0x1000, 0x1000 + CardSize - 1} {
		if !ct.IsDirty(addr) {
			t.Errorf("IsDirty(%#x) = false, want the whole card dirty", addr)
		}
	}
	if ct.IsDirty(0x1000 + CardSize) {
		t.Error("neighboring card dirtied")
	}
}

func TestDirtyOutOfRangeIgnored(t *testing.T) {
	ct, _ := Startup(0x1000, 4096)
	ct.Dirty(0x100)
	ct.Dirty(0x1000 + 4096)
	count := 0
	ct.Scan(func(start, end uint64) { count++ })
	if count != 0 {
		t.Errorf("out-of-range writes dirtied %d cards", count)
	}
}

func TestClear(t *testing.T) {
	ct, _ := Startup(0x1000, 4096)
	ct.Dirty(0x1000)
	ct.Dirty(0x1000 + 3*CardSize)
	ct.Clear()
	if ct.IsDirty(0x1000) || ct.IsDirty(0x1000+3*CardSize) {
		t.Error("cards dirty after Clear")
	}
}

func TestScanRanges(t *testing.T) {
	ct, _ := Startup(0x1000, 4096)
	ct.Dirty(0x1000 + 2*CardSize + 17)

	var ranges [][2]uint64
	ct.Scan(func(start, end uint64) { ranges = append(ranges, [2]uint64{start, end}) })
	if len(ranges) != 1 {
		t.Fatalf("scan found %d dirty cards, want 1", len(ranges))
	}
	wantStart := uint64(0x1000 + 2*CardSize)
	if ranges[0][0] != wantStart || ranges[0][1] != wantStart+CardSize {
		t.Errorf("scan range = %v, want [%#x %#x]", ranges[0], wantStart, wantStart+CardSize)
	}
}

func TestShutdown(t *testing.T) {
	ct, _ := Startup(0x1000, 4096)
	ct.Dirty(0x1000)
	ct.Shutdown()
	if ct.IsDirty(0x1000) {
		t.Error("shutdown table still reports dirty cards")
	}
	ct.Dirty(0x1000) // must not crash
}
