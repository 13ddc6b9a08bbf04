// ABOUTME: Remembered-set card table for concurrent marking
// ABOUTME: One dirty flag word per 128-byte card; dirtied by the mutator write barrier

package cardtable

import (
	"errors"
	"sync/atomic"
)

// CardSize is the number of heap bytes covered by one card.
const CardSize = 128

const cardShift = 7

// ErrBadRange is returned when the table is created over an empty range.
var ErrBadRange = errors.New("cardtable: heap range is empty")

const (
	cardClean uint32 = iota
	cardDirty
)

// Table is the dirty-card bitmap over [base, base+size). Cards are
// dirtied by mutators through the write barrier while the collector
// traces concurrently, then scanned during the dirty-card re-mark.
type Table struct {
	base  uint64
	size  uint64
	cards []uint32
}

// Startup creates a card table covering size bytes from base.
// The table is sized to the maximum heap size so it never needs to grow.
func Startup(base, size uint64) (*Table, error) {
	if size == 0 {
		return nil, ErrBadRange
	}
	return &Table{
		base:  base,
		size:  size,
		cards: make([]uint32, (size+CardSize-1)>>cardShift),
	}, nil
}

// Shutdown releases the card storage.
func (t *Table) Shutdown() {
	t.cards = nil
	t.size = 0
}

func (t *Table) index(addr uint64) (int, bool) {
	if addr < t.base || addr >= t.base+t.size {
		return 0, false
	}
	return int((addr - t.base) >> cardShift), true
}

// Dirty marks the card containing addr. Called from the write barrier,
// so it must be safe against a concurrent Clear or Scan.
func (t *Table) Dirty(addr uint64) {
	if i, ok := t.index(addr); ok {
		atomic.StoreUint32(&t.cards[i], cardDirty)
	}
}

// IsDirty reports whether the card containing addr is dirty.
func (t *Table) IsDirty(addr uint64) bool {
	i, ok := t.index(addr)
	return ok && atomic.LoadUint32(&t.cards[i]) == cardDirty
}

// Clear marks every card clean. Called under the heap lock at the start
// of a concurrent mark.
func (t *Table) Clear() {
	for i := range t.cards {
		atomic.StoreUint32(&t.cards[i], cardClean)
	}
}

// Scan calls fn with the address range of every dirty card.
func (t *Table) Scan(fn func(start, end uint64)) {
	for i := range t.cards {
		if atomic.LoadUint32(&t.cards[i]) == cardDirty {
			start := t.base + uint64(i)<<cardShift
			fn(start, start+CardSize)
		}
	}
}
