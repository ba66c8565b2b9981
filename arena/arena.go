/*
 *
 * Copyright 2025 The shmlink Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package arena implements a bump allocator over a shared-memory region.
//
// The allocator hands out byte offsets from the region start, never
// pointers, so an allocation is addressable from every process that maps the
// region. There is no free operation: regions live for the duration of an
// experiment and are torn down wholesale. Each allocation is prefixed by a
// small entry header linking it into a doubly-linked list used only for
// diagnostic traversal.
//
// The allocator's own state is a 64-byte block inside the region. Because an
// allocation mutates several of its fields plus the previous entry's link, a
// spinlock word in the block serializes allocators across processes; readers
// of the counters use plain atomic loads and never take the lock.
package arena

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	// Alignment is applied to every allocation so that atomics placed at the
	// start of an allocation are naturally aligned and never share a cache
	// line with a neighbor.
	Alignment = 64

	// BlockSize is the size of the allocator state block inside the region.
	BlockSize = 64

	// EntrySize is the size of the allocation entry header that prefixes
	// every allocation.
	EntrySize = 16
)

// ErrOutOfMemory indicates the region cannot fit the requested allocation.
// Regions are pre-sized by configuration; there is no growth path.
var ErrOutOfMemory = errors.New("arena: out of memory")

// block is the allocator state, resident in shared memory.
type block struct {
	selfOffset  uint32   // 0x00: offset of this block from region start
	firstOffset uint32   // 0x04: offset of the first allocatable byte
	endOffset   uint32   // 0x08: end of the allocatable range (region size)
	freeOffset  uint32   // 0x0C: next bump position
	allocCount  uint32   // 0x10: number of successful allocations
	lastOffset  uint32   // 0x14: entry offset of the latest allocation
	lock        uint32   // 0x18: spinlock word (0 free, 1 held)
	pad         uint32   // 0x1C
	reserved    [32]byte // 0x20-0x3F
}

// entry is the allocation entry header, resident in shared memory. The links
// hold entry offsets (not payload offsets) and form a list walked only by
// diagnostics.
type entry struct {
	prevOffset uint32
	nextOffset uint32
	reserved   [8]byte
}

func init() {
	if unsafe.Sizeof(block{}) != BlockSize {
		panic(fmt.Sprintf("arena: block size is %d, expected %d", unsafe.Sizeof(block{}), BlockSize))
	}
	if unsafe.Sizeof(entry{}) != EntrySize {
		panic(fmt.Sprintf("arena: entry size is %d, expected %d", unsafe.Sizeof(entry{}), EntrySize))
	}
}

// Allocator is a process-local view over the shared allocator block.
type Allocator struct {
	mem []byte
	off uint32 // offset of the state block within mem
}

// Stats is a snapshot of the allocator counters.
type Stats struct {
	FreeOffset      uint32
	EndOffset       uint32
	AllocationCount uint32
	LastOffset      uint32
}

// Initialize sets up the allocator block at blockOff in a freshly created
// region. Allocations are handed out from firstOff (rounded up to Alignment)
// to endOff. Must run exactly once, in the creating process, before any
// other process attaches.
func Initialize(mem []byte, blockOff, firstOff, endOff uint32) (*Allocator, error) {
	if uint64(endOff) > uint64(len(mem)) || blockOff+BlockSize > firstOff || firstOff >= endOff {
		return nil, fmt.Errorf("arena: bad layout: block=%d first=%d end=%d len=%d", blockOff, firstOff, endOff, len(mem))
	}
	a := &Allocator{mem: mem, off: blockOff}
	b := a.block()
	b.selfOffset = blockOff
	b.firstOffset = uint32(alignUp(uint64(firstOff)))
	b.endOffset = endOff
	atomic.StoreUint32(&b.freeOffset, b.firstOffset)
	atomic.StoreUint32(&b.allocCount, 0)
	b.lastOffset = 0
	atomic.StoreUint32(&b.lock, 0)
	return a, nil
}

// Attach returns a view over an allocator block initialized by another
// process (or earlier in this one).
func Attach(mem []byte, blockOff uint32) *Allocator {
	return &Allocator{mem: mem, off: blockOff}
}

func (a *Allocator) block() *block {
	return (*block)(unsafe.Pointer(&a.mem[a.off]))
}

func (a *Allocator) entryAt(off uint32) *entry {
	return (*entry)(unsafe.Pointer(&a.mem[off]))
}

// Allocate reserves size bytes and returns the offset of the payload, just
// past the allocation entry header. A zero size is legal and still consumes
// one entry header's worth of space. On ErrOutOfMemory no state is mutated.
func (a *Allocator) Allocate(size uint32) (uint32, error) {
	total := uint32(alignUp(uint64(size) + EntrySize))

	b := a.block()
	a.lockBlock(b)
	defer a.unlockBlock(b)

	free := atomic.LoadUint32(&b.freeOffset)
	if uint64(free)+uint64(total) >= uint64(b.endOffset) {
		return 0, fmt.Errorf("%w: need %d bytes, %d remaining", ErrOutOfMemory, total, b.endOffset-free)
	}

	entryOff := free
	atomic.StoreUint32(&b.freeOffset, free+total)
	atomic.AddUint32(&b.allocCount, 1)

	e := a.entryAt(entryOff)
	e.prevOffset = b.lastOffset
	e.nextOffset = 0
	if b.lastOffset != 0 {
		a.entryAt(b.lastOffset).nextOffset = entryOff
	}
	b.lastOffset = entryOff

	return entryOff + EntrySize, nil
}

// Bytes returns the n-byte slice of the region starting at a payload offset.
func (a *Allocator) Bytes(off, n uint32) []byte {
	return a.mem[off : off+n : off+n]
}

// Stats returns a snapshot of the allocator counters without taking the
// lock; the fields may be mutually inconsistent under concurrent allocation
// but each is individually valid.
func (a *Allocator) Stats() Stats {
	b := a.block()
	return Stats{
		FreeOffset:      atomic.LoadUint32(&b.freeOffset),
		EndOffset:       b.endOffset,
		AllocationCount: atomic.LoadUint32(&b.allocCount),
		LastOffset:      b.lastOffset,
	}
}

// Walk visits every allocation entry offset from oldest to newest. Meant for
// diagnostics; it takes the lock so the link fields are stable while
// walking.
func (a *Allocator) Walk(visit func(entryOff uint32)) {
	b := a.block()
	a.lockBlock(b)
	defer a.unlockBlock(b)

	// Find the head by walking back from the newest entry.
	off := b.lastOffset
	if off == 0 {
		return
	}
	for a.entryAt(off).prevOffset != 0 {
		off = a.entryAt(off).prevOffset
	}
	for off != 0 {
		visit(off)
		off = a.entryAt(off).nextOffset
	}
}

// lockBlock spins on the cross-process lock word. Hold times are a handful
// of stores, so spinning with a scheduler yield is cheaper than any kernel
// primitive here.
func (a *Allocator) lockBlock(b *block) {
	for !atomic.CompareAndSwapUint32(&b.lock, 0, 1) {
		runtime.Gosched()
	}
}

func (a *Allocator) unlockBlock(b *block) {
	atomic.StoreUint32(&b.lock, 0)
}

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
