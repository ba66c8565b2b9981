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

// Package sharedconfig implements the shared configuration dictionary: an
// open-addressing hash table living inside a shared-memory region, mapping
// (type index, primary key) to double-buffered, versioned config records
// that any attached process can read and a single designated process can
// update.
//
// Slots hold uint32 offsets of records allocated from the region's arena; a
// zero slot is empty (offset 0 falls inside the region header and can never
// hold a record). Entries are only ever added, matching the arena's
// bump-only policy, so an empty slot on a probe chain proves the key is
// absent.
package sharedconfig

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/shmlink/shmlink/arena"
)

var (
	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("sharedconfig: not found")

	// ErrDuplicateKey indicates an insert for a key that already has a
	// record. Callers doing idempotent re-registration can treat this as
	// success after a Lookup.
	ErrDuplicateKey = errors.New("sharedconfig: duplicate key")

	// ErrDictionaryFull indicates every slot is occupied. Like arena
	// exhaustion this is fatal to the call path: the region must be created
	// with a larger dictionary.
	ErrDictionaryFull = errors.New("sharedconfig: dictionary full")

	// ErrContention indicates a seqlock read exceeded its retry bound.
	ErrContention = errors.New("sharedconfig: read contention")
)

// BlockSize is the size of the dictionary state block inside the region.
const BlockSize = 64

// dictBlock is the dictionary state, resident in shared memory.
type dictBlock struct {
	slotsOffset uint32   // 0x00: arena offset of the slot array
	capacity    uint32   // 0x04: slot count
	reserved    [56]byte // 0x08-0x3F
}

func init() {
	if unsafe.Sizeof(dictBlock{}) != BlockSize {
		panic(fmt.Sprintf("sharedconfig: dict block size is %d, expected %d", unsafe.Sizeof(dictBlock{}), BlockSize))
	}
}

// Key identifies a config record for lookup.
type Key struct {
	// TypeIndex is the codegen type index of the config type.
	TypeIndex uint32
	// Hash is the primary-key hash, from HashKey over the serialized key
	// fields.
	Hash uint64
	// Matches confirms a candidate record by comparing primary-key fields
	// against the record's serialized form. It must examine only key
	// fields, which are immutable after insert; non-key fields may be
	// concurrently updated while Matches runs. A nil Matches accepts any
	// record with matching TypeIndex and Hash.
	Matches func(serialized []byte) bool
}

// Config describes a record to insert.
type Config struct {
	// TypeIndex is the codegen type index of the config type.
	TypeIndex uint32
	// KeyHash is the primary-key hash.
	KeyHash uint64
	// Initial is the serialized initial value; its length fixes the record's
	// copy size for the life of the region. Variable-length fields are
	// stored as separate arena allocations referenced by offset, so the
	// serialized form itself is fixed size.
	Initial []byte
	// MatchKey confirms key equality against an existing record, with the
	// same contract as Key.Matches.
	MatchKey func(serialized []byte) bool
}

// Dictionary is a process-local view over a shared config dictionary.
type Dictionary struct {
	mem   []byte
	alloc *arena.Allocator
	off   uint32 // offset of the dictionary block within mem
}

// Initialize sets up the dictionary block at blockOff in a freshly created
// region, allocating and zeroing the slot array from the region's arena.
// Must run exactly once, in the creating process.
func Initialize(mem []byte, blockOff uint32, alloc *arena.Allocator) (*Dictionary, error) {
	d := &Dictionary{mem: mem, alloc: alloc, off: blockOff}
	b := d.block()

	slotsOff, err := alloc.Allocate(DictCapacity * 4)
	if err != nil {
		return nil, fmt.Errorf("sharedconfig: allocate slot array: %w", err)
	}
	slots := alloc.Bytes(slotsOff, DictCapacity*4)
	for i := range slots {
		slots[i] = 0
	}

	b.slotsOffset = slotsOff
	b.capacity = DictCapacity
	return d, nil
}

// Attach returns a view over a dictionary initialized by another process.
func Attach(mem []byte, blockOff uint32, alloc *arena.Allocator) *Dictionary {
	return &Dictionary{mem: mem, alloc: alloc, off: blockOff}
}

func (d *Dictionary) block() *dictBlock {
	return (*dictBlock)(unsafe.Pointer(&d.mem[d.off]))
}

// Capacity returns the slot count.
func (d *Dictionary) Capacity() uint32 {
	return d.block().capacity
}

// Len counts occupied slots. O(capacity); meant for diagnostics.
func (d *Dictionary) Len() uint32 {
	b := d.block()
	var n uint32
	for i := uint32(0); i < b.capacity; i++ {
		if atomic.LoadUint32(d.slot(i)) != 0 {
			n++
		}
	}
	return n
}

// slot returns a pointer to slot i of the offsets array.
func (d *Dictionary) slot(i uint32) *uint32 {
	off := d.block().slotsOffset + i*4
	return (*uint32)(unsafe.Pointer(&d.mem[off]))
}

// Lookup locates the record for key, or returns ErrNotFound.
func (d *Dictionary) Lookup(key Key) (*Record, error) {
	rec, _, err := d.probeFor(key.TypeIndex, key.Hash, key.Matches)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Insert creates and publishes a record for cfg. It fails with
// ErrDuplicateKey if a record for the same key exists, ErrDictionaryFull if
// no slot is free, or the arena's ErrOutOfMemory.
//
// Publication order matters: the record is fully written before its offset
// is CAS-published into the slot, so a concurrent Lookup either misses it or
// sees it complete. Losing the CAS means another process claimed the slot
// since our probe; the insert restarts from the top (the orphaned arena
// allocation is the accepted cost of the bump-only allocator).
func (d *Dictionary) Insert(cfg Config) (*Record, error) {
	for {
		existing, slotIdx, err := d.probeFor(cfg.TypeIndex, cfg.KeyHash, cfg.MatchKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, ErrDuplicateKey
		}

		recOff, err := d.alloc.Allocate(recordSize(uint32(len(cfg.Initial))))
		if err != nil {
			return nil, err
		}
		rec := &Record{mem: d.mem, off: recOff}
		rec.initialize(cfg.TypeIndex, cfg.KeyHash, cfg.Initial)

		if atomic.CompareAndSwapUint32(d.slot(slotIdx), 0, recOff) {
			return rec, nil
		}
		// Raced with a concurrent insert into the same slot; re-probe. The
		// winner may even have inserted our key, in which case the retry
		// reports ErrDuplicateKey.
	}
}

// probeFor walks the probe sequence for (typeIndex, hash). It returns the
// matching record if one exists, else the index of the first empty slot
// where an insert may publish. ErrDictionaryFull if the chain exhausts every
// slot without finding either.
func (d *Dictionary) probeFor(typeIndex uint32, hash uint64, matches func([]byte) bool) (*Record, uint32, error) {
	capacity := d.block().capacity
	for attempt := uint32(0); attempt < capacity; attempt++ {
		idx := Probe(hash, attempt, capacity)
		off := atomic.LoadUint32(d.slot(idx))
		if off == 0 {
			return nil, idx, nil
		}
		rec := &Record{mem: d.mem, off: off}
		h := rec.header()
		if h.typeIndex != typeIndex || h.keyHash != hash {
			continue
		}
		if matches == nil || matches(rec.liveCopy(atomic.LoadUint32(&h.configID))) {
			return rec, idx, nil
		}
	}
	return nil, 0, ErrDictionaryFull
}
