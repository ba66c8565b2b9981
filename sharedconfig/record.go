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

package sharedconfig

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// RecordHeaderSize is the fixed header preceding the two config copies.
	RecordHeaderSize = 32

	// MaxReadRetries bounds the seqlock retry loop in Record.Read. A reader
	// that loses this many races against concurrent updates reports
	// ErrContention instead of spinning forever.
	MaxReadRetries = 64
)

// recordHeader is the shared-memory header of a config record. The two
// serialized copies of the config follow back to back, each copySize bytes.
//
// configID is the seqlock word: it starts at 1 when the record is published
// and is incremented once per update. The copy holding the live value is
// copies[configID & 1]; the updater writes the other copy first and the
// increment is the publish step.
type recordHeader struct {
	typeIndex uint32  // 0x00: codegen type index of the config type
	configID  uint32  // 0x04: version counter, selects the live copy
	copySize  uint32  // 0x08: size of one serialized copy
	pad       uint32  // 0x0C
	keyHash   uint64  // 0x10: hash of the primary-key fields
	reserved  [8]byte // 0x18-0x1F
}

func init() {
	if unsafe.Sizeof(recordHeader{}) != RecordHeaderSize {
		panic(fmt.Sprintf("sharedconfig: record header size is %d, expected %d", unsafe.Sizeof(recordHeader{}), RecordHeaderSize))
	}
}

// recordSize returns the total arena allocation size for a record holding
// two copies of copySize bytes each.
func recordSize(copySize uint32) uint32 {
	return RecordHeaderSize + 2*copySize
}

// Record is a process-local handle to a double-buffered config record in
// shared memory. The record never moves and is never deleted, so a handle
// stays valid for the life of the region.
type Record struct {
	mem []byte
	off uint32 // offset of the record header from region start
}

func (r *Record) header() *recordHeader {
	return (*recordHeader)(unsafe.Pointer(&r.mem[r.off]))
}

// TypeIndex returns the codegen type index of the stored config.
func (r *Record) TypeIndex() uint32 {
	return r.header().typeIndex
}

// KeyHash returns the stored primary-key hash.
func (r *Record) KeyHash() uint64 {
	return r.header().keyHash
}

// CopySize returns the size in bytes of one serialized copy.
func (r *Record) CopySize() uint32 {
	return r.header().copySize
}

// ConfigID returns the current version counter.
func (r *Record) ConfigID() uint32 {
	return atomic.LoadUint32(&r.header().configID)
}

// Offset returns the record's offset from the region start.
func (r *Record) Offset() uint32 {
	return r.off
}

// copyBytes returns the byte range of copy idx (0 or 1).
func (r *Record) copyBytes(idx uint32) []byte {
	size := r.header().copySize
	start := r.off + RecordHeaderSize + idx*size
	return r.mem[start : start+size : start+size]
}

// liveCopy returns the byte range of the copy selected by id.
func (r *Record) liveCopy(id uint32) []byte {
	return r.copyBytes(id & 1)
}

// Read copies the live config value into dst, which must be CopySize bytes.
// The copy is re-validated against the version counter afterwards and
// retried if an update raced with it, so the result is never a torn mix of
// old and new fields. Returns ErrContention if updates keep interleaving
// past the retry bound.
func (r *Record) Read(dst []byte) error {
	h := r.header()
	if uint32(len(dst)) != h.copySize {
		return fmt.Errorf("sharedconfig: read buffer is %d bytes, record copy is %d", len(dst), h.copySize)
	}
	for i := 0; i < MaxReadRetries; i++ {
		id := atomic.LoadUint32(&h.configID)
		copy(dst, r.liveCopy(id))
		if atomic.LoadUint32(&h.configID) == id {
			return nil
		}
	}
	return ErrContention
}

// Update writes a new serialized value and publishes it. The value goes into
// the copy not currently selected by the version counter; the increment of
// the counter is the final, publishing store, so a concurrent Read sees
// either the old value or the new one, never a mix.
//
// At most one process may update a given record. That discipline is owned by
// the caller; Update itself only guards against concurrent readers.
func (r *Record) Update(src []byte) error {
	h := r.header()
	if uint32(len(src)) != h.copySize {
		return fmt.Errorf("sharedconfig: update value is %d bytes, record copy is %d", len(src), h.copySize)
	}
	id := atomic.LoadUint32(&h.configID)
	copy(r.copyBytes((id+1)&1), src)
	atomic.StoreUint32(&h.configID, id+1)
	return nil
}

// initialize populates a freshly allocated record. Both copies receive the
// initial value so that the seqlock invariant (the inactive copy holds the
// previous value) holds from the first update on. The store of configID is
// the publish step; until then the record is not linked into the dictionary
// and no other process can see it.
func (r *Record) initialize(typeIndex uint32, keyHash uint64, initial []byte) {
	h := r.header()
	h.typeIndex = typeIndex
	h.copySize = uint32(len(initial))
	h.keyHash = keyHash
	copy(r.copyBytes(0), initial)
	copy(r.copyBytes(1), initial)
	atomic.StoreUint32(&h.configID, 1)
}
