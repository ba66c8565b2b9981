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

// Package region manages named shared-memory regions and typed views over
// their headers.
//
// A region is a file in /dev/shm (or the temp directory as a fallback) that
// is mapped into every participating process. The first 64 bytes hold a
// header identifying the region kind and size; the header is written exactly
// once by the creating process before any peer attaches. Peers validate the
// header on open and then treat it as read-mostly. All mutable shared state
// lives in sub-structures owned by other packages (arena, channel,
// sharedconfig), which address the mapping by byte offset rather than by
// pointer so that the same offset is valid in every process.
package region

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Kind identifies the role of a shared-memory region. The value is recorded
// in the region header and checked on open.
type Kind uint32

const (
	// KindInvalid marks an uninitialized header.
	KindInvalid Kind = 0
	// KindGlobal is the bootstrap region holding the assembly registration
	// counter.
	KindGlobal Kind = 1
	// KindControlChannel holds the agent-bound message channel.
	KindControlChannel Kind = 2
	// KindFeedbackChannel holds the target-bound message channel.
	KindFeedbackChannel Kind = 3
	// KindSharedConfig holds a component's config dictionary and records.
	KindSharedConfig Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindControlChannel:
		return "control-channel"
	case KindFeedbackChannel:
		return "feedback-channel"
	case KindSharedConfig:
		return "shared-config"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

const (
	// Magic bytes identifying a shmlink region file.
	Magic = "SHMLINKR"

	// Version is the current header layout version.
	Version = uint32(1)

	// HeaderSize is the fixed size of the region header. Sub-structures are
	// placed at 64-byte aligned offsets past the header.
	HeaderSize = 64
)

// Header is the region header at offset 0 of every mapping.
//
// The creating process writes every field before any other process opens the
// region, so plain loads would be safe for most fields; atomic accessors are
// used anyway so that diagnostic tools can read headers of live regions
// without racing. assemblyCount is the one genuinely concurrent field: it is
// the cross-process counter handing out dispatch-table base indices and is
// only meaningful in the Global region.
type Header struct {
	magic         [8]byte  // 0x00: "SHMLINKR"
	version       uint32   // 0x08: header layout version
	kind          uint32   // 0x0C: region Kind
	totalSize     uint64   // 0x10: total mapping size in bytes
	regionType    uint32   // 0x18: region identifier, type part
	regionIndex   uint32   // 0x1C: region identifier, index part
	assemblyCount uint32   // 0x20: dispatch base-index counter (Global only)
	pad           uint32   // 0x24
	reserved      [24]byte // 0x28-0x3F
}

func init() {
	if unsafe.Sizeof(Header{}) != HeaderSize {
		panic(fmt.Sprintf("region: Header size is %d, expected %d", unsafe.Sizeof(Header{}), HeaderSize))
	}
}

// Magic returns the magic bytes.
func (h *Header) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes.
func (h *Header) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the header layout version.
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the header layout version.
func (h *Header) SetVersion(v uint32) {
	atomic.StoreUint32(&h.version, v)
}

// Kind returns the region kind.
func (h *Header) Kind() Kind {
	return Kind(atomic.LoadUint32(&h.kind))
}

// SetKind sets the region kind.
func (h *Header) SetKind(k Kind) {
	atomic.StoreUint32(&h.kind, uint32(k))
}

// TotalSize returns the total mapping size.
func (h *Header) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// SetTotalSize sets the total mapping size.
func (h *Header) SetTotalSize(n uint64) {
	atomic.StoreUint64(&h.totalSize, n)
}

// RegionType returns the type part of the region identifier.
func (h *Header) RegionType() uint32 {
	return atomic.LoadUint32(&h.regionType)
}

// SetRegionType sets the type part of the region identifier.
func (h *Header) SetRegionType(t uint32) {
	atomic.StoreUint32(&h.regionType, t)
}

// RegionIndex returns the index part of the region identifier.
func (h *Header) RegionIndex() uint32 {
	return atomic.LoadUint32(&h.regionIndex)
}

// SetRegionIndex sets the index part of the region identifier.
func (h *Header) SetRegionIndex(i uint32) {
	atomic.StoreUint32(&h.regionIndex, i)
}

// AddAssemblyCount atomically advances the assembly registration counter by
// n and returns the previous value. Every process registering a dispatch
// assembly obtains its base index through this counter, so base indices are
// unique across processes.
func (h *Header) AddAssemblyCount(n uint32) uint32 {
	return atomic.AddUint32(&h.assemblyCount, n) - n
}

// AssemblyCount returns the current assembly registration counter.
func (h *Header) AssemblyCount() uint32 {
	return atomic.LoadUint32(&h.assemblyCount)
}

// ValidateHeader checks magic, version and kind of an opened region header.
func ValidateHeader(h *Header, want Kind) error {
	if h.Magic() != magicBytes() {
		return fmt.Errorf("region: %w", ErrBadMagic)
	}
	if v := h.Version(); v != Version {
		return fmt.Errorf("region: %w: got %d, want %d", ErrBadVersion, v, Version)
	}
	if k := h.Kind(); want != KindInvalid && k != want {
		return fmt.Errorf("region: %w: got %s, want %s", ErrKindMismatch, k, want)
	}
	return nil
}

func magicBytes() [8]byte {
	var m [8]byte
	copy(m[:], Magic)
	return m
}

// Region is a mapped shared-memory region. The process that created the
// region (owner=true) is the one entitled to unlink the backing file on
// CloseAndRemove.
type Region struct {
	File  *os.File
	Mem   []byte
	Path  string
	owner bool
}

// Header returns the typed view of the region header.
func (r *Region) Header() *Header {
	return (*Header)(unsafe.Pointer(&r.Mem[0]))
}

// Owner reports whether this process created the region.
func (r *Region) Owner() bool {
	return r.owner
}

// Close unmaps the region and closes the backing file. The file itself is
// left in place so that other processes keep their mappings.
func (r *Region) Close() error {
	var firstErr error
	if r.Mem != nil {
		if err := munmapFile(r.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Mem = nil
	}
	if r.File != nil {
		if err := r.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.File = nil
	}
	return firstErr
}

// CloseAndRemove unmaps the region and unlinks the backing file. Only the
// creating process should call this; after abnormal termination the file can
// leak and must be removed with Remove.
func (r *Region) CloseAndRemove() error {
	path := r.Path
	firstErr := r.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
