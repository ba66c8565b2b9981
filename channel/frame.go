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

package channel

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Frame wire layout (16 bytes, little-endian):
//
//	int32  length     // whole frame size including this header; the sign is
//	                  // the slot state: positive = committed and readable,
//	                  // negative = owned by a writer (being serialized) or
//	                  // already consumed, zero = virgin space
//	uint32 type_index // codegen type index of the message
//	uint64 type_hash  // structural hash of the message layout
//
// Frame lengths are always multiples of FrameAlignment (= the header size)
// and the buffer capacity is a power of two, so a frame header never
// straddles the wrap point and the length field is a naturally aligned
// atomic in every process. Payload bytes may wrap; they are split at the
// buffer boundary on copy.
const (
	// FrameHeaderSize is the fixed frame header size.
	FrameHeaderSize = 16

	// FrameAlignment is the alignment of frame sizes and therefore of every
	// frame's start position.
	FrameAlignment = 16
)

// Frame is a message copied out of the channel. Payload is padded up to the
// frame alignment with zero bytes; deserializers read their own serialized
// size and ignore the tail.
type Frame struct {
	TypeIndex uint32
	TypeHash  uint64
	Payload   []byte
}

// frameSize returns the aligned frame size for a payload, or an error when
// the frame cannot fit a buffer of the given capacity.
func frameSize(payloadLen int, capacity uint64) (uint64, error) {
	need := uint64(FrameHeaderSize) + uint64(payloadLen)
	size := (need + FrameAlignment - 1) &^ (FrameAlignment - 1)
	if size > capacity {
		return 0, fmt.Errorf("%w: frame of %d bytes, capacity %d", ErrFrameTooLarge, size, capacity)
	}
	return size, nil
}

// lenPtr returns the atomic length field of the frame at a physical offset.
// The offset is frame-aligned, so the four length bytes are contiguous and
// naturally aligned.
func (c *Channel) lenPtr(off uint64) *int32 {
	return (*int32)(unsafe.Pointer(&c.mem[uint64(c.dataOff)+off]))
}

// putFrameMeta writes the type index and hash of the frame at a physical
// offset. Only called between reservation and commit, while the negative
// length keeps readers away.
func (c *Channel) putFrameMeta(off uint64, typeIndex uint32, typeHash uint64) {
	base := uint64(c.dataOff) + off
	binary.LittleEndian.PutUint32(c.mem[base+4:base+8], typeIndex)
	binary.LittleEndian.PutUint64(c.mem[base+8:base+16], typeHash)
}

// frameMeta reads the type index and hash of the frame at a physical
// offset. Only called after a successful claim, when the commit store to the
// length field has published these bytes.
func (c *Channel) frameMeta(off uint64) (typeIndex uint32, typeHash uint64) {
	base := uint64(c.dataOff) + off
	return binary.LittleEndian.Uint32(c.mem[base+4 : base+8]),
		binary.LittleEndian.Uint64(c.mem[base+8 : base+16])
}
