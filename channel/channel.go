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

// Package channel implements a lock-free circular message channel over a
// shared-memory buffer, for many concurrent writers and one or more
// cooperating readers in separate processes.
//
// Three monotonically increasing uint64 cursors drive the channel and are
// never reduced modulo the capacity; physical offsets are cursor & mask,
// with the capacity a power of two:
//
//	free <= read <= write,  write - free <= capacity
//
// WritePosition is the reservation cursor (everything below it is claimed by
// some writer), ReadPosition the consumption cursor (everything below it has
// been claimed by some reader), FreePosition the reclamation cursor
// (everything below it is reusable). Writers reserve space by CAS on
// WritePosition, serialize the frame, then commit by flipping the frame's
// length field positive. Readers claim a committed frame by CAS on
// ReadPosition, process it, zero it, mark its length negative, and advance
// FreePosition past every contiguous consumed frame.
//
// Writers never block: when the buffer is full they spin until readers
// reclaim space. Readers spin briefly and then park on a futex word that
// writers bump only when the waiting-readers counter is nonzero, keeping the
// common send path syscall-free.
package channel

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	// ErrTerminated indicates the channel was shut down. Sends observe it
	// immediately; dispatch loops drain nothing further and return nil.
	ErrTerminated = errors.New("channel: terminated")

	// ErrFrameTooLarge indicates a payload whose frame exceeds the buffer
	// capacity and could therefore never be sent.
	ErrFrameTooLarge = errors.New("channel: frame too large")

	// ErrCorruptFrame indicates a frame header that violates the channel
	// invariants (bad length alignment or bounds). The buffer contents can no
	// longer be trusted and the channel should be torn down.
	ErrCorruptFrame = errors.New("channel: corrupt frame")
)

const (
	// SyncBlockSize is the size of the shared synchronization block.
	SyncBlockSize = 64

	// MinCapacity is the smallest supported buffer capacity.
	MinCapacity = 256

	// spinYieldLimit is the number of scheduler yields a reader burns
	// through before parking on the futex, and the yield budget between
	// sleeps for a backpressured writer.
	spinYieldLimit = 64

	// parkInterval bounds a single futex wait so that a parked reader
	// re-checks the terminate flag even if no writer ever wakes it.
	parkInterval = time.Millisecond
)

// syncBlock is the channel synchronization state, resident in shared memory.
type syncBlock struct {
	writePos       uint64   // 0x00: reservation cursor
	readPos        uint64   // 0x08: consumption cursor
	freePos        uint64   // 0x10: reclamation cursor
	readersWaiting uint32   // 0x18: readers parked (or about to park) on the futex
	readersActive  uint32   // 0x1C: readers inside RunDispatchLoop
	terminate      uint32   // 0x20: nonzero once Terminate was called
	signal         uint32   // 0x24: futex word, bumped on commit when readers wait
	reserved       [24]byte // 0x28-0x3F
}

func init() {
	if unsafe.Sizeof(syncBlock{}) != SyncBlockSize {
		panic(fmt.Sprintf("channel: sync block size is %d, expected %d", unsafe.Sizeof(syncBlock{}), SyncBlockSize))
	}
}

// Channel is a process-local view over a shared channel. The same view may
// be used by any number of goroutines concurrently; separate processes each
// construct their own view over the same mapping.
type Channel struct {
	mem     []byte
	syncOff uint32
	dataOff uint32
	size    uint64 // buffer capacity, power of two
	mask    uint64
}

// State is a diagnostic snapshot of the channel cursors and counters. The
// fields are loaded individually and may be mutually inconsistent under
// concurrent traffic.
type State struct {
	WritePosition  uint64
	ReadPosition   uint64
	FreePosition   uint64
	ReadersWaiting uint32
	ReadersActive  uint32
	Terminated     bool
	Capacity       uint64
}

// New returns a view over the channel whose sync block lives at syncOff and
// whose buffer of size bytes lives at dataOff within mem. A freshly zeroed
// mapping is a valid empty channel; there is no separate initialization
// step, so creator and opener construct views identically.
func New(mem []byte, syncOff, dataOff uint32, size uint64) (*Channel, error) {
	if size < MinCapacity || size&(size-1) != 0 {
		return nil, fmt.Errorf("channel: capacity %d is not a power of two >= %d", size, MinCapacity)
	}
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("channel: capacity %d exceeds the int32 frame length space", size)
	}
	if uint64(syncOff)+SyncBlockSize > uint64(dataOff) || uint64(dataOff)+size > uint64(len(mem)) {
		return nil, fmt.Errorf("channel: layout sync=%d data=%d size=%d exceeds mapping of %d bytes", syncOff, dataOff, size, len(mem))
	}
	return &Channel{mem: mem, syncOff: syncOff, dataOff: dataOff, size: size, mask: size - 1}, nil
}

func (c *Channel) sync() *syncBlock {
	return (*syncBlock)(unsafe.Pointer(&c.mem[c.syncOff]))
}

// Capacity returns the buffer capacity in bytes.
func (c *Channel) Capacity() uint64 {
	return c.size
}

// Terminated reports whether Terminate has been called by any process.
func (c *Channel) Terminated() bool {
	return atomic.LoadUint32(&c.sync().terminate) != 0
}

// buf returns the contiguous n-byte slice at physical offset off. Callers
// guarantee off+n does not cross the buffer end.
func (c *Channel) buf(off, n uint64) []byte {
	base := uint64(c.dataOff) + off
	return c.mem[base : base+n : base+n]
}

// copyIn copies src into the buffer starting at logical position pos,
// splitting at the buffer boundary when the range wraps.
func (c *Channel) copyIn(pos uint64, src []byte) {
	off := pos & c.mask
	first := uint64(len(src))
	if first > c.size-off {
		first = c.size - off
	}
	copy(c.buf(off, first), src[:first])
	if rest := src[first:]; len(rest) > 0 {
		copy(c.buf(0, uint64(len(rest))), rest)
	}
}

// copyOut copies len(dst) buffer bytes starting at logical position pos into
// dst, splitting at the buffer boundary when the range wraps.
func (c *Channel) copyOut(dst []byte, pos uint64) {
	off := pos & c.mask
	first := uint64(len(dst))
	if first > c.size-off {
		first = c.size - off
	}
	copy(dst[:first], c.buf(off, first))
	if rest := dst[first:]; len(rest) > 0 {
		copy(rest, c.buf(0, uint64(len(rest))))
	}
}

// zeroRange zeroes n buffer bytes starting at logical position pos.
func (c *Channel) zeroRange(pos, n uint64) {
	off := pos & c.mask
	first := n
	if first > c.size-off {
		first = c.size - off
	}
	clear(c.buf(off, first))
	if n > first {
		clear(c.buf(0, n-first))
	}
}

// payloadView returns the in-place payload bytes of the frame at pos when
// they are contiguous, or nil when the payload wraps and must be copied out.
func (c *Channel) payloadView(pos, frameLen uint64) []byte {
	off := (pos + FrameHeaderSize) & c.mask
	n := frameLen - FrameHeaderSize
	if n == 0 || off+n > c.size {
		return nil
	}
	return c.buf(off, n)
}

// Send serializes a frame carrying payload into the channel. It blocks,
// spinning, while the buffer is full, and returns ErrTerminated once the
// channel is shut down or ErrFrameTooLarge for a payload that could never
// fit.
//
// The frame becomes visible to readers only at the final store of the
// positive length; until then the reservation carries a negative length and
// readers treat it as not yet readable.
func (c *Channel) Send(typeIndex uint32, typeHash uint64, payload []byte) error {
	frameLen, err := frameSize(len(payload), c.size)
	if err != nil {
		return err
	}
	s := c.sync()

	var pos uint64
	var spin spinWait
	for {
		if atomic.LoadUint32(&s.terminate) != 0 {
			return ErrTerminated
		}
		// Load the free cursor before the write cursor. Loading in the other
		// order could pair a stale write position with a fresher free
		// position and overstate the available space.
		free := atomic.LoadUint64(&s.freePos)
		write := atomic.LoadUint64(&s.writePos)
		if write-free > c.size-frameLen {
			// Full. Help reclaim consumed frames, then retry.
			c.advanceFree()
			spin.wait()
			continue
		}
		if atomic.CompareAndSwapUint64(&s.writePos, write, write+frameLen) {
			pos = write
			break
		}
	}

	off := pos & c.mask
	atomic.StoreInt32(c.lenPtr(off), -int32(frameLen))
	c.putFrameMeta(off, typeIndex, typeHash)
	c.copyIn(pos+FrameHeaderSize, payload)
	// Zero the alignment padding. Reclaimed space keeps the old frames'
	// consumed-length words, and one of those could otherwise sit inside
	// this frame's padding and leak to the receiver.
	if pad := frameLen - FrameHeaderSize - uint64(len(payload)); pad > 0 {
		c.zeroRange(pos+FrameHeaderSize+uint64(len(payload)), pad)
	}
	atomic.StoreInt32(c.lenPtr(off), int32(frameLen))

	if atomic.LoadUint32(&s.readersWaiting) != 0 {
		atomic.AddUint32(&s.signal, 1)
		futexWakeAll(&s.signal)
	}
	return nil
}

// claim attempts to take ownership of the next committed frame. It returns
// ok=false when the frame at the read cursor is not committed (virgin space,
// a writer mid-serialization, or an already consumed frame racing with free
// advancement).
func (c *Channel) claim() (pos, frameLen uint64, ok bool, err error) {
	s := c.sync()
	for {
		read := atomic.LoadUint64(&s.readPos)
		l := atomic.LoadInt32(c.lenPtr(read & c.mask))
		if l <= 0 {
			return 0, 0, false, nil
		}
		frameLen = uint64(l)
		if frameLen < FrameHeaderSize || frameLen > c.size || frameLen%FrameAlignment != 0 {
			return 0, 0, false, fmt.Errorf("%w: length %d at position %d", ErrCorruptFrame, l, read)
		}
		if atomic.CompareAndSwapUint64(&s.readPos, read, read+frameLen) {
			return read, frameLen, true, nil
		}
	}
}

// consume retires a claimed frame: its bytes past the length field are
// zeroed so no stale positive length or payload survives into the frame's
// next life, the length flips negative to mark the space consumed, and the
// free cursor is advanced past every contiguous consumed frame.
func (c *Channel) consume(pos, frameLen uint64) {
	c.zeroRange(pos+4, frameLen-4)
	atomic.StoreInt32(c.lenPtr(pos&c.mask), -int32(frameLen))
	c.advanceFree()
}

// advanceFree moves the free cursor past consumed frames. Safe to call from
// any party at any time: the CAS only moves the cursor over a frame whose
// length is negative, and the space at a given cursor value cannot be
// rewritten until the cursor passes it, so a stale negative length is never
// misread as belonging to a newer frame.
func (c *Channel) advanceFree() {
	s := c.sync()
	for {
		free := atomic.LoadUint64(&s.freePos)
		if free == atomic.LoadUint64(&s.readPos) {
			return
		}
		l := atomic.LoadInt32(c.lenPtr(free & c.mask))
		if l >= 0 {
			return
		}
		atomic.CompareAndSwapUint64(&s.freePos, free, free+uint64(-l))
		// On CAS failure another reader advanced for us; either way re-check
		// for further consumed frames.
	}
}

// TryReceive claims the next committed frame, copies it out, and retires it.
// It returns ok=false when no committed frame is ready. The returned payload
// includes the zero padding up to the frame alignment.
func (c *Channel) TryReceive() (Frame, bool, error) {
	pos, frameLen, ok, err := c.claim()
	if err != nil || !ok {
		return Frame{}, false, err
	}
	typeIndex, typeHash := c.frameMeta(pos & c.mask)
	payload := make([]byte, frameLen-FrameHeaderSize)
	c.copyOut(payload, pos+FrameHeaderSize)
	c.consume(pos, frameLen)
	return Frame{TypeIndex: typeIndex, TypeHash: typeHash, Payload: payload}, true, nil
}

// Handler resolves a claimed frame's type to the callback that handles it.
// A resolution error is fatal to the dispatch loop, but the offending frame
// is still retired first so the channel keeps flowing for other readers.
type Handler interface {
	Resolve(typeIndex uint32, typeHash uint64) (func(payload []byte) error, error)
}

// DispatchOne claims and dispatches a single frame. It reports whether a
// frame was handled; (false, nil) means no committed frame was ready. The
// payload passed to the callback aliases the shared buffer when the frame
// did not wrap, and is only valid for the duration of the call.
func (c *Channel) DispatchOne(h Handler) (bool, error) {
	pos, frameLen, ok, err := c.claim()
	if err != nil || !ok {
		return false, err
	}
	typeIndex, typeHash := c.frameMeta(pos & c.mask)

	cb, err := h.Resolve(typeIndex, typeHash)
	if err != nil {
		c.consume(pos, frameLen)
		return false, fmt.Errorf("channel: frame at position %d: %w", pos, err)
	}

	payload := c.payloadView(pos, frameLen)
	if payload == nil && frameLen > FrameHeaderSize {
		payload = make([]byte, frameLen-FrameHeaderSize)
		c.copyOut(payload, pos+FrameHeaderSize)
	}
	cbErr := cb(payload)
	c.consume(pos, frameLen)
	if cbErr != nil {
		return true, fmt.Errorf("channel: dispatch type %d: %w", typeIndex, cbErr)
	}
	return true, nil
}

// RunDispatchLoop claims and dispatches frames until the channel is
// terminated or an error occurs. Multiple loops may run concurrently, in one
// process or several; each committed frame is dispatched by exactly one of
// them.
//
// An idle loop spins briefly, then registers in the waiting-readers counter
// and parks on the futex word. The park is bounded by parkInterval so
// termination is observed even without a final wake.
func (c *Channel) RunDispatchLoop(h Handler) error {
	s := c.sync()
	atomic.AddUint32(&s.readersActive, 1)
	defer atomic.AddUint32(&s.readersActive, ^uint32(0))

	var spin spinWait
	for {
		handled, err := c.DispatchOne(h)
		if err != nil {
			return err
		}
		if handled {
			spin.reset()
			continue
		}
		if atomic.LoadUint32(&s.terminate) != 0 {
			return nil
		}
		if !spin.exhausted() {
			spin.wait()
			continue
		}
		c.park(s)
		spin.reset()
	}
}

// park blocks until a writer bumps the signal word, the park interval
// elapses, or a frame is already committed. The waiting counter is raised
// before the final readiness check so a commit between check and sleep
// cannot be missed: either the writer sees the counter and bumps the signal
// word, failing our futex wait, or we see the committed frame.
func (c *Channel) park(s *syncBlock) {
	seq := atomic.LoadUint32(&s.signal)
	atomic.AddUint32(&s.readersWaiting, 1)
	if atomic.LoadInt32(c.lenPtr(atomic.LoadUint64(&s.readPos)&c.mask)) <= 0 &&
		atomic.LoadUint32(&s.terminate) == 0 {
		futexWait(&s.signal, seq, parkInterval)
	}
	atomic.AddUint32(&s.readersWaiting, ^uint32(0))
}

// Terminate shuts the channel down. Subsequent sends fail with
// ErrTerminated, dispatch loops in every attached process return once they
// go idle, and parked readers are woken immediately. Terminate is idempotent
// and may be called from any process.
func (c *Channel) Terminate() {
	s := c.sync()
	atomic.StoreUint32(&s.terminate, 1)
	atomic.AddUint32(&s.signal, 1)
	futexWakeAll(&s.signal)
}

// AdvanceFreePosition reclaims consumed frames. Readers already do this
// after every dispatch; the method exists for writers that want to help
// reclamation along under backpressure and for diagnostics.
func (c *Channel) AdvanceFreePosition() {
	c.advanceFree()
}

// Snapshot returns a diagnostic snapshot of cursors and counters.
func (c *Channel) Snapshot() State {
	s := c.sync()
	return State{
		WritePosition:  atomic.LoadUint64(&s.writePos),
		ReadPosition:   atomic.LoadUint64(&s.readPos),
		FreePosition:   atomic.LoadUint64(&s.freePos),
		ReadersWaiting: atomic.LoadUint32(&s.readersWaiting),
		ReadersActive:  atomic.LoadUint32(&s.readersActive),
		Terminated:     atomic.LoadUint32(&s.terminate) != 0,
		Capacity:       c.size,
	}
}
