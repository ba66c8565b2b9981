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

//go:build linux

package channel

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex word lives in a mapping shared across processes, so the
// process-private futex variants must not be used here: FUTEX_PRIVATE_FLAG
// keys the wait queue by mm, and waiters in one process would never see
// wakes from another.

// Futex op codes from the Linux ABI (linux/futex.h); x/sys/unix exports
// only the syscall number, not the op constants.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait blocks until the word at addr no longer holds val, a wake
// arrives, or the timeout elapses. Spurious returns are fine; callers loop.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	// EAGAIN (word changed), EINTR, and ETIMEDOUT are all normal outcomes.
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
}

// futexWakeAll wakes every waiter parked on addr.
func futexWakeAll(addr *uint32) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(math.MaxInt32),
		0, 0, 0)
}
