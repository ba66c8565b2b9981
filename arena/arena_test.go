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

package arena

import (
	"errors"
	"sync"
	"testing"
)

func newTestAllocator(t *testing.T, size uint32) *Allocator {
	t.Helper()
	mem := make([]byte, size)
	a, err := Initialize(mem, 64, 128, size)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a
}

func TestAllocateMonotonic(t *testing.T) {
	a := newTestAllocator(t, 1<<16)

	var prev uint32
	for i := 0; i < 10; i++ {
		off, err := a.Allocate(100)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if off <= prev {
			t.Fatalf("offset %d not greater than previous %d", off, prev)
		}
		if (off-EntrySize)%Alignment != 0 {
			t.Fatalf("entry offset %d not %d-byte aligned", off-EntrySize, Alignment)
		}
		prev = off
	}

	st := a.Stats()
	if st.AllocationCount != 10 {
		t.Fatalf("allocation count = %d, want 10", st.AllocationCount)
	}
}

func TestAllocateZeroSize(t *testing.T) {
	a := newTestAllocator(t, 1<<12)

	before := a.Stats().FreeOffset
	off, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if off == 0 {
		t.Fatal("Allocate(0) returned offset 0")
	}
	after := a.Stats().FreeOffset
	if after != before+Alignment {
		t.Fatalf("zero-size allocation consumed %d bytes, want %d", after-before, Alignment)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := newTestAllocator(t, 1<<12)

	before := a.Stats()
	if _, err := a.Allocate(1 << 12); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oversized Allocate: err = %v, want ErrOutOfMemory", err)
	}
	after := a.Stats()
	if before != after {
		t.Fatalf("failed allocation mutated state: %+v -> %+v", before, after)
	}

	// The allocator must still work after a failed request.
	if _, err := a.Allocate(64); err != nil {
		t.Fatalf("Allocate after failure: %v", err)
	}
}

func TestAllocateUntilFull(t *testing.T) {
	a := newTestAllocator(t, 1<<12)

	n := 0
	for {
		_, err := a.Allocate(64)
		if errors.Is(err, ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		n++
		if n > 1000 {
			t.Fatal("allocator never reported exhaustion")
		}
	}
	// 4096 bytes, heap starts at 128, 128 bytes per allocation, and the
	// last byte is never handed out.
	if n != 30 {
		t.Fatalf("made %d allocations before exhaustion, want 30", n)
	}
}

func TestWalkVisitsAllInOrder(t *testing.T) {
	a := newTestAllocator(t, 1<<14)

	var want []uint32
	for i := 0; i < 5; i++ {
		off, err := a.Allocate(32)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		want = append(want, off-EntrySize)
	}

	var got []uint32
	a.Walk(func(entryOff uint32) {
		got = append(got, entryOff)
	})
	if len(got) != len(want) {
		t.Fatalf("walk visited %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk order: entry %d is %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConcurrentAllocate(t *testing.T) {
	const (
		workers = 8
		each    = 50
	)
	a := newTestAllocator(t, 1<<20)

	offsets := make([][]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				off, err := a.Allocate(48)
				if err != nil {
					t.Errorf("worker %d: Allocate: %v", w, err)
					return
				}
				offsets[w] = append(offsets[w], off)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, offs := range offsets {
		for _, off := range offs {
			if seen[off] {
				t.Fatalf("offset %d handed out twice", off)
			}
			seen[off] = true
		}
	}
	if st := a.Stats(); st.AllocationCount != workers*each {
		t.Fatalf("allocation count = %d, want %d", st.AllocationCount, workers*each)
	}

	walked := 0
	a.Walk(func(uint32) { walked++ })
	if walked != workers*each {
		t.Fatalf("walk visited %d entries, want %d", walked, workers*each)
	}
}

func TestAttachSeesSameState(t *testing.T) {
	mem := make([]byte, 1<<12)
	a, err := Initialize(mem, 64, 128, 1<<12)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := a.Allocate(100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	b := Attach(mem, 64)
	if got, want := b.Stats(), a.Stats(); got != want {
		t.Fatalf("attached view stats = %+v, want %+v", got, want)
	}
	off, err := b.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate via attached view: %v", err)
	}
	if off <= 128 {
		t.Fatalf("attached view allocated at %d, inside the first allocation", off)
	}
}

func TestInitializeRejectsBadLayout(t *testing.T) {
	mem := make([]byte, 1<<12)
	cases := []struct {
		name                 string
		blockOff, first, end uint32
	}{
		{"end beyond mapping", 64, 128, 1 << 13},
		{"block overlaps heap", 64, 100, 1 << 12},
		{"empty heap", 64, 1 << 12, 1 << 12},
	}
	for _, tc := range cases {
		if _, err := Initialize(mem, tc.blockOff, tc.first, tc.end); err == nil {
			t.Errorf("%s: Initialize accepted layout block=%d first=%d end=%d", tc.name, tc.blockOff, tc.first, tc.end)
		}
	}
}
