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

package region

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// uniqueName makes region names that cannot collide across test runs or
// packages sharing /dev/shm.
func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%d-%d", os.Getpid(), time.Now().UnixNano())
}

func TestCreateOpenRoundTrip(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindGlobal, 3, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.CloseAndRemove()

	if !r.Owner() {
		t.Fatal("creator is not the owner")
	}
	if !Exists(name) {
		t.Fatal("Exists = false after Create")
	}

	h := r.Header()
	if h.Kind() != KindGlobal || h.TotalSize() != 4096 || h.RegionIndex() != 3 {
		t.Fatalf("header: kind=%s size=%d index=%d", h.Kind(), h.TotalSize(), h.RegionIndex())
	}

	peer, err := Open(name, KindGlobal)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer peer.Close()

	if peer.Owner() {
		t.Fatal("opener claims ownership")
	}
	if peer.Header().TotalSize() != 4096 {
		t.Fatalf("peer sees size %d", peer.Header().TotalSize())
	}

	// Writes through one mapping are visible through the other.
	r.Mem[100] = 0x5A
	if peer.Mem[100] != 0x5A {
		t.Fatal("peer mapping does not share memory with creator")
	}
}

func TestCreateCollision(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindSharedConfig, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.CloseAndRemove()

	if _, err := Create(name, KindSharedConfig, 0, 4096); err == nil {
		t.Fatal("second Create with the same name succeeded")
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(uniqueName(t), KindGlobal); err == nil {
		t.Fatal("Open of a missing region succeeded")
	}
}

func TestOpenKindMismatch(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindControlChannel, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.CloseAndRemove()

	if _, err := Open(name, KindFeedbackChannel); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("Open with wrong kind: err = %v, want ErrKindMismatch", err)
	}
	// KindInvalid accepts anything; diagnostic tools rely on this.
	d, err := Open(name, KindInvalid)
	if err != nil {
		t.Fatalf("Open with KindInvalid: %v", err)
	}
	d.Close()
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindGlobal, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.CloseAndRemove()

	cases := []struct {
		name    string
		corrupt func()
		restore func()
		want    error
	}{
		{
			"bad magic",
			func() { r.Mem[0] = 'X' },
			func() { r.Mem[0] = Magic[0] },
			ErrBadMagic,
		},
		{
			"bad version",
			func() { r.Header().SetVersion(99) },
			func() { r.Header().SetVersion(Version) },
			ErrBadVersion,
		},
	}
	for _, tc := range cases {
		tc.corrupt()
		if _, err := Open(name, KindGlobal); !errors.Is(err, tc.want) {
			t.Errorf("%s: Open err = %v, want %v", tc.name, err, tc.want)
		}
		tc.restore()
	}
	if _, err := Open(name, KindGlobal); err != nil {
		t.Fatalf("Open after restore: %v", err)
	}
}

func TestCreateTooSmall(t *testing.T) {
	if _, err := Create(uniqueName(t), KindGlobal, 0, 32); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("Create(32): err = %v, want ErrTooSmall", err)
	}
}

func TestRemove(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindGlobal, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Close()

	if !Exists(name) {
		t.Fatal("region gone after Close")
	}
	if err := Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if Exists(name) {
		t.Fatal("region still present after Remove")
	}
}

func TestCloseAndRemove(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindGlobal, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.CloseAndRemove(); err != nil {
		t.Fatalf("CloseAndRemove: %v", err)
	}
	if Exists(name) {
		t.Fatal("region still present after CloseAndRemove")
	}
	// Idempotent against double cleanup.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAssemblyCountConcurrent(t *testing.T) {
	name := uniqueName(t)
	r, err := Create(name, KindGlobal, 0, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.CloseAndRemove()

	h := r.Header()
	var wg sync.WaitGroup
	bases := make([]uint32, 8)
	for i := range bases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bases[i] = h.AddAssemblyCount(5)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, b := range bases {
		if b%5 != 0 || seen[b] {
			t.Fatalf("bases not disjoint multiples of 5: %v", bases)
		}
		seen[b] = true
	}
	if got := h.AssemblyCount(); got != 40 {
		t.Fatalf("final count = %d, want 40", got)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want uint64 }{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
		{100, 16, 112},
	}
	for _, tc := range cases {
		if got := AlignUp(tc.n, tc.align); got != tc.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tc.n, tc.align, got, tc.want)
		}
	}
}
