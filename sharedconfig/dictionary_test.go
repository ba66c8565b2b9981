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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shmlink/shmlink/arena"
)

func newTestDictionary(t *testing.T, size uint32) *Dictionary {
	t.Helper()
	mem := make([]byte, size)
	alloc, err := arena.Initialize(mem, 64, 192, size)
	if err != nil {
		t.Fatalf("arena.Initialize: %v", err)
	}
	d, err := Initialize(mem, 128, alloc)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d
}

// keyed builds a config whose serialized form embeds the key name in its
// first bytes, so MatchKey can compare real key fields.
func keyed(typeIndex uint32, name string, value uint64) (Config, Key) {
	serialized := make([]byte, 32)
	copy(serialized, name)
	binary.LittleEndian.PutUint64(serialized[24:], value)

	match := func(s []byte) bool {
		return bytes.Equal(s[:24], serialized[:24])
	}
	hash := HashKeyString(name)
	cfg := Config{TypeIndex: typeIndex, KeyHash: hash, Initial: serialized, MatchKey: match}
	key := Key{TypeIndex: typeIndex, Hash: hash, Matches: match}
	return cfg, key
}

func TestInsertLookupRoundTrip(t *testing.T) {
	d := newTestDictionary(t, 1<<20)

	cfg, key := keyed(7, "fsbuf", 4096)
	inserted, err := d.Insert(cfg)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found, err := d.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.Offset() != inserted.Offset() {
		t.Fatalf("lookup found offset %d, insert returned %d", found.Offset(), inserted.Offset())
	}
	if found.TypeIndex() != 7 || found.KeyHash() != key.Hash {
		t.Fatalf("record identity mismatch: type %d hash %#x", found.TypeIndex(), found.KeyHash())
	}

	got := make([]byte, found.CopySize())
	if err := found.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, cfg.Initial) {
		t.Fatalf("read back %x, want %x", got, cfg.Initial)
	}
}

func TestLookupNotFound(t *testing.T) {
	d := newTestDictionary(t, 1<<20)

	cfg, _ := keyed(1, "present", 1)
	if _, err := d.Insert(cfg); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, absent := keyed(1, "absent", 0)
	if _, err := d.Lookup(absent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup absent key: err = %v, want ErrNotFound", err)
	}

	// Same key name under a different type index is a different key.
	_, otherType := keyed(2, "present", 1)
	if _, err := d.Lookup(otherType); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup with other type index: err = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	d := newTestDictionary(t, 1<<20)

	cfg, _ := keyed(3, "dup", 10)
	if _, err := d.Insert(cfg); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := d.Insert(cfg); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second Insert: err = %v, want ErrDuplicateKey", err)
	}
}

func TestManyKeysWithCollisions(t *testing.T) {
	d := newTestDictionary(t, 1<<20)

	const n = 500
	for i := 0; i < n; i++ {
		cfg, _ := keyed(9, fmt.Sprintf("key-%04d", i), uint64(i))
		if _, err := d.Insert(cfg); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if got := d.Len(); got != n {
		t.Fatalf("Len = %d, want %d", got, n)
	}

	for i := 0; i < n; i++ {
		_, key := keyed(9, fmt.Sprintf("key-%04d", i), uint64(i))
		rec, err := d.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		got := make([]byte, rec.CopySize())
		if err := rec.Read(got); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if binary.LittleEndian.Uint64(got[24:]) != uint64(i) {
			t.Fatalf("key %d read back value %d", i, binary.LittleEndian.Uint64(got[24:]))
		}
	}
}

func TestDictionaryFull(t *testing.T) {
	if testing.Short() {
		t.Skip("fills all 2039 slots")
	}
	d := newTestDictionary(t, 1<<20)

	for i := uint32(0); i < DictCapacity; i++ {
		cfg, _ := keyed(1, fmt.Sprintf("fill-%04d", i), uint64(i))
		if _, err := d.Insert(cfg); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	cfg, _ := keyed(1, "one-too-many", 0)
	if _, err := d.Insert(cfg); !errors.Is(err, ErrDictionaryFull) {
		t.Fatalf("Insert into full dictionary: err = %v, want ErrDictionaryFull", err)
	}
}

func TestConcurrentInsertDistinctKeys(t *testing.T) {
	d := newTestDictionary(t, 1<<20)

	const (
		workers = 4
		each    = 100
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				cfg, _ := keyed(5, fmt.Sprintf("w%d-k%03d", w, i), uint64(w*1000+i))
				if _, err := d.Insert(cfg); err != nil {
					t.Errorf("worker %d insert %d: %v", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := d.Len(); got != workers*each {
		t.Fatalf("Len = %d, want %d", got, workers*each)
	}
	for w := 0; w < workers; w++ {
		for i := 0; i < each; i++ {
			_, key := keyed(5, fmt.Sprintf("w%d-k%03d", w, i), 0)
			if _, err := d.Lookup(key); err != nil {
				t.Fatalf("lookup w%d-k%03d: %v", w, i, err)
			}
		}
	}
}
