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
	"errors"
	"testing"
)

func newTestRecord(t *testing.T, initial []byte) *Record {
	t.Helper()
	d := newTestDictionary(t, 1<<20)
	rec, err := d.Insert(Config{TypeIndex: 1, KeyHash: 12345, Initial: initial})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return rec
}

func TestRecordUpdateVisibility(t *testing.T) {
	initial := bytes.Repeat([]byte{0xAA}, 48)
	rec := newTestRecord(t, initial)

	if rec.ConfigID() != 1 {
		t.Fatalf("fresh record ConfigID = %d, want 1", rec.ConfigID())
	}

	got := make([]byte, 48)
	if err := rec.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, initial) {
		t.Fatalf("read %x, want initial %x", got, initial)
	}

	next := bytes.Repeat([]byte{0xBB}, 48)
	if err := rec.Update(next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.ConfigID() != 2 {
		t.Fatalf("ConfigID after update = %d, want 2", rec.ConfigID())
	}
	if err := rec.Read(got); err != nil {
		t.Fatalf("Read after update: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Fatalf("read %x after update, want %x", got, next)
	}
}

func TestRecordSizeMismatch(t *testing.T) {
	rec := newTestRecord(t, make([]byte, 32))

	if err := rec.Read(make([]byte, 16)); err == nil {
		t.Error("Read with short buffer succeeded")
	}
	if err := rec.Update(make([]byte, 64)); err == nil {
		t.Error("Update with long value succeeded")
	}
}

func TestRecordNoTornReads(t *testing.T) {
	// The updater writes values whose bytes are all equal; any read
	// observing two different bytes saw a torn mix of versions.
	const copySize = 256
	rec := newTestRecord(t, make([]byte, copySize))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, copySize)
		for v := 1; v <= 2000; v++ {
			for i := range buf {
				buf[i] = byte(v)
			}
			if err := rec.Update(buf); err != nil {
				t.Errorf("Update %d: %v", v, err)
				return
			}
		}
	}()

	got := make([]byte, copySize)
	contended := 0
	for i := 0; i < 5000; i++ {
		err := rec.Read(got)
		if errors.Is(err, ErrContention) {
			contended++
			continue
		}
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		for j := 1; j < copySize; j++ {
			if got[j] != got[0] {
				t.Fatalf("torn read: byte 0 is %d, byte %d is %d", got[0], j, got[j])
			}
		}
	}
	<-done
	t.Logf("reads hitting the retry bound: %d", contended)
}
