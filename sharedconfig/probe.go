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

import "github.com/cespare/xxhash/v2"

// DictCapacity is the slot count of a config dictionary. It is prime and
// congruent to 3 mod 4, which makes the alternating quadratic probe sequence
// below visit every slot exactly once before repeating. Chosen as the
// largest such prime not above 2048 so a dictionary block stays within the
// historical 8 KiB slot-array budget.
const DictCapacity = 2039

// Probe returns the slot index for the given key hash and probe attempt.
//
// The sequence is h, h+1^2, h-1^2, h+2^2, h-2^2, ... (mod capacity). For a
// prime capacity p = 3 (mod 4) the first p attempts enumerate all p slots, so an
// unsuccessful probe chain terminates at an empty slot or after exactly
// capacity attempts, with no secondary collision structure needed.
func Probe(hash uint64, attempt, capacity uint32) uint32 {
	h := uint32(hash % uint64(capacity))
	if attempt == 0 {
		return h
	}
	k := uint64((attempt + 1) / 2)
	step := uint32((k * k) % uint64(capacity))
	if attempt%2 == 1 {
		return (h + step) % capacity
	}
	return (h + capacity - step) % capacity
}

// HashKey hashes the serialized primary-key fields of a config. Every
// process must serialize the key fields identically (the code-generation
// layer guarantees this), so the hash is stable across processes.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashKeyString is HashKey for string-typed keys without an allocation.
func HashKeyString(key string) uint64 {
	return xxhash.Sum64String(key)
}
