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

// Package dispatch maps message type indices to handler callbacks.
//
// Type indices are assigned by code generation: each message assembly gets a
// contiguous range starting at its registration base, so the global table is
// a flat slice indexed directly by type index. Index 0 is reserved as the
// invalid index. Every entry carries the structural hash of the type's wire
// layout; a frame whose hash disagrees with the table was produced by a
// process running a different version of the assembly, and dispatching it
// would misinterpret the payload.
//
// Registration happens during startup, before any dispatch loop runs. Freeze
// marks the end of registration; afterwards the table is immutable and
// lookups are safe from any goroutine without synchronization.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrUnknownTypeIndex indicates a frame whose type index has no
	// registered callback.
	ErrUnknownTypeIndex = errors.New("dispatch: unknown type index")

	// ErrTypeHashMismatch indicates a frame whose type hash disagrees with
	// the registered one: sender and receiver were built from different
	// versions of the message assembly.
	ErrTypeHashMismatch = errors.New("dispatch: type hash mismatch")

	// ErrFrozen indicates a registration after Freeze.
	ErrFrozen = errors.New("dispatch: registry frozen")
)

// Callback handles one dispatched message. The payload aliases the shared
// buffer and is only valid for the duration of the call; callbacks that need
// to retain bytes must copy them.
type Callback func(payload []byte) error

// Entry is one registered type: its structural layout hash and handler.
// A nil Callback registers the type hash but dispatches of it fail with
// ErrUnknownTypeIndex; assemblies use this for message types they emit but
// never consume.
type Entry struct {
	TypeHash uint64
	Callback Callback
}

// Registry is the global dispatch table of one process.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	table  []Entry // indexed by type index, slot 0 reserved
}

// NewRegistry returns an empty registry. The next assembly registers at
// base 1.
func NewRegistry() *Registry {
	return &Registry{table: make([]Entry, 1)}
}

// NextBase returns the type index the next assembly registration must use.
func (r *Registry) NextBase() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(len(r.table))
}

// RegisterAssembly appends an assembly's entries to the table. The entries
// occupy indices base through base+len(entries)-1; base must equal NextBase,
// which keeps every process's table index-compatible as long as all register
// their assemblies in the same order.
func (r *Registry) RegisterAssembly(base uint32, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if base != uint32(len(r.table)) {
		return fmt.Errorf("dispatch: assembly base %d, expected %d", base, len(r.table))
	}
	r.table = append(r.table, entries...)
	return nil
}

// Freeze ends registration. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table) - 1
}

// Resolve returns the callback for a frame's type index after verifying the
// type hash. Only valid after Freeze.
func (r *Registry) Resolve(typeIndex uint32, typeHash uint64) (func(payload []byte) error, error) {
	if typeIndex == 0 || typeIndex >= uint32(len(r.table)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTypeIndex, typeIndex)
	}
	e := r.table[typeIndex]
	if e.TypeHash != typeHash {
		return nil, fmt.Errorf("%w: type %d has hash %#x, frame carries %#x", ErrTypeHashMismatch, typeIndex, e.TypeHash, typeHash)
	}
	if e.Callback == nil {
		return nil, fmt.Errorf("%w: type %d has no callback", ErrUnknownTypeIndex, typeIndex)
	}
	return e.Callback, nil
}

// Lookup returns the callback for a type index without verifying the type
// hash. Frames coming off a channel go through Resolve instead; Lookup is
// for in-process invocation where no wire hash exists.
func (r *Registry) Lookup(typeIndex uint32) (Callback, error) {
	if typeIndex == 0 || typeIndex >= uint32(len(r.table)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTypeIndex, typeIndex)
	}
	if cb := r.table[typeIndex].Callback; cb != nil {
		return cb, nil
	}
	return nil, fmt.Errorf("%w: type %d has no callback", ErrUnknownTypeIndex, typeIndex)
}

// TypeHash returns the registered hash for a type index, for senders that
// need to stamp frames.
func (r *Registry) TypeHash(typeIndex uint32) (uint64, error) {
	if typeIndex == 0 || typeIndex >= uint32(len(r.table)) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTypeIndex, typeIndex)
	}
	return r.table[typeIndex].TypeHash, nil
}

// Observed is a handler view of a registry that reports every successfully
// resolved type index to an observer, before the callback runs.
type Observed struct {
	r       *Registry
	observe func(typeIndex uint32)
}

// WithObserver returns a handler view of the registry that invokes observe
// for every frame it resolves. Used to hang dispatch counters off the hot
// path without touching the table itself.
func (r *Registry) WithObserver(observe func(typeIndex uint32)) *Observed {
	return &Observed{r: r, observe: observe}
}

// Resolve implements the channel handler contract.
func (o *Observed) Resolve(typeIndex uint32, typeHash uint64) (func(payload []byte) error, error) {
	cb, err := o.r.Resolve(typeIndex, typeHash)
	if err != nil {
		return nil, err
	}
	o.observe(typeIndex)
	return cb, nil
}

// TypeHashOf hashes a type's canonical layout string. Code generation emits
// the layout string deterministically from the field types and order, so
// equal layouts hash equally across languages and builds.
func TypeHashOf(layout string) uint64 {
	return xxhash.Sum64String(layout)
}
