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

// Package shmlink is a shared-memory IPC core for pairing a target process
// with an external agent: lock-free message channels, a shared config
// dictionary, and a dispatch registry, all over named shared-memory regions.
//
// A Context ties the pieces together. The creating side calls CreateContext,
// which lays out four regions under a common name: a global bootstrap
// region, a control channel (messages toward the agent), a feedback channel
// (messages toward the target), and a shared-config region holding the
// dictionary and its records. The peer calls OpenContext with the same name
// and attaches to the same mappings. Either side then sends framed messages
// with SendControl/SendFeedback, runs dispatch loops against a frozen
// dispatch.Registry, and reads or updates config records that both processes
// observe without copying through the kernel.
//
// The sub-packages are usable on their own: region for named mappings with
// validated headers, arena for offset-based bump allocation inside a
// mapping, sharedconfig for the dictionary and its seqlock records, channel
// for the circular message channel, dispatch for the type registry.
package shmlink
