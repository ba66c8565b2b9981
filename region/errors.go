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

import "errors"

var (
	// ErrBadMagic indicates the mapped file is not a shmlink region.
	ErrBadMagic = errors.New("bad magic")

	// ErrBadVersion indicates a header layout version mismatch.
	ErrBadVersion = errors.New("unsupported header version")

	// ErrKindMismatch indicates the region holds a different kind than the
	// caller asked to open.
	ErrKindMismatch = errors.New("region kind mismatch")

	// ErrTooSmall indicates a region size below the minimum for its layout.
	ErrTooSmall = errors.New("region size too small")
)
