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

package channel

import (
	"runtime"
	"time"
)

// spinWait is an escalating wait: scheduler yields for the first
// spinYieldLimit rounds, then short sleeps. Writers under backpressure use
// it indefinitely; idle readers use exhaustion as the cue to park on the
// futex instead.
type spinWait struct {
	n uint32
}

func (w *spinWait) wait() {
	w.n++
	if w.n <= spinYieldLimit {
		runtime.Gosched()
		return
	}
	time.Sleep(50 * time.Microsecond)
}

func (w *spinWait) exhausted() bool {
	return w.n >= spinYieldLimit
}

func (w *spinWait) reset() {
	w.n = 0
}
