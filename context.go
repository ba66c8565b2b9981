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

package shmlink

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/shmlink/shmlink/arena"
	"github.com/shmlink/shmlink/channel"
	"github.com/shmlink/shmlink/dispatch"
	"github.com/shmlink/shmlink/region"
	"github.com/shmlink/shmlink/sharedconfig"
)

// Region name suffixes of one context's region set.
const (
	suffixGlobal   = "global"
	suffixControl  = "control"
	suffixFeedback = "feedback"
	suffixConfig   = "config"
)

// Context is one process's attachment to a named region set: the global
// bootstrap region, the two message channels, and the shared-config
// dictionary. A Context is safe for concurrent use by multiple goroutines.
type Context struct {
	opts    Options
	log     *slog.Logger
	metrics *contextMetrics

	global   *region.Region
	control  *region.Region
	feedback *region.Region
	config   *region.Region

	controlCh  *channel.Channel
	feedbackCh *channel.Channel

	alloc *arena.Allocator
	dict  *sharedconfig.Dictionary

	closeMu sync.Mutex
	closed  atomic.Bool
}

// ContextOption customizes a Context at construction.
type ContextOption func(*Context)

// WithLogger sets the logger for lifecycle and dispatch-failure events.
// Defaults to slog.Default.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *Context) {
		c.log = l
	}
}

// CreateContext creates the four regions of a named region set, initializes
// their shared structures, and returns the owning Context. Creation is
// exclusive per region name; a collision with an existing set fails and
// removes whatever this call had created so far.
func CreateContext(opts Options, copts ...ContextOption) (*Context, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := newContext(opts, copts)

	var created []*region.Region
	fail := func(err error) (*Context, error) {
		for _, r := range created {
			r.CloseAndRemove()
		}
		return nil, err
	}

	var err error
	if c.global, err = region.Create(opts.regionName(suffixGlobal), region.KindGlobal, 0, uint64(opts.GlobalRegionSize)); err != nil {
		return fail(err)
	}
	created = append(created, c.global)

	if c.control, err = region.Create(opts.regionName(suffixControl), region.KindControlChannel, 0, channelDataOffset+opts.ControlBufferSize); err != nil {
		return fail(err)
	}
	created = append(created, c.control)

	if c.feedback, err = region.Create(opts.regionName(suffixFeedback), region.KindFeedbackChannel, 0, channelDataOffset+opts.FeedbackBufferSize); err != nil {
		return fail(err)
	}
	created = append(created, c.feedback)

	if c.config, err = region.Create(opts.regionName(suffixConfig), region.KindSharedConfig, 0, uint64(opts.ConfigRegionSize)); err != nil {
		return fail(err)
	}
	created = append(created, c.config)

	if c.alloc, err = arena.Initialize(c.config.Mem, configArenaOffset, configHeapOffset, opts.ConfigRegionSize); err != nil {
		return fail(err)
	}
	if c.dict, err = sharedconfig.Initialize(c.config.Mem, configDictOffset, c.alloc); err != nil {
		return fail(err)
	}
	if err = c.attachChannels(opts.ControlBufferSize, opts.FeedbackBufferSize); err != nil {
		return fail(err)
	}

	c.log.Info("region set created",
		"name", opts.Name,
		"control_capacity", opts.ControlBufferSize,
		"feedback_capacity", opts.FeedbackBufferSize,
		"config_size", opts.ConfigRegionSize)
	return c, nil
}

// OpenContext attaches to an existing named region set created by a peer.
// Buffer capacities come from the region headers, so only the name inside
// opts has to match the creator's.
func OpenContext(opts Options, copts ...ContextOption) (*Context, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("shmlink: options: empty name")
	}
	c := newContext(opts, copts)

	var opened []*region.Region
	fail := func(err error) (*Context, error) {
		for _, r := range opened {
			r.Close()
		}
		return nil, err
	}

	var err error
	if c.global, err = region.Open(opts.regionName(suffixGlobal), region.KindGlobal); err != nil {
		return fail(err)
	}
	opened = append(opened, c.global)

	if c.control, err = region.Open(opts.regionName(suffixControl), region.KindControlChannel); err != nil {
		return fail(err)
	}
	opened = append(opened, c.control)

	if c.feedback, err = region.Open(opts.regionName(suffixFeedback), region.KindFeedbackChannel); err != nil {
		return fail(err)
	}
	opened = append(opened, c.feedback)

	if c.config, err = region.Open(opts.regionName(suffixConfig), region.KindSharedConfig); err != nil {
		return fail(err)
	}
	opened = append(opened, c.config)

	c.alloc = arena.Attach(c.config.Mem, configArenaOffset)
	c.dict = sharedconfig.Attach(c.config.Mem, configDictOffset, c.alloc)

	controlSize := c.control.Header().TotalSize() - channelDataOffset
	feedbackSize := c.feedback.Header().TotalSize() - channelDataOffset
	if err = c.attachChannels(controlSize, feedbackSize); err != nil {
		return fail(err)
	}

	c.log.Info("region set opened",
		"name", opts.Name,
		"control_capacity", controlSize,
		"feedback_capacity", feedbackSize)
	return c, nil
}

func newContext(opts Options, copts []ContextOption) *Context {
	c := &Context{
		opts:    opts,
		log:     slog.Default(),
		metrics: newContextMetrics(opts.Name),
	}
	for _, o := range copts {
		o(c)
	}
	return c
}

func (c *Context) attachChannels(controlSize, feedbackSize uint64) error {
	var err error
	if c.controlCh, err = channel.New(c.control.Mem, channelSyncOffset, channelDataOffset, controlSize); err != nil {
		return err
	}
	c.feedbackCh, err = channel.New(c.feedback.Mem, channelSyncOffset, channelDataOffset, feedbackSize)
	return err
}

// Name returns the region set name.
func (c *Context) Name() string {
	return c.opts.Name
}

// SendControl sends a frame on the control channel. Blocks while the buffer
// is full; fails with channel.ErrTerminated after TerminateControl.
func (c *Context) SendControl(typeIndex uint32, typeHash uint64, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.controlCh.Send(typeIndex, typeHash, payload); err != nil {
		return err
	}
	c.metrics.addSent(c.metrics.controlAttrs)
	return nil
}

// SendFeedback sends a frame on the feedback channel.
func (c *Context) SendFeedback(typeIndex uint32, typeHash uint64, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.feedbackCh.Send(typeIndex, typeHash, payload); err != nil {
		return err
	}
	c.metrics.addSent(c.metrics.feedbackAttrs)
	return nil
}

// RunControlLoop dispatches control-channel frames against reg until
// TerminateControl or a dispatch error. Several loops may run concurrently.
func (c *Context) RunControlLoop(reg *dispatch.Registry) error {
	return c.runLoop(c.controlCh, reg, suffixControl, c.metrics.controlAttrs)
}

// RunFeedbackLoop dispatches feedback-channel frames against reg until
// TerminateFeedback or a dispatch error.
func (c *Context) RunFeedbackLoop(reg *dispatch.Registry) error {
	return c.runLoop(c.feedbackCh, reg, suffixFeedback, c.metrics.feedbackAttrs)
}

func (c *Context) runLoop(ch *channel.Channel, reg *dispatch.Registry, label string, attrs metric.MeasurementOption) error {
	if c.closed.Load() {
		return ErrClosed
	}
	h := reg.WithObserver(func(uint32) {
		c.metrics.addDispatched(attrs)
	})
	err := ch.RunDispatchLoop(h)
	if err != nil {
		c.metrics.addDispatchError(attrs)
		c.log.Error("dispatch loop failed", "name", c.opts.Name, "channel", label, "error", err)
		return err
	}
	c.log.Info("dispatch loop stopped", "name", c.opts.Name, "channel", label)
	return nil
}

// TerminateControl shuts down the control channel in every attached process.
func (c *Context) TerminateControl() {
	c.controlCh.Terminate()
	c.log.Info("channel terminated", "name", c.opts.Name, "channel", suffixControl)
}

// TerminateFeedback shuts down the feedback channel in every attached
// process.
func (c *Context) TerminateFeedback() {
	c.feedbackCh.Terminate()
	c.log.Info("channel terminated", "name", c.opts.Name, "channel", suffixFeedback)
}

// InsertConfig creates and publishes a config record in the shared
// dictionary.
func (c *Context) InsertConfig(cfg sharedconfig.Config) (*sharedconfig.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.dict.Insert(cfg)
}

// LookupConfig locates an existing config record.
func (c *Context) LookupConfig(key sharedconfig.Key) (*sharedconfig.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.dict.Lookup(key)
}

// ReadConfig copies the live value of a record into dst; see Record.Read.
func (c *Context) ReadConfig(key sharedconfig.Key, dst []byte) error {
	rec, err := c.LookupConfig(key)
	if err != nil {
		return err
	}
	return rec.Read(dst)
}

// UpdateConfig publishes a new value for a record; see Record.Update for the
// single-updater discipline.
func (c *Context) UpdateConfig(key sharedconfig.Key, src []byte) error {
	rec, err := c.LookupConfig(key)
	if err != nil {
		return err
	}
	return rec.Update(src)
}

// NextAssemblyBaseIndex reserves entryCount contiguous type indices from the
// cross-process counter in the global region and returns the first one.
// The first reservation in a region set returns 1, matching a fresh
// registry's NextBase.
func (c *Context) NextAssemblyBaseIndex(entryCount uint32) uint32 {
	return c.global.Header().AddAssemblyCount(entryCount) + 1
}

// ControlState returns a diagnostic snapshot of the control channel.
func (c *Context) ControlState() channel.State {
	return c.controlCh.Snapshot()
}

// FeedbackState returns a diagnostic snapshot of the feedback channel.
func (c *Context) FeedbackState() channel.State {
	return c.feedbackCh.Snapshot()
}

// ArenaStats returns a snapshot of the config region's allocator counters.
func (c *Context) ArenaStats() arena.Stats {
	return c.alloc.Stats()
}

// ConfigCount returns the number of records in the shared dictionary.
func (c *Context) ConfigCount() uint32 {
	return c.dict.Len()
}

// Close detaches from the region set. With cleanup, the backing files are
// unlinked as well; only the creating process should pass cleanup=true, and
// it should terminate the channels first so peers' dispatch loops exit
// before their mappings go stale. Close is idempotent.
func (c *Context) Close(cleanup bool) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	var firstErr error
	for _, r := range []*region.Region{c.global, c.control, c.feedback, c.config} {
		var err error
		if cleanup && r.Owner() {
			err = r.CloseAndRemove()
		} else {
			err = r.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.log.Info("region set closed", "name", c.opts.Name, "cleanup", cleanup)
	return firstErr
}
