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
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shmlink/shmlink/channel"
	"github.com/shmlink/shmlink/region"
	"github.com/shmlink/shmlink/sharedconfig"
)

// Region layout offsets shared by creator and opener. Every sub-structure
// sits at a 64-byte boundary.
const (
	// channelSyncOffset is where a channel region's sync block starts.
	channelSyncOffset = region.HeaderSize
	// channelDataOffset is where a channel region's circular buffer starts.
	channelDataOffset = channelSyncOffset + channel.SyncBlockSize

	// configArenaOffset is where the config region's allocator block starts.
	configArenaOffset = region.HeaderSize
	// configDictOffset is where the config region's dictionary block starts.
	configDictOffset = configArenaOffset + 64
	// configHeapOffset is where the config region's allocatable space starts.
	configHeapOffset = configDictOffset + 64

	// minGlobalRegionSize keeps the global region at least one header plus
	// reserved space for future bootstrap state.
	minGlobalRegionSize = 4096
)

// Options sizes the region set of a Context. Regions cannot grow after
// creation; every byte of capacity is decided here.
type Options struct {
	// Name is the shared name prefix of the region set. Both sides of a
	// pairing must use the same name.
	Name string `yaml:"name"`

	// ControlBufferSize is the control channel's circular buffer capacity in
	// bytes. Must be a power of two.
	ControlBufferSize uint64 `yaml:"control_buffer_size"`

	// FeedbackBufferSize is the feedback channel's circular buffer capacity
	// in bytes. Must be a power of two.
	FeedbackBufferSize uint64 `yaml:"feedback_buffer_size"`

	// ConfigRegionSize is the total size of the shared-config region,
	// including the dictionary slot array and all config records.
	ConfigRegionSize uint32 `yaml:"config_region_size"`

	// GlobalRegionSize is the total size of the global bootstrap region.
	GlobalRegionSize uint32 `yaml:"global_region_size"`
}

// DefaultOptions returns a region set sizing suitable for a handful of
// config records and kilobyte-scale messages.
func DefaultOptions(name string) Options {
	return Options{
		Name:               name,
		ControlBufferSize:  1 << 16,
		FeedbackBufferSize: 1 << 16,
		ConfigRegionSize:   1 << 20,
		GlobalRegionSize:   minGlobalRegionSize,
	}
}

// LoadOptions reads Options from a YAML file. Fields absent from the file
// keep the defaults for the name given inside the file.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("shmlink: read options: %w", err)
	}
	var fromFile Options
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return Options{}, fmt.Errorf("shmlink: parse options %s: %w", path, err)
	}
	opts := DefaultOptions(fromFile.Name)
	if fromFile.ControlBufferSize != 0 {
		opts.ControlBufferSize = fromFile.ControlBufferSize
	}
	if fromFile.FeedbackBufferSize != 0 {
		opts.FeedbackBufferSize = fromFile.FeedbackBufferSize
	}
	if fromFile.ConfigRegionSize != 0 {
		opts.ConfigRegionSize = fromFile.ConfigRegionSize
	}
	if fromFile.GlobalRegionSize != 0 {
		opts.GlobalRegionSize = fromFile.GlobalRegionSize
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("shmlink: options: empty name")
	}
	if strings.ContainsAny(o.Name, "/\\") {
		return fmt.Errorf("shmlink: options: name %q must not contain path separators", o.Name)
	}
	for _, c := range []struct {
		label string
		size  uint64
	}{
		{"control", o.ControlBufferSize},
		{"feedback", o.FeedbackBufferSize},
	} {
		if c.size < channel.MinCapacity || c.size&(c.size-1) != 0 {
			return fmt.Errorf("shmlink: options: %s buffer size %d is not a power of two >= %d", c.label, c.size, channel.MinCapacity)
		}
	}
	if o.ConfigRegionSize < configHeapOffset+sharedConfigMinHeap {
		return fmt.Errorf("shmlink: options: config region size %d is below the minimum %d", o.ConfigRegionSize, configHeapOffset+sharedConfigMinHeap)
	}
	if o.GlobalRegionSize < minGlobalRegionSize {
		return fmt.Errorf("shmlink: options: global region size %d is below the minimum %d", o.GlobalRegionSize, minGlobalRegionSize)
	}
	return nil
}

// sharedConfigMinHeap is the least config heap that can hold the dictionary
// slot array plus one aligned record.
const sharedConfigMinHeap = sharedconfig.DictCapacity*4 + 128

// regionName returns the backing name of one region in the set.
func (o Options) regionName(suffix string) string {
	return o.Name + "." + suffix
}
