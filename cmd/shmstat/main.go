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

// shmstat inspects (and with --remove, unlinks) the shared-memory region
// set behind a shmlink context. It attaches read-only in spirit: it never
// mutates cursors or records, only loads them, so it is safe to point at a
// live pairing.
//
// Usage:
//
//	shmstat --name experiment-7
//	shmstat --name experiment-7 --remove
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/shmlink/shmlink/arena"
	"github.com/shmlink/shmlink/channel"
	"github.com/shmlink/shmlink/region"
	"github.com/shmlink/shmlink/sharedconfig"
)

// Region layout offsets, matching the shmlink root package.
const (
	channelSyncOffset = region.HeaderSize
	channelDataOffset = channelSyncOffset + channel.SyncBlockSize
	configArenaOffset = region.HeaderSize
	configDictOffset  = configArenaOffset + 64
)

var suffixes = []string{"global", "control", "feedback", "config"}

type regionStat struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Kind      string `yaml:"kind"`
	Version   uint32 `yaml:"version"`
	TotalSize uint64 `yaml:"total_size"`

	AssemblyCount *uint32      `yaml:"assembly_count,omitempty"`
	Channel       *channelStat `yaml:"channel,omitempty"`
	Config        *configStat  `yaml:"config,omitempty"`
}

type channelStat struct {
	Capacity       uint64 `yaml:"capacity"`
	WritePosition  uint64 `yaml:"write_position"`
	ReadPosition   uint64 `yaml:"read_position"`
	FreePosition   uint64 `yaml:"free_position"`
	Pending        uint64 `yaml:"pending_bytes"`
	ReadersWaiting uint32 `yaml:"readers_waiting"`
	ReadersActive  uint32 `yaml:"readers_active"`
	Terminated     bool   `yaml:"terminated"`
}

type configStat struct {
	DictCapacity uint32 `yaml:"dict_capacity"`
	DictUsed     uint32 `yaml:"dict_used"`
	HeapFree     uint32 `yaml:"heap_free_offset"`
	HeapEnd      uint32 `yaml:"heap_end_offset"`
	Allocations  uint32 `yaml:"allocations"`
}

func main() {
	name := pflag.String("name", "", "region set name to inspect")
	remove := pflag.Bool("remove", false, "unlink the region files instead of inspecting them")
	pflag.Parse()

	if *name == "" {
		pflag.Usage()
		os.Exit(2)
	}

	if *remove {
		removeAll(*name)
		return
	}

	stats := make([]regionStat, 0, len(suffixes))
	for _, suffix := range suffixes {
		regionName := *name + "." + suffix
		if !region.Exists(regionName) {
			continue
		}
		st, err := inspect(regionName)
		if err != nil {
			log.Fatalf("inspect %s: %v", regionName, err)
		}
		stats = append(stats, st)
	}
	if len(stats) == 0 {
		log.Fatalf("no regions found for name %q", *name)
	}

	out, err := yaml.Marshal(stats)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	fmt.Print(string(out))
}

func inspect(regionName string) (regionStat, error) {
	r, err := region.Open(regionName, region.KindInvalid)
	if err != nil {
		return regionStat{}, err
	}
	defer r.Close()

	h := r.Header()
	st := regionStat{
		Name:      regionName,
		Path:      r.Path,
		Kind:      h.Kind().String(),
		Version:   h.Version(),
		TotalSize: h.TotalSize(),
	}

	switch h.Kind() {
	case region.KindGlobal:
		count := h.AssemblyCount()
		st.AssemblyCount = &count

	case region.KindControlChannel, region.KindFeedbackChannel:
		ch, err := channel.New(r.Mem, channelSyncOffset, channelDataOffset, h.TotalSize()-channelDataOffset)
		if err != nil {
			return regionStat{}, err
		}
		s := ch.Snapshot()
		st.Channel = &channelStat{
			Capacity:       s.Capacity,
			WritePosition:  s.WritePosition,
			ReadPosition:   s.ReadPosition,
			FreePosition:   s.FreePosition,
			Pending:        s.WritePosition - s.ReadPosition,
			ReadersWaiting: s.ReadersWaiting,
			ReadersActive:  s.ReadersActive,
			Terminated:     s.Terminated,
		}

	case region.KindSharedConfig:
		alloc := arena.Attach(r.Mem, configArenaOffset)
		dict := sharedconfig.Attach(r.Mem, configDictOffset, alloc)
		as := alloc.Stats()
		st.Config = &configStat{
			DictCapacity: dict.Capacity(),
			DictUsed:     dict.Len(),
			HeapFree:     as.FreeOffset,
			HeapEnd:      as.EndOffset,
			Allocations:  as.AllocationCount,
		}
	}
	return st, nil
}

func removeAll(name string) {
	removed := 0
	for _, suffix := range suffixes {
		regionName := name + "." + suffix
		if !region.Exists(regionName) {
			continue
		}
		if err := region.Remove(regionName); err != nil {
			log.Fatalf("remove %s: %v", regionName, err)
		}
		fmt.Printf("removed %s\n", regionName)
		removed++
	}
	if removed == 0 {
		log.Fatalf("no regions found for name %q", name)
	}
}
