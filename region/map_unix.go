//go:build unix

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

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Create creates a new named region of the given kind and size, maps it and
// writes the header. The create is exclusive: if a file with the same name
// already exists the call fails, which is how name collisions between two
// would-be owners surface.
func Create(name string, kind Kind, index uint32, size uint64) (*Region, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("region: %w: %d bytes", ErrTooSmall, size)
	}
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("region: create %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("region: resize %s: %w", path, err)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("region: map %s: %w", path, err)
	}

	r := &Region{File: file, Mem: mem, Path: path, owner: true}

	h := r.Header()
	h.SetMagic(magicBytes())
	h.SetVersion(Version)
	h.SetKind(kind)
	h.SetTotalSize(size)
	h.SetRegionType(uint32(kind))
	h.SetRegionIndex(index)

	return r, nil
}

// Open maps an existing named region and validates its header. want may be
// KindInvalid to accept any kind (used by diagnostic tools).
func Open(name string, want Kind) (*Region, error) {
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if info.Size() < HeaderSize {
		file.Close()
		return nil, fmt.Errorf("region: %w: %d bytes", ErrTooSmall, info.Size())
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("region: map %s: %w", path, err)
	}

	r := &Region{File: file, Mem: mem, Path: path}

	if err := ValidateHeader(r.Header(), want); err != nil {
		r.Close()
		return nil, err
	}
	if r.Header().TotalSize() != uint64(info.Size()) {
		size := r.Header().TotalSize()
		r.Close()
		return nil, fmt.Errorf("region: header size %d does not match file size %d", size, info.Size())
	}

	return r, nil
}

// Remove unlinks a named region file without mapping it. Meant for cleaning
// up regions leaked by abnormal termination of their owner.
func Remove(name string) error {
	err := os.Remove(regionPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("region: remove %s: %w", name, err)
	}
	return err
}

// Exists reports whether a named region file is present.
func Exists(name string) bool {
	_, err := os.Stat(regionPath(name))
	return err == nil
}

// regionPath returns the backing file path for a region name. /dev/shm is
// preferred so the mapping never touches durable storage.
func regionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "shmlink_"+name)
	}
	return filepath.Join(os.TempDir(), "shmlink_"+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

func munmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
