// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package device provides a compute context with its own memory, ordered
// execution streams, events and data-parallel kernel launches in work-groups.
//
// Device operations never fail silently. Every failure is returned as an
// *OpError, and a failed stream skips its remaining work until it is drained.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

var (
	ErrNoDevice         = errors.New("no such device")
	ErrOutOfMemory      = errors.New("out of device memory")
	ErrOutOfRange       = errors.New("transfer out of buffer range")
	ErrUnderProvisioned = errors.New("launch does not cover all elements")
	ErrKernelFault      = errors.New("kernel fault")
	ErrStreamClosed     = errors.New("stream closed")
	ErrFreed            = errors.New("use of freed buffer")
)

// A failed device operation
type OpError struct {
	Op     string
	Stream int // -1 for synchronous operations
	Err    error
}

func (e *OpError) Error() string {
	if e.Stream < 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
	}
	return fmt.Sprintf("stream %d: %s: %s", e.Stream, e.Op, e.Err.Error())
}

func (e *OpError) Unwrap() error { return e.Err }

// A compute device
type Device struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Lanes       int    `json:"lanes"`     // work-groups executing concurrently
	AVX2        bool   `json:"avx2"`
	CacheLine   int    `json:"cacheLine"`
	MemoryBytes int64  `json:"memoryBytes"`

	allocated atomic.Int64
	limiter   chan bool // shared by all streams of the device
	mutex     sync.Mutex
	streams   []*Stream
	created   int // streams created so far, for IDs
}

// Number of available devices. The host CPU is device 0
func Count() int { return 1 }

// Selects the device with the given index and returns it ready for use
func Select(index int) (*Device, error) {
	if index < 0 || index >= Count() {
		return nil, &OpError{Op: "select", Stream: -1, Err: fmt.Errorf("%w: index %d of %d", ErrNoDevice, index, Count())}
	}
	lanes := cpuid.CPU.LogicalCores
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = "host CPU"
	}
	// leave room for the host side, as when sizing stacking batches
	memoryBytes := int64(memory.TotalMemory()) * 7 / 10
	d := New(name, lanes, memoryBytes)
	d.Index = index
	d.AVX2 = cpuid.CPU.AVX2()
	d.CacheLine = cpuid.CPU.CacheLine
	return d, nil
}

// Creates a device with the given number of lanes and memory capacity in bytes
func New(name string, lanes int, memoryBytes int64) *Device {
	if lanes < 1 {
		lanes = 1
	}
	return &Device{
		Name:        name,
		Lanes:       lanes,
		MemoryBytes: memoryBytes,
		limiter:     make(chan bool, lanes),
	}
}

func (d *Device) String() string {
	avx := ""
	if d.AVX2 {
		avx = ", AVX2"
	}
	return fmt.Sprintf("device %d: %s, %d lanes%s, %d MiB", d.Index, d.Name, d.Lanes, avx, d.MemoryBytes/1024/1024)
}

// Bytes of device memory currently allocated
func (d *Device) Allocated() int64 { return d.allocated.Load() }

// Waits for all streams of the device to drain. Returns the errors of all failed streams
func (d *Device) Synchronize() error {
	d.mutex.Lock()
	streams := append([]*Stream(nil), d.streams...)
	d.mutex.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drains and destroys all streams of the device
func (d *Device) Close() error {
	err := d.Synchronize()
	d.mutex.Lock()
	streams := d.streams
	d.streams = nil
	d.mutex.Unlock()
	for _, s := range streams {
		s.close()
	}
	return err
}

// Element types of device buffers
type Element interface {
	~int16 | ~int32
}

// A buffer in device memory
type Buffer[T Element] struct {
	dev   *Device
	data  []T
	bytes int64
	freed atomic.Bool
}

// Allocates a zeroed buffer of n elements in device memory
func Alloc[T Element](d *Device, n int) (*Buffer[T], error) {
	var zero T
	bytes := int64(n) * int64(unsafe.Sizeof(zero))
	if n < 0 {
		return nil, &OpError{Op: "alloc", Stream: -1, Err: fmt.Errorf("%w: %d elements", ErrOutOfRange, n)}
	}
	if d.allocated.Add(bytes) > d.MemoryBytes {
		d.allocated.Add(-bytes)
		return nil, &OpError{Op: "alloc", Stream: -1, Err: fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrOutOfMemory, bytes, d.allocated.Load(), d.MemoryBytes)}
	}
	return &Buffer[T]{dev: d, data: make([]T, n), bytes: bytes}, nil
}

// Releases the device memory of the buffer. Outstanding operations on it fail
func (b *Buffer[T]) Free() {
	if b == nil || b.freed.Swap(true) {
		return
	}
	b.dev.allocated.Add(-b.bytes)
	b.data = nil
}

func (b *Buffer[T]) Len() int { return len(b.data) }

// Device-side view of the buffer contents, for use inside kernels only
func (b *Buffer[T]) Data() []T { return b.data }

// Fills the buffer with the given value, waiting until done
func (b *Buffer[T]) Fill(v T) error {
	if b.freed.Load() {
		return &OpError{Op: "fill", Stream: -1, Err: ErrFreed}
	}
	for i := range b.data {
		b.data[i] = v
	}
	return nil
}

// Copies the buffer contents to host memory, waiting until done.
// Concurrent stream operations on the buffer must have been synchronized
func (b *Buffer[T]) Read(dst []T) error {
	if b.freed.Load() {
		return &OpError{Op: "read", Stream: -1, Err: ErrFreed}
	}
	if len(dst) > len(b.data) {
		return &OpError{Op: "read", Stream: -1, Err: fmt.Errorf("%w: %d of %d elements", ErrOutOfRange, len(dst), len(b.data))}
	}
	copy(dst, b.data)
	return nil
}
