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

package device

import (
	"runtime"
	"sync"
)

// Pool of constant sized host transfer buffers, to reduce memory allocation overhead
// across batches. Contents of retrieved buffers are undefined
var pinnedInt16 = struct {
	sync.RWMutex
	m map[int]*sync.Pool
}{m: make(map[int]*sync.Pool)}

// Pool of constant sized host transfer buffers for accumulator readback
var pinnedInt32 = struct {
	sync.RWMutex
	m map[int]*sync.Pool
}{m: make(map[int]*sync.Pool)}

// Clears all host buffer pools and triggers garbage collection
func ClearHostPools() {
	pinnedInt16.Lock()
	pinnedInt16.m = make(map[int]*sync.Pool)
	pinnedInt16.Unlock()
	pinnedInt32.Lock()
	pinnedInt32.m = make(map[int]*sync.Pool)
	pinnedInt32.Unlock()
	runtime.GC()
}

// Returns a pool for []int16 arrays of the given size
func getSizedPoolInt16(size int) *sync.Pool {
	pinnedInt16.RLock()
	pool := pinnedInt16.m[size]
	pinnedInt16.RUnlock()
	if pool != nil {
		return pool
	}
	pinnedInt16.Lock()
	defer pinnedInt16.Unlock()
	if pool = pinnedInt16.m[size]; pool == nil {
		pool = &sync.Pool{New: func() interface{} { return make([]int16, size) }}
		pinnedInt16.m[size] = pool
	}
	return pool
}

// Retrieves a host transfer buffer of the given size from the pool
func HostAllocInt16(size int) []int16 {
	return getSizedPoolInt16(size).Get().([]int16)
}

// Returns a host transfer buffer to the pool. The caller must not use it afterwards
func HostFreeInt16(arr []int16) {
	getSizedPoolInt16(cap(arr)).Put(arr[:cap(arr)])
}

// Returns a pool for []int32 arrays of the given size
func getSizedPoolInt32(size int) *sync.Pool {
	pinnedInt32.RLock()
	pool := pinnedInt32.m[size]
	pinnedInt32.RUnlock()
	if pool != nil {
		return pool
	}
	pinnedInt32.Lock()
	defer pinnedInt32.Unlock()
	if pool = pinnedInt32.m[size]; pool == nil {
		pool = &sync.Pool{New: func() interface{} { return make([]int32, size) }}
		pinnedInt32.m[size] = pool
	}
	return pool
}

// Retrieves a host transfer buffer of the given size from the pool
func HostAllocInt32(size int) []int32 {
	return getSizedPoolInt32(size).Get().([]int32)
}

// Returns a host transfer buffer to the pool. The caller must not use it afterwards
func HostFreeInt32(arr []int32) {
	getSizedPoolInt32(cap(arr)).Put(arr[:cap(arr)])
}
