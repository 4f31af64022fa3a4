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
	"errors"
	"fmt"
	"sync"
)

// One work-group of a kernel launch. Lanes [First, End) of the launch belong to it
type WorkGroup struct {
	ID    int
	First int
	End   int // clipped to the number of elements of the launch
}

// A data-parallel kernel, executed once per work-group. Work-groups of one launch
// run concurrently, so kernels may only share state through atomic operations
type Kernel func(wg WorkGroup)

// Launch dimensions
type LaunchConfig struct {
	Name      string `json:"name"`
	Elements  int    `json:"elements"`
	Groups    int    `json:"groups"`
	GroupSize int    `json:"groupSize"`
}

// Checks that the launch covers all its elements
func (lc LaunchConfig) Validate() error {
	if lc.Elements < 0 || lc.Groups < 0 || lc.GroupSize <= 0 {
		return fmt.Errorf("%w: %d elements, %d groups of %d", ErrOutOfRange, lc.Elements, lc.Groups, lc.GroupSize)
	}
	if lc.Groups*lc.GroupSize < lc.Elements {
		return fmt.Errorf("%w: %d groups of %d for %d elements leave %d uncovered",
			ErrUnderProvisioned, lc.Groups, lc.GroupSize, lc.Elements, lc.Elements-lc.Groups*lc.GroupSize)
	}
	return nil
}

// Submits a kernel launch to the stream. Under-provisioned launches are rejected
// at submission, before any work is scheduled
func Launch(s *Stream, lc LaunchConfig, k Kernel) error {
	if err := lc.Validate(); err != nil {
		return &OpError{Op: "launch " + lc.Name, Stream: s.ID, Err: err}
	}
	return s.submit("launch "+lc.Name, false, func() error {
		return s.dev.run(lc, k)
	})
}

// Runs all work-groups of a launch on the lanes of the device and waits for them
func (d *Device) run(lc LaunchConfig, k Kernel) error {
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var errs []error
	for g := 0; g < lc.Groups; g++ {
		first := g * lc.GroupSize
		if first >= lc.Elements {
			break // surplus groups have no lanes
		}
		end := first + lc.GroupSize
		if end > lc.Elements {
			end = lc.Elements
		}
		d.limiter <- true
		wg.Add(1)
		go func(group WorkGroup) {
			defer func() {
				if r := recover(); r != nil {
					mutex.Lock()
					errs = append(errs, fmt.Errorf("%w: group %d: %v", ErrKernelFault, group.ID, r))
					mutex.Unlock()
				}
				<-d.limiter
				wg.Done()
			}()
			k(group)
		}(WorkGroup{ID: g, First: first, End: end})
	}
	wg.Wait()
	return errors.Join(errs...)
}
