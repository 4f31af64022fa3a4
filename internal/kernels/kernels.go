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

// Package kernels holds the per-pixel correction kernels and their host-side references.
//
// Kernels operate on one segment of the batch, given by the offset of its first element.
// Lane indices of a work-group are relative to the segment.
package kernels

import (
	"sync/atomic"

	"github.com/mlnoga/framecorr/internal/device"
	"github.com/mlnoga/framecorr/internal/geometry"
)

// Subtracts the pedestal from each pixel of the segment starting at offset, and
// adds the corrected values into the accumulator of their block
func PedestalSubtract(g geometry.Geometry, frame, pedestal []int16, blockAcc []int32, offset int) device.Kernel {
	return func(wg device.WorkGroup) {
		block, sum := -1, int32(0)
		for lane := wg.First; lane < wg.End; lane++ {
			i := offset + lane
			frame[i] -= pedestal[g.PedestalIndex(i)]
			if b := g.BlockOf(i); b != block {
				if block >= 0 {
					atomic.AddInt32(&blockAcc[block], sum)
				}
				block, sum = b, 0
			}
			sum += int32(frame[i])
		}
		if block >= 0 {
			atomic.AddInt32(&blockAcc[block], sum)
		}
	}
}

// Adds each block accumulator of the segment, starting at block firstBlock,
// into the accumulator of its sector
func BlockToSector(g geometry.Geometry, blockAcc, sectorAcc []int32, firstBlock int) device.Kernel {
	bps := g.BlocksPerSector()
	return func(wg device.WorkGroup) {
		sector, sum := -1, int32(0)
		for lane := wg.First; lane < wg.End; lane++ {
			j := firstBlock + lane
			if s := j / bps; s != sector {
				if sector >= 0 {
					atomic.AddInt32(&sectorAcc[sector], sum)
				}
				sector, sum = s, 0
			}
			sum += blockAcc[j]
		}
		if sector >= 0 {
			atomic.AddInt32(&sectorAcc[sector], sum)
		}
	}
}

// Subtracts the mean of its sector from each pixel of the segment starting at offset.
// The sector accumulators must hold complete sums
func CommonModeApply(g geometry.Geometry, frame []int16, sectorAcc []int32, offset int) device.Kernel {
	n := int32(g.SectorSize)
	return func(wg device.WorkGroup) {
		for lane := wg.First; lane < wg.End; lane++ {
			i := offset + lane
			frame[i] -= int16(sectorAcc[g.SectorOf(i)] / n)
		}
	}
}

// Launch dimensions for a per-pixel kernel over one segment
func PixelLaunch(g geometry.Geometry, name string) device.LaunchConfig {
	n := g.SegmentSize()
	return device.LaunchConfig{Name: name, Elements: n, Groups: g.Groups(n), GroupSize: g.GroupSize}
}

// Launch dimensions for the block to sector reduction over one segment
func BlockLaunch(g geometry.Geometry, name string) device.LaunchConfig {
	n := g.BlocksPerSegment()
	return device.LaunchConfig{Name: name, Elements: n, Groups: g.Groups(n), GroupSize: g.GroupSize}
}
