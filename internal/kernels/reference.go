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

package kernels

import (
	"fmt"

	"github.com/mlnoga/framecorr/internal/geometry"
)

// Sums values into the given number of groups, with groupOf mapping a value index to its group.
// Single-threaded, independent of any device
func Reduce(values []int32, groups int, groupOf func(i int) int) []int32 {
	acc := make([]int32, groups)
	for i, v := range values {
		acc[groupOf(i)] += v
	}
	return acc
}

// Sums pixel values into blocks of the given size
func SumBlocks(frame []int16, blockSize int) []int32 {
	values := make([]int32, len(frame))
	for i, v := range frame {
		values[i] = int32(v)
	}
	return Reduce(values, (len(frame)+blockSize-1)/blockSize, func(i int) int { return i / blockSize })
}

// Sums block accumulators into sectors of the given number of blocks
func SumSectors(blocks []int32, blocksPerSector int) []int32 {
	return Reduce(blocks, (len(blocks)+blocksPerSector-1)/blocksPerSector, func(j int) int { return j / blocksPerSector })
}

// Corrects the frame in place on the host, sequentially. Returns the sector sums
// after pedestal subtraction. Produces the same result as the streamed pipeline
func Correct(g geometry.Geometry, frame, pedestal []int16) ([]int32, error) {
	if len(frame) != g.Total() || len(pedestal) != g.PixelsPerFrame {
		return nil, fmt.Errorf("frame of %d and pedestal of %d pixels do not match %s", len(frame), len(pedestal), g)
	}
	for i := range frame {
		frame[i] -= pedestal[g.PedestalIndex(i)]
	}
	sectors := SumSectors(SumBlocks(frame, g.BlockSize), g.BlocksPerSector())
	n := int32(g.SectorSize)
	for i := range frame {
		frame[i] -= int16(sectors[g.SectorOf(i)] / n)
	}
	return sectors, nil
}
