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

// Package frames provides raw frame batches and pedestal maps for the pipeline,
// and evaluates corrected batches.
package frames

import (
	"github.com/mlnoga/framecorr/internal/device"
	"github.com/mlnoga/framecorr/internal/geometry"
	"github.com/valyala/fastrand"
)

// Returns a pinned host buffer of n pixels, all set to the given value. Return it with Release
func Constant(n int, v int16) []int16 {
	arr := device.HostAllocInt16(n)
	for i := range arr {
		arr[i] = v
	}
	return arr
}

// Returns a buffer obtained from this package to the pinned host pool
func Release(arr []int16) {
	device.HostFreeInt16(arr)
}

// Synthetic detector batch. Raw pixels are the pedestal of the pixel plus a signal level,
// plus an offset shared by all pixels of one sector in one acquisition, plus per-pixel noise.
// Spreads and amplitudes are symmetric around zero
type Synthetic struct {
	Pedestal         int16  `json:"pedestal"`         // mean dark level
	PedestalSpread   int16  `json:"pedestalSpread"`   // per-pixel variation of the dark level
	Signal           int16  `json:"signal"`           // raw level above the pedestal
	CommonModeSpread int16  `json:"commonModeSpread"` // per-sector offset range
	Noise            int16  `json:"noise"`            // per-pixel noise amplitude
	Seed             uint32 `json:"seed"`
}

// Generated batch. Frame and Pedestal are pinned host buffers
type Batch struct {
	Frame      []int16
	Pedestal   []int16
	CommonMode []int16 // offset injected per sector of the batch
}

// Returns the buffers of the batch to the pinned host pool
func (b *Batch) Release() {
	Release(b.Frame)
	Release(b.Pedestal)
	b.Frame, b.Pedestal = nil, nil
}

// Uniform integer in [-spread, spread]
func symmetric(rng *fastrand.RNG, spread int16) int16 {
	if spread <= 0 {
		return 0
	}
	return int16(int32(rng.Uint32n(2*uint32(spread)+1)) - int32(spread))
}

// Generates a raw batch and pedestal map for the given geometry. Identical seeds give identical batches
func (s Synthetic) Generate(g geometry.Geometry) *Batch {
	rng := fastrand.RNG{}
	rng.Seed(s.Seed)

	pedestal := device.HostAllocInt16(g.PixelsPerFrame)
	for i := range pedestal {
		pedestal[i] = s.Pedestal + symmetric(&rng, s.PedestalSpread)
	}
	offsets := make([]int16, g.NumSectors())
	for i := range offsets {
		offsets[i] = symmetric(&rng, s.CommonModeSpread)
	}
	frame := device.HostAllocInt16(g.Total())
	for i := range frame {
		frame[i] = pedestal[g.PedestalIndex(i)] + s.Signal + offsets[g.SectorOf(i)] + symmetric(&rng, s.Noise)
	}
	return &Batch{Frame: frame, Pedestal: pedestal, CommonMode: offsets}
}
