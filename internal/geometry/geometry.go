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

// Package geometry describes the fixed shape of detector frames and how a batch of
// acquisitions is partitioned into blocks, sectors and pipeline segments.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Configuration errors. Returned wrapped with the offending sizes, test with errors.Is
var (
	ErrNonPositive         = errors.New("geometry sizes must be positive")
	ErrSectorSize          = errors.New("pixels per frame not a multiple of sector size")
	ErrBlockSize           = errors.New("sector size not a multiple of block size")
	ErrUnevenSegments      = errors.New("total pixels not divisible by segment count")
	ErrSegmentMisaligned   = errors.New("segment boundaries not aligned with sector boundaries")
	ErrBlockMisaligned     = errors.New("segment size not a multiple of block size")
	ErrAccumulatorOverflow = errors.New("sector sum may overflow a 32-bit accumulator")
)

// Largest sector whose sum of int16 values always fits into an int32
const MaxSectorSize = (math.MaxInt32 + 1) / (-math.MinInt16)

// Frame geometry and partitioning of a batch of acquisitions
type Geometry struct {
	PixelsPerFrame int `json:"pixelsPerFrame" yaml:"pixelsPerFrame"`
	SectorSize     int `json:"sectorSize"     yaml:"sectorSize"`
	BlockSize      int `json:"blockSize"      yaml:"blockSize"`
	GroupSize      int `json:"groupSize"      yaml:"groupSize"`
	Acquisitions   int `json:"acquisitions"   yaml:"acquisitions"`
	Streams        int `json:"streams"        yaml:"streams"`
	Segments       int `json:"segments"       yaml:"segments"` // 0 = one per stream
}

// Returns the default geometry: a 512x1024 pixel detector read out in 64k pixel sectors
func Defaults() Geometry {
	return Geometry{
		PixelsPerFrame: 512 * 1024,
		SectorSize:     64 * 1024,
		BlockSize:      256,
		GroupSize:      256,
		Acquisitions:   1,
		Streams:        32,
		Segments:       0,
	}
}

// Loads a geometry from a YAML file. Missing entries keep their default values
func Load(fileName string) (g Geometry, err error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return g, err
	}
	g = Defaults()
	if err = yaml.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("parsing %s: %w", fileName, err)
	}
	if err = g.Validate(); err != nil {
		return g, fmt.Errorf("%s: %w", fileName, err)
	}
	return g, nil
}

// Checks that the derived partition is exact. Must pass before any device work is scheduled
func (g Geometry) Validate() error {
	if g.PixelsPerFrame <= 0 || g.SectorSize <= 0 || g.BlockSize <= 0 || g.GroupSize <= 0 ||
		g.Acquisitions <= 0 || g.Streams <= 0 || g.Segments < 0 {
		return fmt.Errorf("%w: %s", ErrNonPositive, g)
	}
	if g.SectorSize > MaxSectorSize {
		return fmt.Errorf("%w: sector size %d exceeds %d", ErrAccumulatorOverflow, g.SectorSize, MaxSectorSize)
	}
	if g.PixelsPerFrame%g.SectorSize != 0 {
		return fmt.Errorf("%w: %d pixels, sector size %d", ErrSectorSize, g.PixelsPerFrame, g.SectorSize)
	}
	if g.SectorSize%g.BlockSize != 0 {
		return fmt.Errorf("%w: sector size %d, block size %d", ErrBlockSize, g.SectorSize, g.BlockSize)
	}
	if g.Total()%g.NumSegments() != 0 {
		return fmt.Errorf("%w: %d pixels, %d segments leave %d trailing pixels",
			ErrUnevenSegments, g.Total(), g.NumSegments(), g.Total()%g.NumSegments())
	}
	seg := g.SegmentSize()
	if seg%g.SectorSize != 0 && g.SectorSize%seg != 0 {
		return fmt.Errorf("%w: segment size %d, sector size %d", ErrSegmentMisaligned, seg, g.SectorSize)
	}
	if seg%g.BlockSize != 0 {
		return fmt.Errorf("%w: segment size %d, block size %d", ErrBlockMisaligned, seg, g.BlockSize)
	}
	return nil
}

// Total number of pixels across all acquisitions in the batch
func (g Geometry) Total() int { return g.PixelsPerFrame * g.Acquisitions }

// Number of pipeline segments
func (g Geometry) NumSegments() int {
	if g.Segments == 0 {
		return g.Streams
	}
	return g.Segments
}

func (g Geometry) SegmentSize() int { return g.Total() / g.NumSegments() }

func (g Geometry) NumBlocks() int { return g.Total() / g.BlockSize }

func (g Geometry) NumSectors() int { return g.Total() / g.SectorSize }

func (g Geometry) SectorsPerFrame() int { return g.PixelsPerFrame / g.SectorSize }

func (g Geometry) BlocksPerSector() int { return g.SectorSize / g.BlockSize }

func (g Geometry) BlocksPerSegment() int { return g.SegmentSize() / g.BlockSize }

// Number of segments sharing one sector. One if segments hold whole sectors
func (g Geometry) SegmentsPerSector() int {
	if seg := g.SegmentSize(); seg < g.SectorSize {
		return g.SectorSize / seg
	}
	return 1
}

// Number of work-groups needed to cover the given number of elements, rounding up
func (g Geometry) Groups(elements int) int { return (elements + g.GroupSize - 1) / g.GroupSize }

// Index into the pedestal map for the given pixel of the batch
func (g Geometry) PedestalIndex(i int) int { return i % g.PixelsPerFrame }

func (g Geometry) BlockOf(i int) int { return i / g.BlockSize }

func (g Geometry) SectorOf(i int) int { return i / g.SectorSize }

func (g Geometry) String() string {
	return fmt.Sprintf("%d pixels x %d acquisitions, sectors of %d, blocks of %d, groups of %d, %d segments of %d on %d streams",
		g.PixelsPerFrame, g.Acquisitions, g.SectorSize, g.BlockSize, g.GroupSize, g.NumSegments(), g.safeSegmentSize(), g.Streams)
}

func (g Geometry) safeSegmentSize() int {
	if g.NumSegments() <= 0 {
		return 0
	}
	return g.SegmentSize()
}
