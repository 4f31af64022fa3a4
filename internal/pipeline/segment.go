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

package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mlnoga/framecorr/internal/geometry"
)

var ErrStageOrder = errors.New("segment stage out of order")

// Processing stage of a segment
type Stage int32

const (
	Queued Stage = iota
	TransferringIn
	PedestalAndBlockSum
	SectorReduce
	CommonModeApply
	TransferringOut
	Done
)

// Stages which submit device work, in per-segment order
var executableStages = []Stage{TransferringIn, PedestalAndBlockSum, SectorReduce, CommonModeApply, TransferringOut}

func (s Stage) String() string {
	switch s {
	case Queued:
		return "queued"
	case TransferringIn:
		return "transferIn"
	case PedestalAndBlockSum:
		return "pedestal"
	case SectorReduce:
		return "sectorReduce"
	case CommonModeApply:
		return "commonMode"
	case TransferringOut:
		return "transferOut"
	case Done:
		return "done"
	}
	return fmt.Sprintf("stage(%d)", int32(s))
}

// A contiguous slice of the batch, processed as one pipelined unit
type Segment struct {
	ID          int
	Offset      int // first pixel
	Len         int
	FirstBlock  int
	Blocks      int
	FirstSector int
	Sectors     int // sectors touched, including shared ones
	Stream      int

	stage atomic.Int32
}

// Partitions a validated geometry into segments, assigned to streams round robin
func Partition(g geometry.Geometry) []*Segment {
	n, size := g.NumSegments(), g.SegmentSize()
	segs := make([]*Segment, n)
	for i := range segs {
		offset := i * size
		first, last := g.SectorOf(offset), g.SectorOf(offset+size-1)
		segs[i] = &Segment{
			ID:          i,
			Offset:      offset,
			Len:         size,
			FirstBlock:  g.BlockOf(offset),
			Blocks:      size / g.BlockSize,
			FirstSector: first,
			Sectors:     last - first + 1,
			Stream:      i % g.Streams,
		}
	}
	return segs
}

// Current stage of the segment
func (s *Segment) Stage() Stage { return Stage(s.stage.Load()) }

// Moves the segment to the given stage, which must directly follow the current one
func (s *Segment) advance(to Stage) error {
	from := to - 1
	if !s.stage.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: segment %d from %s to %s", ErrStageOrder, s.ID, s.Stage(), to)
	}
	return nil
}

// Returns the segment to the queued stage for another pass
func (s *Segment) reset() { s.stage.Store(int32(Queued)) }

// True if both segments touch a common sector
func (s *Segment) SharesSector(o *Segment) bool {
	return s.FirstSector < o.FirstSector+o.Sectors && o.FirstSector < s.FirstSector+s.Sectors
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment %d [%d,%d) sectors [%d,%d) stream %d %s",
		s.ID, s.Offset, s.Offset+s.Len, s.FirstSector, s.FirstSector+s.Sectors, s.Stream, s.Stage())
}
