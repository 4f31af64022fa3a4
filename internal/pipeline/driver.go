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

// Package pipeline streams a batch of frames through the correction kernels.
//
// The batch is partitioned into segments. Each segment is transferred in, corrected
// and transferred out on one of a fixed pool of streams, so transfers and kernels of
// different segments overlap. A stage dependency graph orders the common-mode stage
// of a segment after the sector reductions of all segments sharing its sectors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mlnoga/framecorr/internal/device"
	"github.com/mlnoga/framecorr/internal/geometry"
	"github.com/mlnoga/framecorr/internal/kernels"
)

var (
	ErrFrameLength    = errors.New("frame length does not match geometry")
	ErrPedestalLength = errors.New("pedestal length does not match geometry")
	ErrClosed         = errors.New("driver closed")
)

// Outcome of one pipelined run
type Result struct {
	Elapsed          time.Duration `json:"elapsed"`
	Segments         int           `json:"segments"`
	Streams          int           `json:"streams"`
	SegmentSize      int           `json:"segmentSize"`
	CrossStreamWaits int           `json:"crossStreamWaits"`
	CommonMode       []int32       `json:"commonMode"` // mean subtracted per sector
}

// Drives segments of a batch through the streams of a device
type Driver struct {
	Geometry geometry.Geometry

	dev        *device.Device
	log        io.Writer
	streams    []*device.Stream
	segments   []*Segment
	graph      *Graph
	order      []Node
	needsEvent []bool // sector reduction of the segment is awaited by other segments
}

// Device memory of one run
type buffers struct {
	frame     *device.Buffer[int16]
	pedestal  *device.Buffer[int16]
	blockAcc  *device.Buffer[int32]
	sectorAcc *device.Buffer[int32]
}

func (b *buffers) free() {
	b.frame.Free()
	b.pedestal.Free()
	b.blockAcc.Free()
	b.sectorAcc.Free()
}

// Creates a driver for the given geometry. Configuration errors are reported
// here, before any device work is scheduled
func NewDriver(g geometry.Geometry, dev *device.Device, log io.Writer) (*Driver, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = io.Discard
	}
	segs := Partition(g)
	graph := NewGraph(segs)
	order, err := graph.Order()
	if err != nil {
		return nil, err
	}
	needsEvent := make([]bool, len(segs))
	for _, s := range segs {
		for _, dep := range graph.Deps(Node{s.ID, CommonModeApply}) {
			if dep.Segment != s.ID {
				needsEvent[dep.Segment] = true
			}
		}
	}
	dr := &Driver{
		Geometry:   g,
		dev:        dev,
		log:        log,
		segments:   segs,
		graph:      graph,
		order:      order,
		needsEvent: needsEvent,
	}
	for i := 0; i < g.Streams; i++ {
		dr.streams = append(dr.streams, dev.NewStream(0))
	}
	return dr, nil
}

// Segments of the batch, with their current stage
func (dr *Driver) Segments() []*Segment { return dr.segments }

// Corrects the frame in place, subtracting the pedestal and the common mode of each sector.
// Blocks until all streams have drained. Cancelling the context stops submission at the next
// segment boundary; segments already submitted complete before Run returns
func (dr *Driver) Run(ctx context.Context, frame, pedestal []int16) (*Result, error) {
	g := dr.Geometry
	if dr.streams == nil {
		return nil, ErrClosed
	}
	if len(frame) != g.Total() {
		return nil, fmt.Errorf("%w: %d pixels, want %d", ErrFrameLength, len(frame), g.Total())
	}
	if len(pedestal) != g.PixelsPerFrame {
		return nil, fmt.Errorf("%w: %d pixels, want %d", ErrPedestalLength, len(pedestal), g.PixelsPerFrame)
	}
	for _, s := range dr.segments {
		s.reset()
	}

	bufs, err := dr.alloc()
	if err != nil {
		return nil, err
	}
	defer bufs.free()

	// pedestal is loaded once before any segment starts, accumulators are reset for each pass
	if err = device.CopyToDevice(dr.streams[0], bufs.pedestal, 0, pedestal); err != nil {
		return nil, err
	}
	if err = dr.streams[0].Synchronize(); err != nil {
		return nil, err
	}
	if err = bufs.blockAcc.Fill(0); err != nil {
		return nil, err
	}
	if err = bufs.sectorAcc.Fill(0); err != nil {
		return nil, err
	}

	res := &Result{Segments: len(dr.segments), Streams: len(dr.streams), SegmentSize: g.SegmentSize()}
	events := make([]*device.Event, len(dr.segments))
	start := time.Now()
	var submitErr error
	for _, n := range dr.order {
		if n.Stage == TransferringIn {
			if submitErr = ctx.Err(); submitErr != nil {
				break
			}
		}
		if submitErr = dr.submit(n, bufs, frame, events, res); submitErr != nil {
			break
		}
	}
	syncErr := dr.synchronize()
	res.Elapsed = time.Since(start)

	if syncErr != nil {
		return nil, syncErr
	}
	if submitErr != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(dr.log, "Cancelled after %.3f ms, drained all streams\n", float64(res.Elapsed.Microseconds())/1000)
		}
		return nil, submitErr
	}
	if res.CommonMode, err = dr.readCommonMode(bufs.sectorAcc); err != nil {
		return nil, err
	}
	fmt.Fprintf(dr.log, "Corrected %d segments of %d pixels on %d streams with %d cross-stream waits in %.3f ms\n",
		res.Segments, res.SegmentSize, res.Streams, res.CrossStreamWaits, float64(res.Elapsed.Microseconds())/1000)
	return res, nil
}

// Submits the device work of one stage of one segment to the stream of the segment
func (dr *Driver) submit(n Node, bufs *buffers, frame []int16, events []*device.Event, res *Result) (err error) {
	g := dr.Geometry
	seg := dr.segments[n.Segment]
	s := dr.streams[seg.Stream]
	if n.Stage == CommonModeApply {
		for _, dep := range dr.graph.Deps(n) {
			if dep.Segment == seg.ID || dr.segments[dep.Segment].Stream == seg.Stream {
				continue // ordered by submission to the same stream
			}
			if err = s.WaitEvent(events[dep.Segment]); err != nil {
				return err
			}
			res.CrossStreamWaits++
		}
	}
	if err = s.Callback("enter "+n.Stage.String(), func() error { return seg.advance(n.Stage) }); err != nil {
		return err
	}

	host := frame[seg.Offset : seg.Offset+seg.Len]
	switch n.Stage {
	case TransferringIn:
		return device.CopyToDevice(s, bufs.frame, seg.Offset, host)

	case PedestalAndBlockSum:
		k := kernels.PedestalSubtract(g, bufs.frame.Data(), bufs.pedestal.Data(), bufs.blockAcc.Data(), seg.Offset)
		return device.Launch(s, kernels.PixelLaunch(g, "pedestal"), k)

	case SectorReduce:
		k := kernels.BlockToSector(g, bufs.blockAcc.Data(), bufs.sectorAcc.Data(), seg.FirstBlock)
		if err = device.Launch(s, kernels.BlockLaunch(g, "sectorReduce"), k); err != nil {
			return err
		}
		if dr.needsEvent[seg.ID] {
			events[seg.ID], err = s.Record()
		}
		return err

	case CommonModeApply:
		k := kernels.CommonModeApply(g, bufs.frame.Data(), bufs.sectorAcc.Data(), seg.Offset)
		return device.Launch(s, kernels.PixelLaunch(g, "commonMode"), k)

	case TransferringOut:
		if err = device.CopyToHost(s, host, bufs.frame, seg.Offset); err != nil {
			return err
		}
		return s.Callback("enter done", func() error { return seg.advance(Done) })
	}
	return fmt.Errorf("%w: no device work for %s", ErrStageOrder, n)
}

// Waits for all streams of the driver to drain
func (dr *Driver) synchronize() error {
	var errs []error
	for _, s := range dr.streams {
		if err := s.Synchronize(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (dr *Driver) alloc() (b *buffers, err error) {
	g := dr.Geometry
	b = &buffers{}
	defer func() {
		if err != nil {
			b.free()
			b = nil
		}
	}()
	if b.frame, err = device.Alloc[int16](dr.dev, g.Total()); err != nil {
		return
	}
	if b.pedestal, err = device.Alloc[int16](dr.dev, g.PixelsPerFrame); err != nil {
		return
	}
	if b.blockAcc, err = device.Alloc[int32](dr.dev, g.NumBlocks()); err != nil {
		return
	}
	b.sectorAcc, err = device.Alloc[int32](dr.dev, g.NumSectors())
	return
}

// Reads back the mean subtracted from each sector
func (dr *Driver) readCommonMode(sectorAcc *device.Buffer[int32]) ([]int32, error) {
	sums := device.HostAllocInt32(sectorAcc.Len())
	defer device.HostFreeInt32(sums)
	if err := sectorAcc.Read(sums); err != nil {
		return nil, err
	}
	means := make([]int32, len(sums))
	for i, sum := range sums {
		means[i] = sum / int32(dr.Geometry.SectorSize)
	}
	return means, nil
}

// Waits for outstanding work and releases the streams of the driver
func (dr *Driver) Close() error {
	var errs []error
	for _, s := range dr.streams {
		if err := s.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	dr.streams = nil
	return errors.Join(errs...)
}
