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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	fc "github.com/mlnoga/framecorr/internal"
	"github.com/mlnoga/framecorr/internal/device"
	"github.com/mlnoga/framecorr/internal/frames"
	"github.com/mlnoga/framecorr/internal/geometry"
	"github.com/mlnoga/framecorr/internal/kernels"
	"github.com/mlnoga/framecorr/internal/pipeline"
)

const version = "0.1.0"

// Number of pixels echoed before and after correction
const sampleSize = 8

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var config = flag.String("config", "", "load geometry from YAML `file`, flags and arguments override it")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of the config file with .log, or logs to stdout only")

var pixels = flag.Int("pixels", 0, "pixels per frame, 0=default of 512x1024")
var sector = flag.Int("sector", 0, "pixels per common-mode sector, 0=default of 64Ki")
var block = flag.Int("block", 0, "pixels per first-level reduction block, 0=default of 256")
var group = flag.Int("group", 0, "lanes per work-group, 0=default of 256")
var segments = flag.Int("segments", -1, "pipeline segments, 0=one per stream, -1=keep configured")

var pedestal = flag.Int("pedestal", 1, "pedestal level for all pixels")
var raw = flag.Int("raw", 2, "raw level for all pixels")
var noise = flag.Int("noise", 0, "amplitude of synthetic pedestal, common-mode and pixel noise, 0=constant frames")
var seed = flag.Uint("seed", 1, "seed for synthetic frames")

var verify = flag.Bool("verify", false, "verify results against the sequential host reference")
var passes = flag.Int("passes", 1, "correction passes over the same frames. Passes are not idempotent")

func main() {
	logWriter := fc.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Framecorr Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] acquisitions [streams=32] [device=0]
       %s (legal|version|devices)

Corrects a batch of detector frames for pedestal and common mode on a compute device,
streaming segments of the batch through the given number of streams.

Flags:
`, os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *config != "" {
			*log = strings.TrimSuffix(*config, filepath.Ext(*config)) + ".log"
		} else {
			*log = ""
		}
	}
	if *log != "" {
		err := fc.LogAlsoToFile(*log)
		if err != nil {
			fc.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
	}
	defer fc.LogSync()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fc.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fc.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	switch args[0] {
	case "legal":
		cmdLegal(logWriter)
		return
	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
		return
	case "devices":
		cmdDevices(logWriter)
		return
	case "help", "?":
		flag.Usage()
		return
	}

	g, devIndex, err := parseGeometry(args)
	if err != nil {
		fc.LogFatalf("Error in configuration: %s\n", err.Error())
	}
	dev, err := device.Select(devIndex)
	if err != nil {
		fc.LogFatalf("Error selecting device: %s\n", err.Error())
	}
	defer dev.Close()

	driver, err := pipeline.NewDriver(g, dev, logWriter)
	if err != nil {
		fc.LogFatalf("Error in configuration: %s\n", err.Error())
	}
	defer driver.Close()
	echoConfig(logWriter, g, dev)

	if err = correct(driver, logWriter); err != nil {
		driver.Close()
		dev.Close()
		fc.LogFatalf("Error: %s\n", err.Error())
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fc.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			fc.LogFatal("Could not write allocation profile: ", err)
		}
	}
}

// Builds the geometry from defaults, the optional config file, flags and positional arguments.
// Returns the geometry and the selected device index
func parseGeometry(args []string) (g geometry.Geometry, devIndex int, err error) {
	g = geometry.Defaults()
	if *config != "" {
		if g, err = geometry.Load(*config); err != nil {
			return g, 0, err
		}
	}
	if *pixels != 0 {
		g.PixelsPerFrame = *pixels
	}
	if *sector != 0 {
		g.SectorSize = *sector
	}
	if *block != 0 {
		g.BlockSize = *block
	}
	if *group != 0 {
		g.GroupSize = *group
	}
	if *segments >= 0 {
		g.Segments = *segments
	}

	if g.Acquisitions, err = strconv.Atoi(args[0]); err != nil {
		return g, 0, fmt.Errorf("acquisitions '%s' is not a number", args[0])
	}
	if len(args) > 1 {
		if g.Streams, err = strconv.Atoi(args[1]); err != nil {
			return g, 0, fmt.Errorf("streams '%s' is not a number", args[1])
		}
	}
	if len(args) > 2 {
		if devIndex, err = strconv.Atoi(args[2]); err != nil {
			return g, 0, fmt.Errorf("device '%s' is not a number", args[2])
		}
	}
	if len(args) > 3 {
		return g, 0, fmt.Errorf("unexpected arguments %v", args[3:])
	}
	if *passes < 1 {
		return g, 0, fmt.Errorf("passes must be at least 1, got %d", *passes)
	}
	if *pedestal < -32768 || *pedestal > 32767 || *raw < -32768 || *raw > 32767 {
		return g, 0, fmt.Errorf("pedestal %d or raw %d out of 16-bit range", *pedestal, *raw)
	}
	if *noise < 0 || *noise > 1024 {
		return g, 0, fmt.Errorf("noise %d out of range [0,1024]", *noise)
	}
	return g, devIndex, g.Validate()
}

// Settings echoed before the run
type launchEcho struct {
	Geometry     geometry.Geometry `json:"geometry"`
	Device       *device.Device    `json:"device"`
	GroupsPerSeg int               `json:"groupsPerSegment"`
	BlockGroups  int               `json:"groupsPerSectorReduce"`
	SegmentSize  int               `json:"segmentSize"`
	SegsPerSect  int               `json:"segmentsPerSector"`
}

func echoConfig(logWriter io.Writer, g geometry.Geometry, dev *device.Device) {
	e := launchEcho{
		Geometry:     g,
		Device:       dev,
		GroupsPerSeg: g.Groups(g.SegmentSize()),
		BlockGroups:  g.Groups(g.BlocksPerSegment()),
		SegmentSize:  g.SegmentSize(),
		SegsPerSect:  g.SegmentsPerSector(),
	}
	m, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		fc.LogFatalf("Error echoing configuration: %s\n", err.Error())
	}
	fmt.Fprintf(logWriter, "Correcting %s\non %s with these settings:\n%s\n", g, dev, string(m))
}

// Generates the input, runs all passes and reports samples, timing and residual errors
func correct(driver *pipeline.Driver, logWriter io.Writer) error {
	g := driver.Geometry
	var frame, ped []int16
	if *noise > 0 {
		src := frames.Synthetic{
			Pedestal:         int16(*pedestal),
			PedestalSpread:   int16(*noise),
			Signal:           int16(*raw - *pedestal),
			CommonModeSpread: int16(*noise),
			Noise:            int16(*noise),
			Seed:             uint32(*seed),
		}
		b := src.Generate(g)
		defer b.Release()
		frame, ped = b.Frame, b.Pedestal
	} else {
		frame = frames.Constant(g.Total(), int16(*raw))
		defer frames.Release(frame)
		ped = frames.Constant(g.PixelsPerFrame, int16(*pedestal))
		defer frames.Release(ped)
	}

	var expected []int16
	if *verify || *noise > 0 {
		expected = append([]int16(nil), frame...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for pass := 1; pass <= *passes; pass++ {
		fmt.Fprintf(logWriter, "\nPass %d input:  %v\n", pass, frames.Sample(frame, sampleSize))
		res, err := driver.Run(ctx, frame, ped)
		if err != nil {
			return err
		}
		fmt.Fprintf(logWriter, "Pass %d output: %v\n", pass, frames.Sample(frame, sampleSize))
		fmt.Fprintf(logWriter, "Pass %d elapsed: %.3f ms\n", pass, float64(res.Elapsed.Microseconds())/1000)

		zero, err := frames.ResidualConst(frame, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(logWriter, "Pass %d max abs error vs. zero: %d (%s)\n", pass, zero.MaxAbs, zero)

		if expected != nil {
			if _, err := kernels.Correct(g, expected, ped); err != nil {
				return err
			}
			ref, err := frames.Residual(frame, expected)
			if err != nil {
				return err
			}
			fmt.Fprintf(logWriter, "Pass %d max abs error vs. host reference: %d\n", pass, ref.MaxAbs)
			if ref.MaxAbs != 0 {
				return fmt.Errorf("pass %d deviates from host reference: %s", pass, ref)
			}
		}
	}
	return nil
}

func cmdDevices(logWriter io.Writer) {
	for i := 0; i < device.Count(); i++ {
		dev, err := device.Select(i)
		if err != nil {
			fc.LogFatalf("Error selecting device %d: %s\n", i, err.Error())
		}
		fmt.Fprintf(logWriter, "%s\n", dev)
		dev.Close()
	}
}

func cmdLegal(logWriter io.Writer) {
	fmt.Fprint(logWriter, legal)
}
