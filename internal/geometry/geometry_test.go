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

package geometry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsDerivedSizes(t *testing.T) {
	g := Defaults()
	if err := g.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if g.Total() != 524288 {
		t.Errorf("Total()=%d; want 524288", g.Total())
	}
	if g.NumSegments() != 32 {
		t.Errorf("NumSegments()=%d; want 32", g.NumSegments())
	}
	if g.SegmentSize() != 16384 {
		t.Errorf("SegmentSize()=%d; want 16384", g.SegmentSize())
	}
	if g.NumSectors() != 8 || g.SectorsPerFrame() != 8 {
		t.Errorf("NumSectors()=%d SectorsPerFrame()=%d; want 8, 8", g.NumSectors(), g.SectorsPerFrame())
	}
	if g.BlocksPerSector() != 256 || g.BlocksPerSegment() != 64 || g.NumBlocks() != 2048 {
		t.Errorf("BlocksPerSector()=%d BlocksPerSegment()=%d NumBlocks()=%d; want 256, 64, 2048",
			g.BlocksPerSector(), g.BlocksPerSegment(), g.NumBlocks())
	}
	if g.SegmentsPerSector() != 4 {
		t.Errorf("SegmentsPerSector()=%d; want 4", g.SegmentsPerSector())
	}
}

func TestIndexing(t *testing.T) {
	g := Geometry{PixelsPerFrame: 1024, SectorSize: 256, BlockSize: 64, GroupSize: 32, Acquisitions: 3, Streams: 2}
	if g.PedestalIndex(1024+5) != 5 {
		t.Errorf("PedestalIndex(1029)=%d; want 5", g.PedestalIndex(1029))
	}
	if g.SectorOf(1024+300) != 5 {
		t.Errorf("SectorOf(1324)=%d; want 5", g.SectorOf(1324))
	}
	if g.BlockOf(130) != 2 {
		t.Errorf("BlockOf(130)=%d; want 2", g.BlockOf(130))
	}
	if g.Groups(65) != 3 || g.Groups(64) != 2 {
		t.Errorf("Groups(65)=%d Groups(64)=%d; want 3, 2", g.Groups(65), g.Groups(64))
	}
	if g.SegmentsPerSector() != 1 {
		t.Errorf("SegmentsPerSector()=%d; want 1", g.SegmentsPerSector())
	}
}

func TestValidate(t *testing.T) {
	base := Geometry{PixelsPerFrame: 4096, SectorSize: 1024, BlockSize: 64, GroupSize: 64, Acquisitions: 2, Streams: 4}
	tcs := []struct {
		name   string
		modify func(g *Geometry)
		want   error
	}{
		{"valid", func(g *Geometry) {}, nil},
		{"segment smaller than sector", func(g *Geometry) { g.Segments = 16 }, nil},
		{"zero streams", func(g *Geometry) { g.Streams = 0 }, ErrNonPositive},
		{"negative segments", func(g *Geometry) { g.Segments = -1 }, ErrNonPositive},
		{"zero acquisitions", func(g *Geometry) { g.Acquisitions = 0 }, ErrNonPositive},
		{"sector too large", func(g *Geometry) { g.PixelsPerFrame = 1 << 18; g.SectorSize = 1 << 17 }, ErrAccumulatorOverflow},
		{"frame not multiple of sector", func(g *Geometry) { g.PixelsPerFrame = 4000 }, ErrSectorSize},
		{"sector not multiple of block", func(g *Geometry) { g.BlockSize = 48 }, ErrBlockSize},
		{"uneven segments", func(g *Geometry) { g.Segments = 3 }, ErrUnevenSegments},
		{"segment straddles sectors", func(g *Geometry) { g.Acquisitions = 3; g.Segments = 8 }, ErrSegmentMisaligned},
		{"segment smaller than block", func(g *Geometry) { g.Segments = 256 }, ErrBlockMisaligned},
	}
	for _, tc := range tcs {
		g := base
		tc.modify(&g)
		err := g.Validate()
		if tc.want == nil && err != nil {
			t.Errorf("%s: Validate()=%v; want nil", tc.name, err)
		} else if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: Validate()=%v; want %v", tc.name, err, tc.want)
		}
	}
}

func TestMaxSectorSize(t *testing.T) {
	if MaxSectorSize != 65536 {
		t.Errorf("MaxSectorSize=%d; want 65536", MaxSectorSize)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "geometry.yaml")
	yml := "pixelsPerFrame: 8192\nsectorSize: 2048\nstreams: 4\nacquisitions: 3\n"
	if err := os.WriteFile(fileName, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	g, err := Load(fileName)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	if g.PixelsPerFrame != 8192 || g.SectorSize != 2048 || g.Streams != 4 || g.Acquisitions != 3 {
		t.Errorf("Load()=%+v; want overrides applied", g)
	}
	if g.BlockSize != Defaults().BlockSize {
		t.Errorf("BlockSize=%d; want default %d", g.BlockSize, Defaults().BlockSize)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("pixelsPerFrame: 8000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrSectorSize) {
		t.Errorf("Load(bad)=%v; want %v", err, ErrSectorSize)
	}
}
