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

package frames

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

var ErrEmpty = errors.New("no pixels to compare")

// Statistics of the difference between a corrected batch and its expected values
type Stats struct {
	MaxAbs int     `json:"maxAbs"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

func (s Stats) String() string {
	return fmt.Sprintf("max abs %d, mean %.3f, stddev %.3f", s.MaxAbs, s.Mean, s.StdDev)
}

// Returns the first k values of the frame, or all if fewer
func Sample(frame []int16, k int) []int16 {
	if k > len(frame) {
		k = len(frame)
	}
	if k < 0 {
		k = 0
	}
	return frame[:k]
}

// Compares the frame pixel by pixel to the expected frame
func Residual(frame, expected []int16) (Stats, error) {
	if len(frame) != len(expected) {
		return Stats{}, fmt.Errorf("frame of %d and expected frame of %d pixels differ in length", len(frame), len(expected))
	}
	return residual(frame, func(i int) int16 { return expected[i] })
}

// Compares the frame to a constant expected value, such as zero for a fully corrected field
func ResidualConst(frame []int16, expected int16) (Stats, error) {
	return residual(frame, func(int) int16 { return expected })
}

func residual(frame []int16, expected func(i int) int16) (Stats, error) {
	if len(frame) == 0 {
		return Stats{}, ErrEmpty
	}
	diffs := make([]float64, len(frame))
	maxAbs := 0
	for i, v := range frame {
		d := int(v) - int(expected(i))
		diffs[i] = float64(d)
		if d < 0 {
			d = -d
		}
		if d > maxAbs {
			maxAbs = d
		}
	}
	if len(diffs) == 1 {
		return Stats{MaxAbs: maxAbs, Mean: diffs[0]}, nil
	}
	mean, std := stat.MeanStdDev(diffs, nil)
	return Stats{MaxAbs: maxAbs, Mean: mean, StdDev: std}, nil
}
