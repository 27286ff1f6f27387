// elSim: streaming BAM/BGZF encoding and BAI indexing.
// Copyright (c) 2017-2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsim/blob/master/LICENSE.txt>.

package sam

const (
	// MaxBin is one past the largest bin number of the binning
	// scheme. It is also the number of the pseudo-bin in which BAI
	// files store per-reference statistics.
	MaxBin = 37450

	// LinearShift is log2 of the window size of the linear index.
	LinearShift = 14
)

// Bin computes the bin of the half-open interval [beg, end) in the
// 5-level binning scheme of BAM and BAI files. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 5.3.
func Bin(beg, end int32) uint16 {
	end--
	if beg>>14 == end>>14 {
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	}
	if beg>>17 == end>>17 {
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	}
	if beg>>20 == end>>20 {
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	}
	if beg>>23 == end>>23 {
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	}
	if beg>>26 == end>>26 {
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}
