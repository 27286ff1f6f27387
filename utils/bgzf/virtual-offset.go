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

package bgzf

import "strconv"

// VirtualOffset addresses a byte in a BGZF file: the file offset of the
// start of a compressed block in the upper 48 bits, and the offset into
// that block's uncompressed data in the lower 16 bits. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.1.1.
type VirtualOffset uint64

// MakeVirtualOffset packs a compressed block offset and an offset
// within the uncompressed block.
func MakeVirtualOffset(compressed uint64, uncompressed uint16) VirtualOffset {
	return VirtualOffset(compressed<<16 | uint64(uncompressed))
}

// Compressed returns the file offset of the compressed block.
func (v VirtualOffset) Compressed() uint64 {
	return uint64(v) >> 16
}

// Uncompressed returns the offset within the uncompressed block.
func (v VirtualOffset) Uncompressed() uint16 {
	return uint16(v)
}

// Less orders virtual offsets by compressed, then uncompressed offset.
func (v VirtualOffset) Less(w VirtualOffset) bool {
	return v < w
}

func (v VirtualOffset) String() string {
	b := strconv.AppendUint(nil, v.Compressed(), 10)
	b = append(b, ':')
	return string(strconv.AppendUint(b, uint64(v.Uncompressed()), 10))
}
