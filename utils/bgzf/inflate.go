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

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/flate"
)

// An Inflater decompresses the raw-deflate payload of one BGZF block.
//
// Inflate returns the size uncompressed bytes, stored in dst if its
// capacity suffices, and checks them against the block's CRC-32.
type Inflater interface {
	Inflate(dst, payload []byte, crc uint32, size int) ([]byte, error)
}

type flateInflater struct {
	r      io.ReadCloser
	reader bytes.Reader
}

// NewInflater returns the default Inflater. It is not safe for
// concurrent use.
func NewInflater() Inflater {
	return &flateInflater{}
}

func (f *flateInflater) Inflate(dst, payload []byte, crc uint32, size int) ([]byte, error) {
	f.reader.Reset(payload)
	if f.r == nil {
		f.r = flate.NewReader(&f.reader)
	} else if err := f.r.(flate.Resetter).Reset(&f.reader, nil); err != nil {
		f.r = flate.NewReader(&f.reader)
	}
	if cap(dst) < size {
		dst = make([]byte, size, maxBlockSize)
	}
	dst = dst[:size]
	if _, err := io.ReadFull(f.r, dst); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return dst, errors.Mark(errors.Wrap(err, "inflating BGZF block"), ErrMalformedFraming)
	}
	if crc32.ChecksumIEEE(dst) != crc {
		return dst, errors.Mark(errors.New("invalid CRC-32 value for a data block in a BGZF file"), ErrMalformedFraming)
	}
	return dst, nil
}

func blockCrc(footer []byte) uint32 {
	return binary.LittleEndian.Uint32(footer[0:4])
}

func blockISize(footer []byte) uint32 {
	return binary.LittleEndian.Uint32(footer[4:8])
}
