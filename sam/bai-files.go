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

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
)

// baiMagic is the magic string for the BAI format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 5.2.
const baiMagic = "BAI\x01"

const noBin = math.MaxUint16

type chunk struct {
	begin, end bgzf.VirtualOffset
}

// ReferenceStats holds the number of mapped and unmapped placed reads
// of a reference sequence, as recorded in its pseudo-bin.
type ReferenceStats struct {
	Mapped, Unmapped uint64
}

// IndexBuilder is a Handler that writes a BAI index for the events of
// a Parser. See http://samtools.github.io/hts-specs/SAMv1.pdf -
// Section 5.2.
//
// Each reference is written out as soon as its EndOfSequence event
// arrives. Unplaced reads are not indexed, and the trailing count of
// unplaced reads is always written as 0.
//
// A record covers [pos, pos+l_seq) on its reference; CIGAR operations
// are not read. A read spanning deletions or N skips is therefore
// indexed as shorter than its reference span, and region queries near
// its end can miss it. Use samtools index for such external files.
type IndexBuilder struct {
	w   *bufio.Writer
	buf []byte

	nRef    int32
	refID   int32
	started bool

	bins     map[uint16][]chunk
	nonEmpty *bitset.BitSet
	lastBin  uint16
	linear   []bgzf.VirtualOffset
	seen     bool
	minBegin bgzf.VirtualOffset
	maxEnd   bgzf.VirtualOffset
	mapped   uint64
	unmapped uint64

	stats []ReferenceStats
	err   error
}

// NewIndexBuilder returns an IndexBuilder writing to w.
func NewIndexBuilder(w io.Writer) *IndexBuilder {
	return &IndexBuilder{
		w:        bufio.NewWriter(w),
		bins:     make(map[uint16][]chunk),
		nonEmpty: bitset.New(MaxBin),
		lastBin:  noBin,
	}
}

// Err returns the error that poisoned the IndexBuilder, if any.
func (b *IndexBuilder) Err() error {
	return b.err
}

// Stats returns the mapped and unmapped counts of the references
// written so far.
func (b *IndexBuilder) Stats() []ReferenceStats {
	return b.stats
}

func (b *IndexBuilder) fail(err error) error {
	b.err = err
	return err
}

// HandleEvent implements the method of the Handler interface.
func (b *IndexBuilder) HandleEvent(ev Event) error {
	if b.err != nil {
		return nil
	}
	var err error
	switch ev := ev.(type) {
	case RefDictReady:
		b.nRef = int32(len(ev.References))
	case AlignmentParsed:
		err = b.add(ev)
	case EndOfSequence:
		if ev.RefID != b.refID {
			err = utils.Preconditionf("end of reference %d while indexing reference %d", ev.RefID, b.refID)
			break
		}
		err = b.flushReference()
	case Finished:
		if b.refID != b.nRef {
			err = utils.Preconditionf("BAI index finished after %d of %d references", b.refID, b.nRef)
			break
		}
		b.buf = binary.LittleEndian.AppendUint64(b.buf[:0], 0)
		err = b.write("BAI index write")
		if err == nil {
			err = utils.NewIOError("BAI index flush", b.w.Flush())
		}
	}
	if err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *IndexBuilder) add(ev AlignmentParsed) error {
	refID := ev.RefID()
	if refID == -1 {
		return nil
	}
	if refID != b.refID {
		return utils.Preconditionf("alignment for reference %d while indexing reference %d", refID, b.refID)
	}

	beg := ev.Pos()
	end := indexEnd(beg, ev.SeqLen(), ev.Flag())
	if beg < 0 {
		beg = 0
	}
	if end <= beg {
		end = beg + 1
	}
	start, stop := ev.Start, ev.End

	bin := Bin(beg, end)
	chunks := b.bins[bin]
	if len(chunks) == 0 || (chunks[len(chunks)-1].end.Compressed() != start.Compressed() && bin != b.lastBin) {
		b.bins[bin] = append(chunks, chunk{start, stop})
		b.nonEmpty.Set(uint(bin))
	} else {
		chunks[len(chunks)-1].end = stop
	}
	b.lastBin = bin

	if !b.seen {
		b.seen = true
		b.minBegin = start
	}
	if b.maxEnd.Less(stop) {
		b.maxEnd = stop
	}
	if ev.IsUnmapped() {
		b.unmapped++
	} else {
		b.mapped++
	}

	first, last := int(beg>>LinearShift), int((end-1)>>LinearShift)
	for window := len(b.linear); window <= last; window++ {
		if window < first && window > 0 {
			b.linear = append(b.linear, b.linear[window-1])
		} else {
			b.linear = append(b.linear, start)
		}
	}
	return nil
}

func (b *IndexBuilder) write(op string) error {
	_, err := b.w.Write(b.buf)
	return utils.NewIOError(op, err)
}

func (b *IndexBuilder) flushReference() error {
	out := b.buf[:0]
	if !b.started {
		b.started = true
		out = append(out, baiMagic...)
		out = binary.LittleEndian.AppendUint32(out, uint32(b.nRef))
	}
	if !b.seen {
		out = binary.LittleEndian.AppendUint32(out, 0)
		out = binary.LittleEndian.AppendUint32(out, 0)
	} else {
		out = binary.LittleEndian.AppendUint32(out, uint32(b.nonEmpty.Count()+1))
		for i, ok := b.nonEmpty.NextSet(0); ok; i, ok = b.nonEmpty.NextSet(i + 1) {
			chunks := b.bins[uint16(i)]
			out = binary.LittleEndian.AppendUint32(out, uint32(i))
			out = binary.LittleEndian.AppendUint32(out, uint32(len(chunks)))
			for _, c := range chunks {
				out = binary.LittleEndian.AppendUint64(out, uint64(c.begin))
				out = binary.LittleEndian.AppendUint64(out, uint64(c.end))
			}
		}
		out = binary.LittleEndian.AppendUint32(out, MaxBin)
		out = binary.LittleEndian.AppendUint32(out, 2)
		out = binary.LittleEndian.AppendUint64(out, uint64(b.minBegin))
		out = binary.LittleEndian.AppendUint64(out, uint64(b.maxEnd))
		out = binary.LittleEndian.AppendUint64(out, b.mapped)
		out = binary.LittleEndian.AppendUint64(out, b.unmapped)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(b.linear)))
		for _, offset := range b.linear {
			out = binary.LittleEndian.AppendUint64(out, uint64(offset))
		}
	}
	b.buf = out
	if err := b.write("BAI index write"); err != nil {
		return err
	}
	if err := b.w.Flush(); err != nil {
		return utils.NewIOError("BAI index flush", err)
	}

	b.stats = append(b.stats, ReferenceStats{Mapped: b.mapped, Unmapped: b.unmapped})
	b.refID++
	b.reset()
	return nil
}

func (b *IndexBuilder) reset() {
	clear(b.bins)
	b.nonEmpty.ClearAll()
	b.lastBin = noBin
	b.linear = b.linear[:0]
	b.seen = false
	b.minBegin, b.maxEnd = 0, 0
	b.mapped, b.unmapped = 0, 0
}
