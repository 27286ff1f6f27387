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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
	"github.com/exascience/elsim/utils/nibbles"
)

var vo = bgzf.MakeVirtualOffset

func parsed(t *testing.T, refID, pos int32, seqLen int, flag uint16, start, end bgzf.VirtualOffset) AlignmentParsed {
	aln := &Alignment{
		RefID:     refID,
		Pos:       pos,
		Flag:      flag,
		NextRefID: -1,
		NextPos:   -1,
		Name:      "r",
		Seq:       nibbles.Make(seqLen),
	}
	record, err := FormatBamAlignment(nil, aln)
	require.NoError(t, err)
	return AlignmentParsed{Record: record[4:], Start: start, End: end}
}

type testRefIndex struct {
	bins       map[uint32][]chunk
	begin, end bgzf.VirtualOffset
	stats      ReferenceStats
	linear     []bgzf.VirtualOffset
}

// decodeIndex reads back a BAI file.
func decodeIndex(t *testing.T, data []byte) (refs []testRefIndex, noCoor uint64) {
	require.Equal(t, baiMagic, string(data[:4]))
	r := bytes.NewReader(data[4:])
	u32 := func() uint32 {
		var v uint32
		require.NoError(t, binary.Read(r, binary.LittleEndian, &v))
		return v
	}
	u64 := func() uint64 {
		var v uint64
		require.NoError(t, binary.Read(r, binary.LittleEndian, &v))
		return v
	}
	refs = make([]testRefIndex, u32())
	for i := range refs {
		ref := &refs[i]
		ref.bins = make(map[uint32][]chunk)
		nBin := u32()
		for j := uint32(0); j < nBin; j++ {
			bin, nChunk := u32(), u32()
			if bin == MaxBin {
				require.Equal(t, uint32(2), nChunk)
				ref.begin, ref.end = bgzf.VirtualOffset(u64()), bgzf.VirtualOffset(u64())
				ref.stats.Mapped, ref.stats.Unmapped = u64(), u64()
				continue
			}
			for k := uint32(0); k < nChunk; k++ {
				ref.bins[bin] = append(ref.bins[bin], chunk{bgzf.VirtualOffset(u64()), bgzf.VirtualOffset(u64())})
			}
		}
		nIntv := u32()
		for j := uint32(0); j < nIntv; j++ {
			ref.linear = append(ref.linear, bgzf.VirtualOffset(u64()))
		}
	}
	noCoor = u64()
	require.Zero(t, r.Len())
	return refs, noCoor
}

func TestBin(t *testing.T) {
	require.Equal(t, uint16(4681), Bin(0, 1))
	require.Equal(t, uint16(1), Bin(0, 1<<26))
	require.Equal(t, uint16(0), Bin(0, 1<<26+1))
	require.Equal(t, uint16(0), Bin(0, 1<<29))
	require.Equal(t, uint16(4681), Bin(0, 1<<14))
	require.Equal(t, uint16(585), Bin(0, 1<<14+1))
	require.Equal(t, uint16(4681+3), Bin(3<<14, 3<<14+100))
	require.Equal(t, uint16(2), Bin(1<<26, 1<<27))
	for beg := int32(0); beg < 1<<20; beg += 9973 {
		require.Equal(t, Bin(beg, beg+151), Bin(beg, beg+151))
		require.Less(t, Bin(beg, beg+151), uint16(MaxBin))
	}
}

func TestChunkMerging(t *testing.T) {
	var buf bytes.Buffer
	b := NewIndexBuilder(&buf)
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs[:1]}))

	// same bin, same compressed block
	require.NoError(t, b.HandleEvent(parsed(t, 0, 100, 50, 0, vo(100, 0), vo(100, 300))))
	require.NoError(t, b.HandleEvent(parsed(t, 0, 200, 50, 0, vo(100, 300), vo(100, 600))))
	require.Equal(t, []chunk{{vo(100, 0), vo(100, 600)}}, b.bins[4681])

	// different bin
	require.NoError(t, b.HandleEvent(parsed(t, 0, 20000, 50, 0, vo(100, 600), vo(100, 900))))
	require.Len(t, b.bins[4681], 1)
	require.Equal(t, []chunk{{vo(100, 600), vo(100, 900)}}, b.bins[4682])

	// same bin as the previous record, next compressed block
	require.NoError(t, b.HandleEvent(parsed(t, 0, 20100, 50, 0, vo(2000, 0), vo(2000, 300))))
	require.Equal(t, []chunk{{vo(100, 600), vo(2000, 300)}}, b.bins[4682])

	// a record spanning two windows, then back to bin 4682 in a new block
	require.NoError(t, b.HandleEvent(parsed(t, 0, 20200, 20000, 0, vo(2000, 300), vo(2000, 20400))))
	require.Equal(t, []chunk{{vo(2000, 300), vo(2000, 20400)}}, b.bins[585])
	require.NoError(t, b.HandleEvent(parsed(t, 0, 20300, 50, 0, vo(3000, 0), vo(3000, 300))))
	require.Equal(t, []chunk{{vo(100, 600), vo(2000, 300)}, {vo(3000, 0), vo(3000, 300)}}, b.bins[4682])

	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))
	require.NoError(t, b.HandleEvent(Finished{}))

	refs, noCoor := decodeIndex(t, buf.Bytes())
	require.Zero(t, noCoor)
	require.Len(t, refs, 1)
	require.Equal(t, map[uint32][]chunk{
		585:  {{vo(2000, 300), vo(2000, 20400)}},
		4681: {{vo(100, 0), vo(100, 600)}},
		4682: {{vo(100, 600), vo(2000, 300)}, {vo(3000, 0), vo(3000, 300)}},
	}, refs[0].bins)
	require.Equal(t, vo(100, 0), refs[0].begin)
	require.Equal(t, vo(3000, 300), refs[0].end)
	require.Equal(t, ReferenceStats{Mapped: 6}, refs[0].stats)
}

func TestIndexBinOrder(t *testing.T) {
	var buf bytes.Buffer
	b := NewIndexBuilder(&buf)
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs[:1]}))
	require.NoError(t, b.HandleEvent(parsed(t, 0, 100, 1<<17, 0, vo(10, 0), vo(10, 100))))
	require.NoError(t, b.HandleEvent(parsed(t, 0, 200, 50, 0, vo(10, 100), vo(10, 200))))
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))

	data := buf.Bytes()
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[8:]))
	require.Equal(t, uint32(Bin(100, 100+1<<17)), binary.LittleEndian.Uint32(data[12:]))
	next := 12 + 8 + 16
	require.Equal(t, uint32(4681), binary.LittleEndian.Uint32(data[next:]))
	next += 8 + 16
	require.Equal(t, uint32(MaxBin), binary.LittleEndian.Uint32(data[next:]))
}

func TestLinearIndexForwardFill(t *testing.T) {
	var buf bytes.Buffer
	b := NewIndexBuilder(&buf)
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs[:2]}))

	require.NoError(t, b.HandleEvent(parsed(t, 0, 10, 100, 0, vo(100, 5), vo(100, 200))))
	require.NoError(t, b.HandleEvent(parsed(t, 0, 5<<14+10, 100, 0, vo(200, 0), vo(200, 100))))
	require.Equal(t, []bgzf.VirtualOffset{vo(100, 5), vo(100, 5), vo(100, 5), vo(100, 5), vo(100, 5), vo(200, 0)}, b.linear)

	// existing windows are kept
	require.NoError(t, b.HandleEvent(parsed(t, 0, 2<<14, 100, 0, vo(300, 0), vo(300, 100))))
	require.Equal(t, vo(100, 5), b.linear[2])

	// a record spanning windows sets all of them
	require.NoError(t, b.HandleEvent(parsed(t, 0, 6<<14+100, 3<<14, 0, vo(400, 0), vo(400, 100))))
	require.Len(t, b.linear, 10)
	for _, offset := range b.linear[6:] {
		require.Equal(t, vo(400, 0), offset)
	}
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))

	// the first record of a reference fills the windows before it
	require.NoError(t, b.HandleEvent(parsed(t, 1, 3<<14, 100, 0, vo(500, 7), vo(500, 100))))
	require.Equal(t, []bgzf.VirtualOffset{vo(500, 7), vo(500, 7), vo(500, 7), vo(500, 7)}, b.linear)
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 1}))
	require.NoError(t, b.HandleEvent(Finished{}))

	refs, _ := decodeIndex(t, buf.Bytes())
	for _, ref := range refs {
		for _, offset := range ref.linear {
			require.NotZero(t, offset)
		}
	}
	require.Len(t, refs[0].linear, 10)
	require.Len(t, refs[1].linear, 4)
}

func TestSuperBinStats(t *testing.T) {
	const mapped, unmapped = 5, 3
	var buf bytes.Buffer
	b := NewIndexBuilder(&buf)
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	offset := uint16(0)
	for i := 0; i < mapped+unmapped; i++ {
		var flag uint16
		if i%2 == 1 && i < 2*unmapped {
			flag = Unmapped
		}
		ev := parsed(t, 1, int32(i*100), 100, flag, vo(64, offset), vo(64, offset+100))
		if i == 0 {
			require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))
		}
		require.NoError(t, b.HandleEvent(ev))
		offset += 100
	}
	// unplaced reads are not indexed
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 1}))
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 2}))
	require.NoError(t, b.HandleEvent(parsed(t, -1, -1, 100, Unmapped, vo(64, offset), vo(64, offset+100))))
	require.NoError(t, b.HandleEvent(Finished{}))

	require.Equal(t, []ReferenceStats{{}, {Mapped: mapped, Unmapped: unmapped}, {}}, b.Stats())

	refs, noCoor := decodeIndex(t, buf.Bytes())
	require.Zero(t, noCoor)
	require.Len(t, refs, 3)
	require.Equal(t, ReferenceStats{Mapped: mapped, Unmapped: unmapped}, refs[1].stats)
	require.Equal(t, vo(64, 0), refs[1].begin)
	require.Equal(t, vo(64, 800), refs[1].end)
	for _, i := range []int{0, 2} {
		require.Empty(t, refs[i].bins)
		require.Empty(t, refs[i].linear)
		require.Zero(t, refs[i].stats)
	}
}

func TestIndexIntervalFromSequenceLength(t *testing.T) {
	aln := &Alignment{
		Pos:       16380,
		NextRefID: -1,
		NextPos:   -1,
		Name:      "gapped",
		Cigar:     []CigarOperation{{Length: 1, Operation: 'M'}, {Length: 100, Operation: 'D'}, {Length: 1, Operation: 'M'}},
		Seq:       nibbles.Make(2),
	}
	record, err := FormatBamAlignment(nil, aln)
	require.NoError(t, err)

	var buf bytes.Buffer
	b := NewIndexBuilder(&buf)
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	require.NoError(t, b.HandleEvent(AlignmentParsed{Record: record[4:], Start: vo(1, 0), End: vo(1, 60)}))
	for refID := range testRefs {
		require.NoError(t, b.HandleEvent(EndOfSequence{RefID: int32(refID)}))
	}
	require.NoError(t, b.HandleEvent(Finished{}))

	refs, _ := decodeIndex(t, buf.Bytes())
	require.Contains(t, refs[0].bins, uint32(4681))
	require.Len(t, refs[0].linear, 1)
}

func TestIndexBamStream(t *testing.T) {
	alns := testAlignments(400)
	data := encodeBam(t, testRefs, alns)

	var buf bytes.Buffer
	log := new(eventLog)
	b := NewIndexBuilder(&buf)
	require.NoError(t, decodeBam(data, 5000, Handlers{log, b}))

	refs, noCoor := decodeIndex(t, buf.Bytes())
	require.Zero(t, noCoor)
	require.Len(t, refs, len(testRefs))
	for i, ref := range refs {
		require.Equal(t, ReferenceStats{Mapped: 100}, ref.stats)
		require.Equal(t, log.starts[i*100], ref.begin)
		require.Equal(t, log.ends[i*100+99], ref.end)
		for bin, chunks := range ref.bins {
			require.Less(t, bin, uint32(MaxBin))
			for _, c := range chunks {
				require.True(t, c.begin.Less(c.end))
			}
		}
		require.Len(t, ref.linear, 2)
	}
}

func TestIndexBuilderPreconditions(t *testing.T) {
	b := NewIndexBuilder(new(bytes.Buffer))
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	err := b.HandleEvent(EndOfSequence{RefID: 1})
	require.True(t, errors.Is(err, utils.ErrPrecondition), "%v", err)
	require.Equal(t, err, b.Err())
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))

	b = NewIndexBuilder(new(bytes.Buffer))
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 0}))
	err = b.HandleEvent(Finished{})
	require.True(t, errors.Is(err, utils.ErrPrecondition), "%v", err)

	b = NewIndexBuilder(new(bytes.Buffer))
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	err = b.HandleEvent(parsed(t, 2, 0, 10, 0, vo(1, 0), vo(1, 10)))
	require.True(t, errors.Is(err, utils.ErrPrecondition), "%v", err)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, unix.ENOSPC
}

func TestIndexBuilderWriteFailure(t *testing.T) {
	b := NewIndexBuilder(failingWriter{})
	require.NoError(t, b.HandleEvent(RefDictReady{References: testRefs}))
	require.NoError(t, b.HandleEvent(parsed(t, 0, 0, 10, 0, vo(1, 0), vo(1, 10))))
	err := b.HandleEvent(EndOfSequence{RefID: 0})
	var ioErr *utils.IOError
	require.True(t, errors.As(err, &ioErr), "%v", err)
	require.Equal(t, unix.ENOSPC, ioErr.Errno)
	require.NoError(t, b.HandleEvent(EndOfSequence{RefID: 1}))
}
