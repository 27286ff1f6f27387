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
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
	"github.com/exascience/elsim/utils/nibbles"
)

// ErrMalformedRecord marks a BAM byte stream, or an alignment to be
// encoded, that violates the BAM record layout.
var ErrMalformedRecord = errors.New("malformed BAM record stream")

func malformedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformedRecord)
}

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

var (
	cigarOps = []byte("MIDNSHP=X")
	cigarMap [256]byte
)

func init() {
	for i := range cigarMap {
		cigarMap[i] = 0xFF
	}
	for i, b := range cigarOps {
		cigarMap[b] = byte(i)
	}
}

const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

// checkBamRecord verifies that the variable-length fields of a record
// fit into it, and returns the index of the first optional field.
func checkBamRecord(record []byte) (auxIndex int, err error) {
	if len(record) < readNameIndex {
		return 0, malformedf("BAM record of %d bytes is shorter than its fixed fields", len(record))
	}
	lReadName := int(record[lReadNameIndex])
	if lReadName == 0 {
		return 0, malformedf("BAM record with a read name length of 0")
	}
	nCigarOp := int(binary.LittleEndian.Uint16(record[nCigarOpIndex:]))
	lSeq := int64(int32(binary.LittleEndian.Uint32(record[lSeqIndex:])))
	if lSeq < 0 {
		return 0, malformedf("BAM record with a negative sequence length %d", lSeq)
	}
	required := int64(readNameIndex+lReadName+4*nCigarOp) + (lSeq+1)>>1 + lSeq
	if required > int64(len(record)) {
		return 0, malformedf("BAM record of %d bytes does not hold its %d bytes of fields", len(record), required)
	}
	if record[readNameIndex+lReadName-1] != 0 {
		return 0, malformedf("missing NUL byte at the end of a BAM read name")
	}
	return int(required), nil
}

// ParseBamAlignment parses a read alignment record in a BAM file, not
// including its block_size field, and returns a freshly allocated
// alignment. See http://samtools.github.io/hts-specs/SAMv1.pdf -
// Sections 4.2.
func ParseBamAlignment(record []byte) (*Alignment, error) {
	auxIndex, err := checkBamRecord(record)
	if err != nil {
		return nil, err
	}
	aln := new(Alignment)

	aln.RefID = int32(binary.LittleEndian.Uint32(record[refIDIndex : refIDIndex+4]))
	aln.Pos = int32(binary.LittleEndian.Uint32(record[posIndex : posIndex+4]))
	lReadName := int(record[lReadNameIndex])
	aln.MapQ = record[mapqIndex]
	aln.Bin = binary.LittleEndian.Uint16(record[binIndex : binIndex+2])
	nCigarOp := binary.LittleEndian.Uint16(record[nCigarOpIndex : nCigarOpIndex+2])
	aln.Flag = binary.LittleEndian.Uint16(record[flagIndex : flagIndex+2])
	lSeq := int(int32(binary.LittleEndian.Uint32(record[lSeqIndex : lSeqIndex+4])))
	aln.NextRefID = int32(binary.LittleEndian.Uint32(record[nextRefIDIndex : nextRefIDIndex+4]))
	aln.NextPos = int32(binary.LittleEndian.Uint32(record[nextPosIndex : nextPosIndex+4]))
	aln.TLen = int32(binary.LittleEndian.Uint32(record[tlenIndex : tlenIndex+4]))
	aln.Name = string(record[readNameIndex : readNameIndex+lReadName-1])

	index := readNameIndex + lReadName

	if nCigarOp > 0 {
		aln.Cigar = make([]CigarOperation, nCigarOp)
	}
	for i := uint16(0); i < nCigarOp; i, index = i+1, index+4 {
		cigar := binary.LittleEndian.Uint32(record[index : index+4])
		op := int(0xF & cigar)
		if op >= len(cigarOps) {
			return nil, malformedf("invalid CIGAR operation code %d in BAM record %v", op, aln.Name)
		}
		aln.Cigar[i] = CigarOperation{
			Length:    int32(cigar >> 4),
			Operation: cigarOps[op],
		}
	}

	nextIndex := index + ((lSeq + 1) >> 1)
	aln.Seq = nibbles.ReflectMake(lSeq, 0, append([]byte(nil), record[index:nextIndex]...))
	index = nextIndex

	aln.Qual = append([]byte(nil), record[index:index+lSeq]...)

	if auxIndex < len(record) {
		aln.Aux = append([]byte(nil), record[auxIndex:]...)
	}
	return aln, nil
}

func enlarge(out []byte, by int) (int, []byte) {
	index := len(out)
	length := index + by
	for cap(out) < length {
		out = append(out[:cap(out)], 0)
	}
	out = out[:length]
	return index, out
}

// FormatBamHeader writes the header section of a BAM file: the SAM
// header text with an @HD line, one @SQ line per reference, one @RG
// line per read group and the @PG line of this program, followed by
// the sequence dictionary. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func FormatBamHeader(out []byte, refs []Reference, rgs []ReadGroup) []byte {
	out = append(out, bamMagic...)
	lTextIndex := len(out)
	out = append(out, "0000"...)

	out = append(out, "@HD\tVN:1.4\tSO:coordinate\n"...)
	for _, ref := range refs {
		out = append(out, "@SQ\tSN:"...)
		out = append(out, ref.Name...)
		out = append(out, "\tLN:"...)
		out = strconv.AppendInt(out, int64(ref.Length), 10)
		out = append(out, '\n')
	}
	for _, rg := range rgs {
		out = append(out, "@RG\tID:"...)
		out = append(out, rg.ID...)
		for _, field := range [...]struct{ tag, value string }{
			{"\tSM:", rg.Sample}, {"\tLB:", rg.Library}, {"\tPL:", rg.Platform},
		} {
			if field.value != "" {
				out = append(out, field.tag...)
				out = append(out, field.value...)
			}
		}
		out = append(out, '\n')
	}
	out = append(out, "@PG\tID:"+utils.ProgramName+"\tPN:"+utils.ProgramName+"\tVN:"+utils.ProgramVersion+"\n"...)

	binary.LittleEndian.PutUint32(out[lTextIndex:lTextIndex+4], uint32(len(out)-lTextIndex-4))

	var index int
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(refs)))

	for _, ref := range refs {
		index, out = enlarge(out, 4+len(ref.Name)+1+4)
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(len(ref.Name)+1))
		index += 4
		copy(out[index:], ref.Name)
		out[index+len(ref.Name)] = 0
		index += len(ref.Name) + 1
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(ref.Length))
	}

	return out
}

// FormatBamAlignment writes a BAM file read alignment record by appending its
// binary representation to out and returning the result. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
//
// The bin field is computed from Pos and End; aln.Bin is ignored.
// Qualities must either match the sequence length, or be empty, in
// which case they are written as 0xFF.
func FormatBamAlignment(out []byte, aln *Alignment) ([]byte, error) {
	if len(aln.Name)+1 > math.MaxUint8 {
		return out, malformedf("read name %q too long for a BAM record (%d > %d characters)", aln.Name, len(aln.Name), math.MaxUint8-1)
	}
	if len(aln.Cigar) > math.MaxUint16 {
		return out, malformedf("too many CIGAR operations for BAM record %v (%d > %d)", aln.Name, len(aln.Cigar), math.MaxUint16)
	}
	seqLength := aln.Seq.Len()
	if len(aln.Qual) != 0 && len(aln.Qual) != seqLength {
		return out, malformedf("BAM record %v has %d qualities for %d bases", aln.Name, len(aln.Qual), seqLength)
	}

	var index int

	index, out = enlarge(out, 4)
	blockSizeIndex := index

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.RefID))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.Pos))

	out = append(out, uint8(len(aln.Name)+1))

	out = append(out, aln.MapQ)

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], Bin(aln.Pos, aln.End()))

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], uint16(len(aln.Cigar)))

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], aln.Flag)

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(seqLength))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.NextRefID))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.NextPos))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.TLen))

	index, out = enlarge(out, len(aln.Name)+1)
	copy(out[index:], aln.Name)
	out[index+len(aln.Name)] = 0

	index, out = enlarge(out, len(aln.Cigar)*4)
	for _, op := range aln.Cigar {
		code := cigarMap[op.Operation]
		if code == 0xFF {
			return out[:blockSizeIndex], malformedf("invalid CIGAR operation %q in BAM record %v", op.Operation, aln.Name)
		}
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(op.Length)<<4|uint32(code))
		index += 4
	}

	out = aln.Seq.AppendPacked(out)

	if len(aln.Qual) == 0 {
		index, out = enlarge(out, seqLength)
		for i := index; i < len(out); i++ {
			out[i] = 0xFF
		}
	} else {
		out = append(out, aln.Qual...)
	}

	out = append(out, aln.Aux...)

	binary.LittleEndian.PutUint32(out[blockSizeIndex:blockSizeIndex+4], uint32(len(out)-blockSizeIndex-4))

	return out, nil
}

// BamWriter writes a BAM file through a parallel BGZF compressor.
// It is not safe for concurrent use.
type BamWriter struct {
	bgzf *bgzf.Writer
	refs []Reference
	buf  []byte
}

// NewBamWriter writes the header section for the given dictionary and
// read groups, and returns a BamWriter for the alignment records. The
// first record starts a new BGZF block.
func NewBamWriter(w io.Writer, refs []Reference, rgs []ReadGroup, level int) (*BamWriter, error) {
	writer := &BamWriter{
		bgzf: bgzf.NewWriter(w, level),
		refs: refs,
	}
	if _, err := writer.bgzf.Write(FormatBamHeader(nil, refs, rgs)); err != nil {
		writer.bgzf.Abort()
		return nil, utils.NewIOError("BAM header write", err)
	}
	if err := writer.bgzf.FinishBlock(); err != nil {
		writer.bgzf.Abort()
		return nil, utils.NewIOError("BAM header write", err)
	}
	return writer, nil
}

// Write encodes one alignment.
func (writer *BamWriter) Write(aln *Alignment) (err error) {
	if aln.RefID < -1 || aln.RefID >= int32(len(writer.refs)) {
		return malformedf("reference id %d of BAM record %v outside of the sequence dictionary", aln.RefID, aln.Name)
	}
	if aln.NextRefID < -1 || aln.NextRefID >= int32(len(writer.refs)) {
		return malformedf("mate reference id %d of BAM record %v outside of the sequence dictionary", aln.NextRefID, aln.Name)
	}
	if writer.buf, err = FormatBamAlignment(writer.buf[:0], aln); err != nil {
		return err
	}
	if _, err = writer.bgzf.Write(writer.buf); err != nil {
		return utils.NewIOError("BAM record write", err)
	}
	return nil
}

// Close flushes all pending blocks and appends the BGZF EOF marker.
// It does not close the underlying io.Writer.
func (writer *BamWriter) Close() error {
	return writer.bgzf.Close()
}

// Abort discards the pending output and stops the compressor without
// writing the EOF marker. It is a no-op after Close.
func (writer *BamWriter) Abort() {
	writer.bgzf.Abort()
}

// BamRewriter is a Handler that re-encodes every parsed alignment into
// a new BAM file, keeping the sequence dictionary and read groups of
// the input.
type BamRewriter struct {
	w      io.Writer
	level  int
	rgs    []ReadGroup
	writer *BamWriter
	count  int64
}

// NewBamRewriter returns a BamRewriter writing to w with the given
// compression level.
func NewBamRewriter(w io.Writer, level int) *BamRewriter {
	return &BamRewriter{w: w, level: level}
}

// Count returns the number of alignments written so far.
func (rewriter *BamRewriter) Count() int64 {
	return rewriter.count
}

// Abort stops the underlying BamWriter, if any. Call it when decoding
// fails before the Finished event.
func (rewriter *BamRewriter) Abort() {
	if rewriter.writer != nil {
		rewriter.writer.Abort()
	}
}

// HandleEvent implements the method of the Handler interface.
func (rewriter *BamRewriter) HandleEvent(ev Event) (err error) {
	switch ev := ev.(type) {
	case HeaderReady:
		rewriter.rgs = ParseReadGroups(ev.Text)
	case RefDictReady:
		rewriter.writer, err = NewBamWriter(rewriter.w, ev.References, rewriter.rgs, rewriter.level)
	case AlignmentParsed:
		aln, err := ev.Alignment()
		if err != nil {
			return err
		}
		if err = rewriter.writer.Write(aln); err != nil {
			return err
		}
		rewriter.count++
	case Finished:
		err = rewriter.writer.Close()
	}
	return err
}
