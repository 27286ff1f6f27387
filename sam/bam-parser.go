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
	"io"

	"github.com/exascience/elsim/internal"
	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
)

type parserState int

const (
	stateMagic parserState = iota
	stateHeaderText
	stateRefCount
	stateRefNameLength
	stateRefInfo
	stateBlockSize
	stateRecord
)

// blockMark remembers where the data of a BGZF block starts in the
// parser buffer.
type blockMark struct {
	pos, length  int
	offset, next uint64
}

// Parser is a resumable state machine that parses the uncompressed
// contents of a BAM file, delivered block by block, and emits Events to
// a Handler. See http://samtools.github.io/hts-specs/SAMv1.pdf -
// Section 4.2.
//
// Records must be sorted by reference id, with unplaced records (id -1)
// last. The first fatal error poisons the Parser: subsequent calls to
// WriteBlock and Close do nothing. Err returns the error.
type Parser struct {
	handler Handler

	state       parserState
	bytesNeeded int
	buf         []byte
	consumed    int
	marks       []blockMark

	nRef        int32
	refs        []Reference
	refID       int32
	recordStart bgzf.VirtualOffset

	closed bool
	err    error
}

// NewParser returns a Parser that sends its events to handler.
func NewParser(handler Handler) *Parser {
	return &Parser{
		handler:     handler,
		state:       stateMagic,
		bytesNeeded: len(bamMagic) + 4,
	}
}

// Err returns the error that poisoned the Parser, if any.
func (p *Parser) Err() error {
	return p.err
}

// References returns the sequence dictionary, once it has been parsed.
func (p *Parser) References() []Reference {
	return p.refs
}

// Pending reports whether part of a header entry or a record has been
// seen but not yet parsed.
func (p *Parser) Pending() bool {
	if len(p.buf) > p.consumed {
		return true
	}
	switch p.state {
	case stateHeaderText, stateRefInfo, stateRecord:
		return true
	}
	return false
}

// Clone returns a Parser that continues from the current position of p
// but delivers its events to handler. It is a precondition violation
// to clone a Parser with a partial header entry or record pending.
func (p *Parser) Clone(handler Handler) (*Parser, error) {
	if p.err != nil {
		return nil, utils.Preconditionf("cannot clone a failed BAM parser: %v", p.err)
	}
	if p.Pending() {
		return nil, utils.Preconditionf("cannot clone a BAM parser in the middle of a record (state %d, %d bytes buffered)", p.state, len(p.buf)-p.consumed)
	}
	return &Parser{
		handler:     handler,
		state:       p.state,
		bytesNeeded: p.bytesNeeded,
		nRef:        p.nRef,
		refs:        append([]Reference(nil), p.refs...),
		refID:       p.refID,
		closed:      p.closed,
	}, nil
}

func (p *Parser) fail(err error) error {
	p.err = err
	return err
}

// WriteBlock implements the corresponding method of bgzf.BlockSink.
func (p *Parser) WriteBlock(block bgzf.Block) error {
	if p.err != nil {
		return nil
	}
	if p.closed {
		return p.fail(utils.Preconditionf("block at offset %d sent to a closed BAM parser", block.Offset))
	}
	p.compact()
	p.marks = append(p.marks, blockMark{
		pos:    len(p.buf),
		length: len(block.Data),
		offset: block.Offset,
		next:   block.Next,
	})
	p.buf = append(p.buf, block.Data...)
	for len(p.buf)-p.consumed >= p.bytesNeeded {
		if err := p.advance(); err != nil {
			return p.fail(err)
		}
	}
	return nil
}

// compact drops the consumed part of the buffer, and the marks of the
// blocks that lie entirely within it.
func (p *Parser) compact() {
	if p.consumed == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.consumed:])
	p.buf = p.buf[:n]
	marks := p.marks[:0]
	for _, m := range p.marks {
		if m.pos+m.length > p.consumed {
			m.pos -= p.consumed
			marks = append(marks, m)
		}
	}
	p.marks = marks
	p.consumed = 0
}

// virtualOffset maps a buffer position to a virtual offset. A position
// at the end of a block maps to the start of the next block.
func (p *Parser) virtualOffset(pos int) bgzf.VirtualOffset {
	for _, m := range p.marks {
		if end := m.pos + m.length; pos < end {
			return bgzf.MakeVirtualOffset(m.offset, uint16(pos-m.pos))
		} else if pos == end {
			return bgzf.MakeVirtualOffset(m.next, 0)
		}
	}
	panic(utils.Preconditionf("buffer position %d outside of the BGZF blocks seen", pos))
}

func (p *Parser) emit(ev Event) error {
	return p.handler.HandleEvent(ev)
}

func (p *Parser) advance() error {
	start := p.consumed
	data := p.buf[start : start+p.bytesNeeded]
	p.consumed += p.bytesNeeded
	switch p.state {
	case stateMagic:
		if string(data[:len(bamMagic)]) != bamMagic {
			return malformedf("invalid BAM magic %q", data[:len(bamMagic)])
		}
		lText := int32(binary.LittleEndian.Uint32(data[len(bamMagic):]))
		if lText < 0 {
			return malformedf("negative BAM header text length %d", lText)
		}
		p.state, p.bytesNeeded = stateHeaderText, int(lText)
	case stateHeaderText:
		text := data
		if i := bytes.IndexByte(text, 0); i >= 0 {
			text = text[:i]
		}
		if err := p.emit(HeaderReady{Text: append([]byte(nil), text...)}); err != nil {
			return err
		}
		p.state, p.bytesNeeded = stateRefCount, 4
	case stateRefCount:
		nRef := int32(binary.LittleEndian.Uint32(data))
		if nRef <= 0 {
			return malformedf("BAM file declares %d reference sequences", nRef)
		}
		p.nRef = nRef
		p.refs = make([]Reference, 0, nRef)
		p.state, p.bytesNeeded = stateRefNameLength, 4
	case stateRefNameLength:
		lName := int32(binary.LittleEndian.Uint32(data))
		if lName < 1 {
			return malformedf("invalid length %d for the name of reference %d", lName, len(p.refs))
		}
		p.state, p.bytesNeeded = stateRefInfo, int(lName)+4
	case stateRefInfo:
		name, lRef := data[:len(data)-4], int32(binary.LittleEndian.Uint32(data[len(data)-4:]))
		if name[len(name)-1] != 0 {
			return malformedf("missing NUL byte at the end of the name of reference %d", len(p.refs))
		}
		if lRef < 0 {
			return malformedf("negative length %d for reference %s", lRef, name[:len(name)-1])
		}
		p.refs = append(p.refs, Reference{Name: string(name[:len(name)-1]), Length: lRef})
		if int32(len(p.refs)) < p.nRef {
			p.state, p.bytesNeeded = stateRefNameLength, 4
			return nil
		}
		if err := p.emit(RefDictReady{References: p.refs}); err != nil {
			return err
		}
		p.state, p.bytesNeeded = stateBlockSize, 4
	case stateBlockSize:
		blockSize := int32(binary.LittleEndian.Uint32(data))
		if blockSize < readNameIndex {
			return malformedf("BAM record block size %d shorter than its fixed fields", blockSize)
		}
		p.recordStart = p.virtualOffset(start)
		p.state, p.bytesNeeded = stateRecord, int(blockSize)
	case stateRecord:
		if _, err := checkBamRecord(data); err != nil {
			return err
		}
		if err := p.enterReference(int32(binary.LittleEndian.Uint32(data[refIDIndex:]))); err != nil {
			return err
		}
		if err := p.emit(AlignmentParsed{
			Record: data,
			Start:  p.recordStart,
			End:    p.virtualOffset(p.consumed),
		}); err != nil {
			return err
		}
		p.state, p.bytesNeeded = stateBlockSize, 4
	default:
		return utils.Preconditionf("BAM parser advanced in state %d", p.state)
	}
	return nil
}

// enterReference ends all references before refID. Unplaced records
// come after all references.
func (p *Parser) enterReference(refID int32) error {
	target := refID
	if refID == -1 {
		target = p.nRef
	} else if refID < -1 || refID >= p.nRef {
		return malformedf("reference id %d outside of the sequence dictionary of %d references", refID, p.nRef)
	}
	if target < p.refID {
		return malformedf("reference id %d after reference id %d: BAM file is not sorted by coordinate", refID, p.refID)
	}
	for ; p.refID < target; p.refID++ {
		if err := p.emit(EndOfSequence{RefID: p.refID}); err != nil {
			return err
		}
	}
	return nil
}

// Close checks that the stream ended on a record boundary, ends the
// remaining references in order, and emits Finished.
func (p *Parser) Close() error {
	if p.err != nil || p.closed {
		return nil
	}
	if p.state != stateBlockSize || len(p.buf) > p.consumed {
		return p.fail(malformedf("BAM stream truncated in state %d (%d bytes left over)", p.state, len(p.buf)-p.consumed))
	}
	p.closed = true
	for ; p.refID < p.nRef; p.refID++ {
		if err := p.emit(EndOfSequence{RefID: p.refID}); err != nil {
			return p.fail(err)
		}
	}
	if err := p.emit(Finished{}); err != nil {
		return p.fail(err)
	}
	return nil
}

// Decode reads a BAM file from r in chunks of chunkSize bytes, and
// pushes them through a Framer and a Parser that sends its events to
// handler. The compressed bytes are copied to passThrough, if it is
// not nil.
func Decode(r io.Reader, chunkSize int, passThrough io.Writer, handler Handler) error {
	framer := bgzf.NewFramer(NewParser(handler), passThrough, nil)
	buf := internal.ReserveByteBuffer(chunkSize)
	defer internal.ReleaseByteBuffer(buf)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := framer.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return utils.NewIOError("BAM read", err)
		}
	}
	return framer.Close()
}
