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
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/exascience/elsim/utils"
)

var (
	// ErrMalformedFraming marks a byte stream that does not consist of
	// well-formed BGZF blocks.
	ErrMalformedFraming = errors.New("malformed BGZF framing")

	// ErrTruncated marks a BGZF stream that was closed without having
	// seen the terminator block.
	ErrTruncated = errors.New("BGZF stream does not end in proper EOF marker")
)

const (
	headerSize = 18
	footerSize = 8
	bgzfXLen   = 6
)

// Block is one decompressed BGZF block, as delivered by a Framer.
type Block struct {
	// Offset is the file offset of the compressed block.
	Offset uint64
	// Next is the file offset of the block that follows it.
	Next uint64
	// Data is the uncompressed payload. It is only valid during
	// the WriteBlock call.
	Data []byte
}

// A BlockSink consumes the blocks delimited by a Framer.
type BlockSink interface {
	WriteBlock(block Block) error
	Close() error
}

type framerState int

const (
	stateInit framerState = iota
	stateHeader
	stateBody
	stateFooter
)

// Framer is a resumable state machine that delimits the BGZF blocks in
// a byte stream supplied in arbitrary chunks, decompresses each one,
// and hands it to a BlockSink. The compressed bytes are optionally
// copied unchanged to a pass-through writer.
//
// The first fatal error poisons the Framer: subsequent calls to Write
// and Close do nothing. Err returns the error.
type Framer struct {
	sink        BlockSink
	passThrough io.Writer
	inflater    Inflater

	state       framerState
	bytesNeeded int
	buf         []byte
	data        []byte
	offset      uint64
	terminated  bool
	closed      bool
	err         error
}

// NewFramer returns a Framer that sends decompressed blocks to sink.
// passThrough may be nil. If inflater is nil, the default flate
// inflater is used.
func NewFramer(sink BlockSink, passThrough io.Writer, inflater Inflater) *Framer {
	if inflater == nil {
		inflater = NewInflater()
	}
	return &Framer{
		sink:        sink,
		passThrough: passThrough,
		inflater:    inflater,
		buf:         make([]byte, 0, maxBlockSize),
	}
}

// Offset returns the file offset of the next compressed block.
func (f *Framer) Offset() uint64 {
	return f.offset
}

// Pending reports whether a partial block is buffered.
func (f *Framer) Pending() bool {
	return len(f.buf) > 0
}

// Err returns the error that poisoned the Framer, if any.
func (f *Framer) Err() error {
	return f.err
}

// Clone returns a Framer that continues from the current position of f
// but delivers to the given sink and pass-through writer. It is a
// precondition violation to clone a Framer in the middle of a block.
func (f *Framer) Clone(sink BlockSink, passThrough io.Writer) (*Framer, error) {
	if f.err != nil {
		return nil, utils.Preconditionf("cannot clone a failed BGZF framer: %v", f.err)
	}
	if f.Pending() {
		return nil, utils.Preconditionf("cannot clone a BGZF framer in the middle of a block (%d bytes buffered at offset %d)", len(f.buf), f.offset)
	}
	return &Framer{
		sink:        sink,
		passThrough: passThrough,
		inflater:    NewInflater(),
		state:       f.state,
		bytesNeeded: f.bytesNeeded,
		buf:         make([]byte, 0, maxBlockSize),
		offset:      f.offset,
		terminated:  f.terminated,
		closed:      f.closed,
	}, nil
}

func (f *Framer) fail(err error) error {
	f.err = err
	return err
}

// Write implements the corresponding method of io.Writer.
func (f *Framer) Write(p []byte) (n int, err error) {
	if f.err != nil {
		return len(p), nil
	}
	if f.closed {
		return 0, f.fail(utils.Preconditionf("write to a closed BGZF framer"))
	}
	if f.passThrough != nil {
		if _, err := f.passThrough.Write(p); err != nil {
			return 0, f.fail(utils.NewIOError("BGZF pass-through write", err))
		}
	}
	if f.state == stateInit {
		f.state = stateHeader
		f.bytesNeeded = headerSize
	}
	for n < len(p) {
		k := min(f.bytesNeeded, len(p)-n)
		f.buf = append(f.buf, p[n:n+k]...)
		n += k
		f.bytesNeeded -= k
		for f.bytesNeeded == 0 {
			if err := f.advance(); err != nil {
				return n, f.fail(err)
			}
		}
	}
	return n, nil
}

func (f *Framer) advance() error {
	switch f.state {
	case stateHeader:
		payload, err := parseHeader(f.buf)
		if err != nil {
			return errors.Wrapf(err, "BGZF block at offset %d", f.offset)
		}
		f.state = stateBody
		f.bytesNeeded = payload
	case stateBody:
		f.state = stateFooter
		f.bytesNeeded = footerSize
	case stateFooter:
		return f.finishBlock()
	default:
		return utils.Preconditionf("BGZF framer advanced in state %d", f.state)
	}
	return nil
}

func parseHeader(header []byte) (payload int, err error) {
	if header[0] != 0x1f || header[1] != 0x8b || header[2] != 8 || header[3]&4 == 0 {
		return 0, errors.Mark(errors.New("invalid gzip magic in BGZF header"), ErrMalformedFraming)
	}
	if xlen := binary.LittleEndian.Uint16(header[10:12]); xlen != bgzfXLen {
		return 0, errors.Mark(errors.Newf("BGZF header is not %d bytes long (XLEN %d)", headerSize, xlen), ErrMalformedFraming)
	}
	if header[12] != 'B' || header[13] != 'C' || binary.LittleEndian.Uint16(header[14:16]) != 2 {
		return 0, errors.Mark(errors.New("missing BC extra subfield in BGZF header"), ErrMalformedFraming)
	}
	bsize := int(binary.LittleEndian.Uint16(header[16:18]))
	if payload = bsize - bgzfXLen - 19; payload < 0 {
		return 0, errors.Mark(errors.Newf("corrupt BGZF block size %d", bsize+1), ErrMalformedFraming)
	}
	return payload, nil
}

func (f *Framer) finishBlock() error {
	blockSize := len(f.buf)
	footer := f.buf[blockSize-footerSize:]
	isize := blockISize(footer)
	if isize > maxBlockSize {
		return errors.Mark(errors.Newf("BGZF block at offset %d inflates to %d bytes", f.offset, isize), ErrMalformedFraming)
	}
	data, err := f.inflater.Inflate(f.data, f.buf[headerSize:blockSize-footerSize], blockCrc(footer), int(isize))
	f.data = data
	if err != nil {
		return errors.Wrapf(err, "BGZF block at offset %d", f.offset)
	}
	f.terminated = IsTerminator(f.buf)
	block := Block{
		Offset: f.offset,
		Next:   f.offset + uint64(blockSize),
		Data:   data,
	}
	f.offset = block.Next
	f.buf = f.buf[:0]
	f.state = stateHeader
	f.bytesNeeded = headerSize
	return f.sink.WriteBlock(block)
}

// Close checks that the stream ended on a block boundary with a
// terminator block, and then closes the sink.
func (f *Framer) Close() error {
	if f.err != nil || f.closed {
		return nil
	}
	if f.Pending() {
		return f.fail(errors.Mark(errors.Newf("truncated BGZF block at offset %d (%d bytes)", f.offset, len(f.buf)), ErrMalformedFraming))
	}
	if !f.terminated {
		return f.fail(errors.Mark(errors.Newf("BGZF stream ends at offset %d without EOF marker", f.offset), ErrTruncated))
	}
	f.closed = true
	if err := f.sink.Close(); err != nil {
		return f.fail(err)
	}
	return nil
}
