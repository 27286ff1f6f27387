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

	"github.com/exascience/elsim/utils/bgzf"
)

// Event is one of HeaderReady, RefDictReady, AlignmentParsed,
// EndOfSequence, or Finished. A Parser emits them in the order in
// which the corresponding bytes appear in the stream.
type Event interface {
	event()
}

// HeaderReady carries the SAM header text of a BAM file, up to the
// first NUL byte.
type HeaderReady struct {
	Text []byte
}

// RefDictReady carries the complete sequence dictionary. It is emitted
// exactly once, after the header.
type RefDictReady struct {
	References []Reference
}

// AlignmentParsed carries one alignment record, without its block_size
// prefix. Start is the virtual offset of the record's block_size field,
// End the virtual offset of the first byte after the record.
//
// Record is only valid during the HandleEvent call.
type AlignmentParsed struct {
	Record     []byte
	Start, End bgzf.VirtualOffset
}

// EndOfSequence signals that no more alignments for the given
// reference follow.
type EndOfSequence struct {
	RefID int32
}

// Finished signals the end of the stream. All references have been
// ended before it.
type Finished struct{}

func (HeaderReady) event()     {}
func (RefDictReady) event()    {}
func (AlignmentParsed) event() {}
func (EndOfSequence) event()   {}
func (Finished) event()        {}

// RefID returns the reference id of the record.
func (ev AlignmentParsed) RefID() int32 {
	return int32(binary.LittleEndian.Uint32(ev.Record[refIDIndex:]))
}

// Pos returns the 0-based position of the record.
func (ev AlignmentParsed) Pos() int32 {
	return int32(binary.LittleEndian.Uint32(ev.Record[posIndex:]))
}

// Flag returns the FLAG field of the record.
func (ev AlignmentParsed) Flag() uint16 {
	return binary.LittleEndian.Uint16(ev.Record[flagIndex:])
}

// SeqLen returns the length of the read sequence.
func (ev AlignmentParsed) SeqLen() int32 {
	return int32(binary.LittleEndian.Uint32(ev.Record[lSeqIndex:]))
}

// IsUnmapped reports whether the segment unmapped flag is set.
func (ev AlignmentParsed) IsUnmapped() bool {
	return ev.Flag()&Unmapped != 0
}

// Alignment decodes a freshly allocated copy of the record.
func (ev AlignmentParsed) Alignment() (*Alignment, error) {
	return ParseBamAlignment(ev.Record)
}

// A Handler consumes parser events. Returning an error stops the
// parser.
type Handler interface {
	HandleEvent(ev Event) error
}

// HandlerFunc is an adapter to use ordinary functions as handlers.
type HandlerFunc func(ev Event) error

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) error {
	return f(ev)
}

// Handlers passes every event to each of its handlers in turn.
type Handlers []Handler

// HandleEvent implements the method of the Handler interface.
func (handlers Handlers) HandleEvent(ev Event) error {
	for _, h := range handlers {
		if err := h.HandleEvent(ev); err != nil {
			return err
		}
	}
	return nil
}
