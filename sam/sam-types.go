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
	"bytes"
	"strings"

	"github.com/exascience/elsim/utils/nibbles"
)

// Reference is an entry in a BAM-encoded sequence dictionary.
// See http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
type Reference struct {
	Name   string
	Length int32
}

// ReadGroup describes one @RG header line.
type ReadGroup struct {
	ID       string
	Sample   string
	Library  string
	Platform string
}

// ParseReadGroups extracts the @RG lines from SAM header text.
func ParseReadGroups(text []byte) (rgs []ReadGroup) {
	scanner := bufio.NewScanner(bytes.NewReader(text))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if fields[0] != "@RG" {
			continue
		}
		var rg ReadGroup
		for _, field := range fields[1:] {
			if len(field) < 3 || field[2] != ':' {
				continue
			}
			switch value := field[3:]; field[:2] {
			case "ID":
				rg.ID = value
			case "SM":
				rg.Sample = value
			case "LB":
				rg.Library = value
			case "PL":
				rg.Platform = value
			}
		}
		if rg.ID != "" {
			rgs = append(rgs, rg)
		}
	}
	return rgs
}

// CigarOperation is one length/operation pair of a CIGAR string.
type CigarOperation struct {
	Length    int32
	Operation byte
}

// Alignment is the in-memory form of one BAM alignment record.
// See http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
//
// Positions are 0-based, as stored in BAM. A RefID of -1 denotes an
// unplaced read. Aux holds the optional fields that follow the quality
// values, in their binary encoding.
type Alignment struct {
	RefID     int32
	Pos       int32
	MapQ      byte
	Bin       uint16
	Flag      uint16
	NextRefID int32
	NextPos   int32
	TLen      int32
	Name      string
	Cigar     []CigarOperation
	Seq       nibbles.Nibbles
	Qual      []byte
	Aux       []byte
}

const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

func (aln *Alignment) IsMultiple() bool      { return (aln.Flag & Multiple) != 0 }
func (aln *Alignment) IsProper() bool        { return (aln.Flag & Proper) != 0 }
func (aln *Alignment) IsUnmapped() bool      { return (aln.Flag & Unmapped) != 0 }
func (aln *Alignment) IsNextUnmapped() bool  { return (aln.Flag & NextUnmapped) != 0 }
func (aln *Alignment) IsReversed() bool      { return (aln.Flag & Reversed) != 0 }
func (aln *Alignment) IsSecondary() bool     { return (aln.Flag & Secondary) != 0 }
func (aln *Alignment) IsDuplicate() bool     { return (aln.Flag & Duplicate) != 0 }
func (aln *Alignment) IsSupplementary() bool { return (aln.Flag & Supplementary) != 0 }

// End returns the exclusive end of the interval an alignment is
// indexed under: Pos plus the sequence length, or Pos+1 for
// unmapped reads and reads without sequence.
func (aln *Alignment) End() int32 {
	return indexEnd(aln.Pos, int32(aln.Seq.Len()), aln.Flag)
}

func indexEnd(pos, seqLen int32, flag uint16) int32 {
	if flag&Unmapped != 0 || seqLen <= 0 {
		return pos + 1
	}
	return pos + seqLen
}
