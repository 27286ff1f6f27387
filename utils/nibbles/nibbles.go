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

// Package nibbles stores read sequences as 4-bit base codes, two bases
// per byte, high nibble first. This is the layout of the SEQ field of a
// BAM alignment record. See http://samtools.github.io/hts-specs/SAMv1.pdf
// - Section 4.2.3.
package nibbles

import (
	"log"
	"strings"
)

// Nibbles is a slice-like data structure for storing
// sequences of 4-bit values.
type Nibbles struct {
	info  int
	bytes []byte
}

// BaseCodes maps 4-bit codes to IUPAC base letters.
const BaseCodes = "=ACMGRSVTWYHKDBN"

var baseTable [256]byte

func init() {
	for i := range baseTable {
		baseTable[i] = 0xF
	}
	for code, base := range []byte(BaseCodes) {
		baseTable[base] = byte(code)
		if lower := base | 0x20; lower >= 'a' && lower <= 'z' {
			baseTable[lower] = byte(code)
		}
	}
}

// Len returns the number of 4-bit values stored in these nibbles.
func (n Nibbles) Len() int {
	return n.info >> 1
}

func (n Nibbles) offset() int {
	return n.info & 1
}

// Make creates nibbles of the given length.
func Make(n int) Nibbles {
	return Nibbles{
		info:  n << 1,
		bytes: make([]byte, (n+1)>>1),
	}
}

// ReflectMake creates nibbles of the given length, offset, and raw byte slice.
func ReflectMake(len, offset int, bytes []byte) Nibbles {
	return Nibbles{
		info:  (len << 1) | (offset & 1),
		bytes: bytes,
	}
}

// FromBases packs a base string. Letters outside BaseCodes are stored
// as N.
func FromBases(bases string) Nibbles {
	n := Make(len(bases))
	for i := 0; i < len(bases); i++ {
		n.Set(i, baseTable[bases[i]])
	}
	return n
}

// Bases returns the IUPAC letters for these nibbles.
func (n Nibbles) Bases() string {
	var b strings.Builder
	b.Grow(n.Len())
	for i := 0; i < n.Len(); i++ {
		b.WriteByte(BaseCodes[n.Get(i)])
	}
	return b.String()
}

// Get returns the nibble at the given index.
func (n Nibbles) Get(index int) byte {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	return 0xF & (n.bytes[i] >> uint((1^bit)<<2))
}

// Set sets the nibble at the given index.
func (n Nibbles) Set(index int, value byte) {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	n.bytes[i] = ((0xF << uint(bit<<2)) & n.bytes[i]) | ((0xF & value) << uint((1^bit)<<2))
}

// AppendPacked appends the (len+1)/2 bytes of the BAM encoding of these
// nibbles to out. A trailing unused low nibble is written as 0.
func (n Nibbles) AppendPacked(out []byte) []byte {
	length := n.Len()
	if length == 0 {
		return out
	}
	if n.offset() == 0 {
		index := length >> 1
		out = append(out, n.bytes[:index]...)
		if length&1 == 1 {
			out = append(out, (0xF<<4)&n.bytes[index])
		}
		return out
	}
	for i := 0; i < length; i += 2 {
		b := n.Get(i) << 4
		if i+1 < length {
			b |= n.Get(i + 1)
		}
		out = append(out, b)
	}
	return out
}

// String returns the bases of the given nibbles.
func (n Nibbles) String() string {
	return n.Bases()
}
