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

// Package sam frames BAM alignment files and builds their BAI
// random-access indexes.
//
// Decoding is push based: a bgzf.Framer delimits and decompresses the
// blocks of a BAM file, and hands them to a Parser, which turns the
// decompressed bytes into a stream of events (header, reference
// dictionary, alignments with their virtual offsets, end of each
// reference sequence). Any Handler can consume these events; an
// IndexBuilder turns them into a BAI file.
//
// Encoding goes the other way: FormatBamHeader and FormatBamAlignment
// produce the binary layout of a BAM file, and a BamWriter compresses
// it through a bgzf.Writer.
//
// The codec frames alignment data, but does not interpret it: CIGAR
// strings, sequences and qualities are carried verbatim.
package sam
