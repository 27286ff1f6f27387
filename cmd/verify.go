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

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/biogo/hts/bam"
	biogo "github.com/biogo/hts/bgzf"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/exascience/elsim/sam"
	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
)

// VerifyHelp is the help string for this command.
const VerifyHelp = "Verify parameters:\n" +
	"elsim verify bai-file\n" +
	"[--bam bam-file]\n" +
	"[--buffer-size nr]\n"

// ErrIndexMismatch marks an index whose statistics differ from those
// of its BAM file.
var ErrIndexMismatch = errors.New("BAI index does not match BAM file")

func virtualOffset(o biogo.Offset) bgzf.VirtualOffset {
	return bgzf.MakeVirtualOffset(uint64(o.File), o.Block)
}

// VerifyIndex reads a BAI index with an independent reader and prints
// the statistics of each reference to w. When stats is not nil, the
// mapped and unmapped counts of the index must match it.
func VerifyIndex(r io.Reader, w io.Writer, stats []sam.ReferenceStats) error {
	idx, err := bam.ReadIndex(r)
	if err != nil {
		return errors.Wrap(err, "reading BAI index")
	}
	fmt.Fprintf(w, "%d references\n", idx.NumRefs())
	if stats != nil && len(stats) != idx.NumRefs() {
		return errors.Mark(errors.Newf("index has %d references, BAM file %d", idx.NumRefs(), len(stats)), ErrIndexMismatch)
	}
	for id := 0; id < idx.NumRefs(); id++ {
		refStats, ok := idx.ReferenceStats(id)
		if !ok {
			fmt.Fprintf(w, "%d\tno alignments\n", id)
		} else {
			fmt.Fprintf(w, "%d\t%d mapped\t%d unmapped\t%v-%v\n", id, refStats.Mapped, refStats.Unmapped,
				virtualOffset(refStats.Chunk.Begin), virtualOffset(refStats.Chunk.End))
		}
		if stats != nil && (stats[id].Mapped != refStats.Mapped || stats[id].Unmapped != refStats.Unmapped) {
			return errors.Mark(errors.Newf("reference %d: index has %d mapped and %d unmapped reads, BAM file %d and %d",
				id, refStats.Mapped, refStats.Unmapped, stats[id].Mapped, stats[id].Unmapped), ErrIndexMismatch)
		}
	}
	if n, ok := idx.Unmapped(); ok {
		fmt.Fprintf(w, "unplaced\t%d\n", n)
	}
	return nil
}

func verifyFile(index, bamFile string, bufferSize int) error {
	var stats []sam.ReferenceStats
	if bamFile != "" {
		in, err := os.Open(bamFile)
		if err != nil {
			return utils.NewIOError("open "+bamFile, err)
		}
		defer func() {
			_ = in.Close()
		}()
		if _, stats, err = IndexStream(in, io.Discard, nil, bufferSize); err != nil {
			return err
		}
		if stats == nil {
			stats = []sam.ReferenceStats{}
		}
	}
	f, err := os.Open(index)
	if err != nil {
		return utils.NewIOError("open "+index, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return VerifyIndex(bufio.NewReader(f), os.Stdout, stats)
}

func newVerifyCommand() *cobra.Command {
	var (
		bamFile    string
		bufferSize int
	)

	command := &cobra.Command{
		Use:   "verify bai-file",
		Short: "Read a BAI index back and print its statistics",
		Long:  VerifyHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var sanityChecksFailed bool
			if !checkExist("", args[0]) {
				sanityChecksFailed = true
			}
			if bamFile != "" && !checkExist("--bam", bamFile) {
				sanityChecksFailed = true
			}
			if bufferSize <= 0 {
				log.Println("Error: Invalid buffer-size: ", bufferSize)
				sanityChecksFailed = true
			}
			if sanityChecksFailed {
				return usageError(VerifyHelp)
			}
			return verifyFile(args[0], bamFile, bufferSize)
		},
	}

	flags := command.Flags()
	flags.StringVar(&bamFile, "bam", "", "check the index statistics against this BAM file")
	flags.IntVar(&bufferSize, "buffer-size", DefaultBufferSize, "size of the chunks in which input is read")

	return command
}
