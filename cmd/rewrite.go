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
	"bytes"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/cobra"

	"github.com/exascience/elsim/internal"
	"github.com/exascience/elsim/sam"
	"github.com/exascience/elsim/utils"
)

// RewriteHelp is the help string for this command.
const RewriteHelp = "Rewrite parameters:\n" +
	"elsim rewrite bam-file output-bam-file\n" +
	"[--compression-level nr]\n" +
	"[--index]\n" +
	"[--buffer-size nr]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile file]\n"

// RewriteFile decodes a BAM file and encodes all its alignments into a
// new BAM file, with the sequence dictionary and read groups of the
// input.
func RewriteFile(input, output string, level, bufferSize int) (count int64, err error) {
	in, err := os.Open(input)
	if err != nil {
		return 0, utils.NewIOError("open "+input, err)
	}
	defer func() {
		_ = in.Close()
	}()
	err = createAtomically(output, func(out io.Writer) error {
		rewriter := sam.NewBamRewriter(out, level)
		err := sam.Decode(in, bufferSize, nil, rewriter)
		if err != nil {
			rewriter.Abort()
		}
		count = rewriter.Count()
		return err
	})
	return count, err
}

func newRewriteCommand() *cobra.Command {
	var (
		logPath, profile  string
		level, bufferSize int
		index, timed      bool
	)

	command := &cobra.Command{
		Use:   "rewrite bam-file output-bam-file",
		Short: "Decode a BAM file and encode it again",
		Long:  RewriteHelp,
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			input, output := args[0], args[1]

			setLogOutput(logPath)

			// sanity checks

			var sanityChecksFailed bool

			if !checkExist("", input) || !checkBgzf("", input) {
				sanityChecksFailed = true
			}
			if !checkCreate("", output) {
				sanityChecksFailed = true
			}
			if level < flate.HuffmanOnly || level > flate.BestCompression {
				log.Println("Error: Invalid compression-level: ", level)
				sanityChecksFailed = true
			}
			if bufferSize <= 0 {
				log.Println("Error: Invalid buffer-size: ", bufferSize)
				sanityChecksFailed = true
			}

			if sanityChecksFailed {
				return usageError(RewriteHelp)
			}

			// building output command line

			var command bytes.Buffer
			fmt.Fprint(&command, os.Args[0], " rewrite ", input, " ", output)
			fmt.Fprint(&command, " --compression-level ", level)
			if index {
				fmt.Fprint(&command, " --index")
			}
			fmt.Fprint(&command, " --buffer-size ", bufferSize)
			if logPath != "" {
				fmt.Fprint(&command, " --log-path ", logPath)
			}
			if timed {
				fmt.Fprint(&command, " --timed")
			}
			if profile != "" {
				fmt.Fprint(&command, " --profile ", profile)
			}

			// executing command

			log.Println("Executing command:\n", command.String())

			fullInput, err := internal.FullPathname(input)
			if err != nil {
				return err
			}

			fullOutput, err := internal.FullPathname(output)
			if err != nil {
				return err
			}

			return timedRun(timed, profile, "Rewriting.", func() error {
				count, err := RewriteFile(fullInput, fullOutput, level, bufferSize)
				if err != nil {
					return err
				}
				log.Printf("Wrote %d alignments to %v.\n", count, fullOutput)
				if !index {
					return nil
				}
				summary, err := IndexFile(fullOutput, defaultIndexName(fullOutput), "", bufferSize)
				if err != nil {
					return err
				}
				log.Println("Indexed", summary)
				return nil
			})
		},
	}

	flags := command.Flags()
	flags.IntVar(&level, "compression-level", flate.DefaultCompression, "deflate level of the output (-2 to 9)")
	flags.BoolVar(&index, "index", false, "also write a BAI index for the output")
	flags.IntVar(&bufferSize, "buffer-size", DefaultBufferSize, "size of the chunks in which input is read")
	flags.StringVar(&logPath, "log-path", "", "directory for log files")
	flags.BoolVar(&timed, "timed", false, "log elapsed time")
	flags.StringVar(&profile, "profile", "", "write a CPU profile to this file")

	return command
}
