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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exascience/elsim/internal"
	"github.com/exascience/elsim/sam"
	"github.com/exascience/elsim/utils"
)

// IndexHelp is the help string for this command.
const IndexHelp = "Index parameters:\n" +
	"elsim index (bam-file | /path/to/input/)...\n" +
	"[--output bai-file]\n" +
	"[--copy bam-file]\n" +
	"[--buffer-size nr]\n" +
	"[--jobs nr]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile file]\n"

// DefaultBufferSize is the default size of the chunks in which input
// files are read.
const DefaultBufferSize = 1 << 16

// IndexSummary describes the index written for one BAM file.
type IndexSummary struct {
	Input, Output string
	Alignments    int64
	References    []sam.ReferenceStats
}

func (summary IndexSummary) String() string {
	var mapped, unmapped uint64
	for _, stats := range summary.References {
		mapped += stats.Mapped
		unmapped += stats.Unmapped
	}
	return fmt.Sprintf("%v: %d alignments, %d references, %d mapped and %d unmapped placed reads, index %v",
		summary.Input, summary.Alignments, len(summary.References), mapped, unmapped, summary.Output)
}

// IndexStream reads a BAM file from r and writes its BAI index to idx.
// The compressed input is copied to passThrough, if it is not nil.
func IndexStream(r io.Reader, idx, passThrough io.Writer, bufferSize int) (alignments int64, stats []sam.ReferenceStats, err error) {
	builder := sam.NewIndexBuilder(idx)
	counter := sam.HandlerFunc(func(ev sam.Event) error {
		if _, ok := ev.(sam.AlignmentParsed); ok {
			alignments++
		}
		return nil
	})
	if err = sam.Decode(r, bufferSize, passThrough, sam.Handlers{builder, counter}); err != nil {
		return alignments, nil, err
	}
	return alignments, builder.Stats(), nil
}

// IndexFile writes the BAI index of the given BAM file, and optionally
// a copy of the BAM file. Both outputs are only created when indexing
// succeeds.
func IndexFile(input, output, copyTo string, bufferSize int) (summary IndexSummary, err error) {
	summary.Input, summary.Output = input, output
	in, err := os.Open(input)
	if err != nil {
		return summary, utils.NewIOError("open "+input, err)
	}
	defer func() {
		_ = in.Close()
	}()
	index := func(passThrough io.Writer) error {
		return createAtomically(output, func(idx io.Writer) (err error) {
			summary.Alignments, summary.References, err = IndexStream(in, idx, passThrough, bufferSize)
			return err
		})
	}
	if copyTo == "" {
		err = index(nil)
	} else {
		err = createAtomically(copyTo, index)
	}
	return summary, err
}

func defaultIndexName(input string) string {
	return input + ".bai"
}

// IndexFiles indexes the given BAM files, at most jobs of them
// concurrently. Each index is named after its BAM file.
func IndexFiles(inputs []string, jobs, bufferSize int) ([]IndexSummary, error) {
	summaries := make([]IndexSummary, len(inputs))
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() (err error) {
			summaries[i], err = IndexFile(input, defaultIndexName(input), "", bufferSize)
			if err != nil {
				log.Printf("Error while indexing %v: %v\n", input, err)
				return err
			}
			log.Println("Indexed", summaries[i])
			return nil
		})
	}
	return summaries, g.Wait()
}

func newIndexCommand() *cobra.Command {
	var (
		output, copyTo, logPath, profile string
		bufferSize, jobs                 int
		timed                            bool
	)

	command := &cobra.Command{
		Use:   "index (bam-file | /path/to/input/)...",
		Short: "Write BAI indexes for BAM files",
		Long:  IndexHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			setLogOutput(logPath)

			// sanity checks

			var sanityChecksFailed bool

			var inputs []string
			for _, arg := range args {
				if !checkExist("", arg) {
					sanityChecksFailed = true
					continue
				}
				files, err := internal.BamFiles(arg)
				if err != nil {
					return err
				}
				for _, file := range files {
					if !checkBgzf("", file) {
						sanityChecksFailed = true
					}
				}
				inputs = append(inputs, files...)
			}
			if !sanityChecksFailed && len(inputs) == 0 {
				log.Println("Error: No BAM files to index.")
				sanityChecksFailed = true
			}

			if (output != "" || copyTo != "") && len(inputs) > 1 {
				log.Println("Error: The --output and --copy options require a single input file.")
				sanityChecksFailed = true
			}
			if output != "" && !checkCreate("--output", output) {
				sanityChecksFailed = true
			}
			if copyTo != "" && !checkCreate("--copy", copyTo) {
				sanityChecksFailed = true
			}
			if bufferSize <= 0 {
				log.Println("Error: Invalid buffer-size: ", bufferSize)
				sanityChecksFailed = true
			}
			if jobs < 0 {
				log.Println("Error: Invalid jobs: ", jobs)
				sanityChecksFailed = true
			}

			if sanityChecksFailed {
				return usageError(IndexHelp)
			}

			// building output command line

			var command bytes.Buffer
			fmt.Fprint(&command, os.Args[0], " index")
			for _, input := range inputs {
				fmt.Fprint(&command, " ", input)
			}
			if output != "" {
				fmt.Fprint(&command, " --output ", output)
			}
			if copyTo != "" {
				fmt.Fprint(&command, " --copy ", copyTo)
			}
			fmt.Fprint(&command, " --buffer-size ", bufferSize)
			if jobs > 0 {
				fmt.Fprint(&command, " --jobs ", jobs)
			}
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

			return timedRun(timed, profile, "Indexing.", func() error {
				if len(inputs) == 1 && (output != "" || copyTo != "") {
					if output == "" {
						output = defaultIndexName(inputs[0])
					}
					summary, err := IndexFile(inputs[0], output, copyTo, bufferSize)
					if err != nil {
						return err
					}
					log.Println("Indexed", summary)
					return nil
				}
				_, err := IndexFiles(inputs, jobs, bufferSize)
				return err
			})
		},
	}

	flags := command.Flags()
	flags.StringVar(&output, "output", "", "name of the index file (default: bam-file.bai)")
	flags.StringVar(&copyTo, "copy", "", "copy the BAM input to this file while indexing")
	flags.IntVar(&bufferSize, "buffer-size", DefaultBufferSize, "size of the chunks in which input is read")
	flags.IntVar(&jobs, "jobs", 0, "number of files indexed concurrently (0: no limit)")
	flags.StringVar(&logPath, "log-path", "", "directory for log files")
	flags.BoolVar(&timed, "timed", false, "log elapsed time")
	flags.StringVar(&profile, "profile", "", "write a CPU profile to this file")

	return command
}
