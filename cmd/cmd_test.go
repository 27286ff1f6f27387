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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elsim/sam"
	"github.com/exascience/elsim/utils"
	"github.com/exascience/elsim/utils/bgzf"
	"github.com/exascience/elsim/utils/nibbles"
)

var testRefs = []sam.Reference{{Name: "chrA", Length: 100000}, {Name: "chrB", Length: 50000}}

func writeTestBam(t *testing.T, filename string, n int) []byte {
	var buf bytes.Buffer
	w, err := sam.NewBamWriter(&buf, testRefs, []sam.ReadGroup{{ID: "group", Sample: "sample"}}, 1)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		refID := int32(i * len(testRefs) / n)
		aln := &sam.Alignment{
			RefID:     refID,
			Pos:       int32(i * 37),
			MapQ:      30,
			NextRefID: -1,
			NextPos:   -1,
			Name:      fmt.Sprintf("q%d", i),
			Cigar:     []sam.CigarOperation{{Length: 20, Operation: 'M'}},
			Seq:       nibbles.FromBases("ACGTACGTACGTACGTACGT"),
		}
		if i%10 == 0 {
			aln.Flag = sam.Unmapped
		}
		require.NoError(t, w.Write(aln))
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(filename, buf.Bytes(), 0600))
	return buf.Bytes()
}

func noTemporaries(t *testing.T, dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestIndexFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.bam")
	data := writeTestBam(t, input, 200)

	output, copyTo := filepath.Join(dir, "out.bai"), filepath.Join(dir, "copy.bam")
	summary, err := IndexFile(input, output, copyTo, 512)
	require.NoError(t, err)
	require.Equal(t, int64(200), summary.Alignments)
	require.Len(t, summary.References, len(testRefs))
	var total uint64
	for _, stats := range summary.References {
		total += stats.Mapped + stats.Unmapped
	}
	require.Equal(t, uint64(200), total)

	copied, err := os.ReadFile(copyTo)
	require.NoError(t, err)
	require.Equal(t, data, copied)
	noTemporaries(t, dir)

	idx, err := os.ReadFile(output)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, VerifyIndex(bytes.NewReader(idx), &out, summary.References))
	require.Contains(t, out.String(), "2 references\n")

	wrong := append([]sam.ReferenceStats(nil), summary.References...)
	wrong[1].Mapped++
	err = VerifyIndex(bytes.NewReader(idx), &out, wrong)
	require.True(t, errors.Is(err, ErrIndexMismatch), "%v", err)
}

func TestIndexFileFailure(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.bam")
	data := writeTestBam(t, input, 50)
	require.NoError(t, os.WriteFile(input, data[:len(data)-len(bgzf.Terminator())], 0600))

	output := filepath.Join(dir, "in.bam.bai")
	_, err := IndexFile(input, output, "", DefaultBufferSize)
	require.True(t, errors.Is(err, bgzf.ErrTruncated), "%v", err)
	_, err = os.Stat(output)
	require.True(t, os.IsNotExist(err))
	noTemporaries(t, dir)

	_, err = IndexFile(filepath.Join(dir, "missing.bam"), output, "", DefaultBufferSize)
	var ioErr *utils.IOError
	require.True(t, errors.As(err, &ioErr), "%v", err)
}

func TestIndexFiles(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	for i := 0; i < 4; i++ {
		input := filepath.Join(dir, fmt.Sprintf("in%d.bam", i))
		writeTestBam(t, input, 20*(i+1))
		inputs = append(inputs, input)
	}
	summaries, err := IndexFiles(inputs, 2, 4096)
	require.NoError(t, err)
	for i, summary := range summaries {
		require.Equal(t, int64(20*(i+1)), summary.Alignments)
		require.FileExists(t, inputs[i]+".bai")
	}

	bad := filepath.Join(dir, "bad.bam")
	require.NoError(t, os.WriteFile(bad, []byte("not a BAM file, not even BGZF"), 0600))
	_, err = IndexFiles(append(inputs, bad), 0, 4096)
	require.True(t, errors.Is(err, bgzf.ErrMalformedFraming), "%v", err)
}

func TestRewriteFile(t *testing.T) {
	dir := t.TempDir()
	input, output := filepath.Join(dir, "in.bam"), filepath.Join(dir, "out.bam")
	writeTestBam(t, input, 100)

	count, err := RewriteFile(input, output, 6, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(100), count)

	original, err := IndexFile(input, filepath.Join(dir, "in.bai"), "", 1000)
	require.NoError(t, err)
	rewritten, err := IndexFile(output, filepath.Join(dir, "out.bai"), "", 1000)
	require.NoError(t, err)
	require.Equal(t, original.References, rewritten.References)
	require.Equal(t, original.Alignments, rewritten.Alignments)
	noTemporaries(t, dir)
}

func TestRewriteFileTruncated(t *testing.T) {
	dir := t.TempDir()
	input, output := filepath.Join(dir, "in.bam"), filepath.Join(dir, "out.bam")
	data := writeTestBam(t, input, 100)
	require.NoError(t, os.WriteFile(input, data[:len(data)-len(bgzf.Terminator())], 0600))

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		_, err := RewriteFile(input, output, 1, 1000)
		require.True(t, errors.Is(err, bgzf.ErrTruncated), "%v", err)
	}
	_, err := os.Stat(output)
	require.True(t, os.IsNotExist(err))
	noTemporaries(t, dir)
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 5*time.Second, 10*time.Millisecond)
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), utils.ProgramName+" version "+utils.ProgramVersion)
}

func TestCheckBgzf(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.bam")
	writeTestBam(t, input, 1)
	require.True(t, checkBgzf("", input))

	text := filepath.Join(dir, "in.sam")
	require.NoError(t, os.WriteFile(text, []byte("@HD\tVN:1.4\n"), 0600))
	require.False(t, checkBgzf("", text))
	require.False(t, checkBgzf("", filepath.Join(dir, "missing.bam")))
}
