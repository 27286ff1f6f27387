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

package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBamFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.bam", "a.BAM", "a.bam.bai", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0600))
	}
	files, err := BamFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "a.BAM"), filepath.Join(dir, "b.bam")}, files)

	single := filepath.Join(dir, "b.bam")
	files, err = BamFiles(single)
	require.NoError(t, err)
	require.Equal(t, []string{single}, files)

	_, err = BamFiles(filepath.Join(dir, "missing.bam"))
	require.True(t, os.IsNotExist(err))
}

func TestFullPathname(t *testing.T) {
	full, err := FullPathname("/data/in.bam")
	require.NoError(t, err)
	require.Equal(t, "/data/in.bam", full)

	wd, err := os.Getwd()
	require.NoError(t, err)
	full, err = FullPathname("in.bam")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "in.bam"), full)
}

func TestReserveByteBuffer(t *testing.T) {
	buf := ReserveByteBuffer(1 << 10)
	require.Len(t, buf, 1<<10)
	ReleaseByteBuffer(buf)
	require.Len(t, ReserveByteBuffer(16), 16)
}
