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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exascience/elsim/utils"
)

// NewRootCommand returns the elsim command with all its subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           utils.ProgramName,
		Short:         "BAM alignment codec and BAI index builder",
		Long:          ProgramMessage,
		Version:       utils.ProgramVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIndexCommand(), newVerifyCommand(), newRewriteCommand(), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(command *cobra.Command, _ []string) {
			fmt.Fprint(command.OutOrStdout(), ProgramMessage)
		},
	})
	return root
}
