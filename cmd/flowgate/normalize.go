package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/flowgate/internal/phone"
)

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <number>...",
		Short: "Print the identity key for phone numbers",
		Long:  "Prints the normalized form Flowgate uses to match a phone number to its conversation.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, raw := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", raw, phone.Normalize(raw))
			}
		},
	}
}
