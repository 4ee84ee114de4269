package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jgarman/image-placer/internal/diskmanager"
	"github.com/spf13/cobra"
)

var headerColor = color.New(color.FgBlue, color.Bold)

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions <image>",
		Short: "List the partitions of an image",
		Long:  `Print the partition table of an image so that partition-numbers can be chosen.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := diskmanager.Inspect(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = headerColor.Fprintf(out, "%s (%s, %s)\n", info.Path, info.Table, humanize.IBytes(uint64(info.Size)))

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NUMBER\tSTART\tSIZE\tNAME")
			for _, p := range info.Partitions {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.Number, p.Start, humanize.IBytes(uint64(p.Size)), p.Name)
			}
			return w.Flush()
		},
	}
}
