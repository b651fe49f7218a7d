package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skdltmxn/msf-go/pdb"
)

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show container-level information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := pdb.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		numStreams, err := f.NumStreams()
		if err != nil {
			return err
		}

		switch f.Flavor() {
		case pdb.FlavorMSF:
			m, _ := f.Msf()
			fmt.Fprintln(output, "Container format: MSF (uncompressed)")
			fmt.Fprintf(output, "  Number of streams:           %8d\n", numStreams)
			fmt.Fprintf(output, "  Block size:                  %8d bytes per block\n", m.BlockSize())
			fmt.Fprintf(output, "  Number of blocks:            %8d\n", m.NumBlocks())
			fmt.Fprintf(output, "  File size:                   %8d bytes\n", m.FileSize())

		case pdb.FlavorMSFZ:
			z, _ := f.Msfz()
			fmt.Fprintln(output, "Container format: MSFZ (compressed)")
			fmt.Fprintf(output, "  Number of streams:           %8d\n", numStreams)
			fmt.Fprintf(output, "  Number of compressed chunks: %8d\n", z.NumChunks())
			fmt.Fprintf(output, "  Number of stream fragments:  %8d\n", z.NumFragments())
		}

		if info, err := f.Info(); err == nil {
			fmt.Fprintf(output, "  Version:                     %8d\n", info.Version)
			fmt.Fprintf(output, "  Age:                         %8d\n", info.Age)
			fmt.Fprintf(output, "  GUID:                        %x\n", info.GUID)
		}
		return nil
	},
}
