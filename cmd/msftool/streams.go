package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skdltmxn/msf-go/pdb"
)

var streamsCmd = &cobra.Command{
	Use:   "streams <file>",
	Short: "List all streams with their sizes and names",
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

		// Invert the named-stream directory so names print beside indices.
		names := map[uint32]string{}
		if named, err := f.NamedStreams(); err == nil {
			for _, name := range named.Names() {
				if index, ok := named.Get(name); ok {
					names[index] = name
				}
			}
		}

		fmt.Fprintf(output, "%8s  %10s  %s\n", "stream", "size", "name")
		for i := uint32(0); i < numStreams; i++ {
			exists, err := f.StreamExists(i)
			if err != nil {
				return err
			}
			if !exists {
				fmt.Fprintf(output, "%8d  %10s\n", i, "(nil)")
				continue
			}
			size, err := f.StreamSize(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(output, "%8d  %10d  %s\n", i, size, names[i])
		}
		return nil
	},
}
