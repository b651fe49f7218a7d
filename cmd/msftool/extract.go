package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skdltmxn/msf-go/pdb"
)

var extractCmd = &cobra.Command{
	Use:   "extract <file> <stream> <dest>",
	Short: "Extract one stream's contents to a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid stream index %q: %w", args[1], err)
		}

		f, err := pdb.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		data, err := f.ReadStream(uint32(index))
		if err != nil {
			return err
		}

		if err := os.WriteFile(args[2], data, 0644); err != nil {
			return err
		}
		fmt.Fprintf(output, "wrote %d bytes to %s\n", len(data), args[2])
		return nil
	},
}
