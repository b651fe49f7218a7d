package main

import (
	"fmt"

	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/msf-go/msfz"
	"github.com/skdltmxn/msf-go/pdb"
)

var pdzCompression string

var pdzCmd = &cobra.Command{
	Use:   "pdz <src.pdb> <dest.pdz>",
	Short: "Convert an MSF container to a compressed MSFZ container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := msfz.DefaultWriterOptions()
		switch pdzCompression {
		case "zstd":
			opts.Compression = msfz.CompressionZstd
		case "deflate":
			opts.Compression = msfz.CompressionDeflate
		case "none":
			opts.Compression = msfz.CompressionNone
		default:
			return fmt.Errorf("unknown compression %q (want zstd, deflate, or none)", pdzCompression)
		}

		src, err := pdb.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		if src.Flavor() != pdb.FlavorMSF {
			return fmt.Errorf("%s is already a %s container", args[0], src.Flavor())
		}

		// The destination only appears under its final name once the encode
		// succeeds; a failed conversion never leaves a torn file behind.
		dest, err := renameio.TempFile("", args[1])
		if err != nil {
			return err
		}
		defer dest.Cleanup()

		w, err := msfz.NewWriter(dest, opts)
		if err != nil {
			return err
		}

		numStreams, err := src.NumStreams()
		if err != nil {
			return err
		}
		for i := uint32(0); i < numStreams; i++ {
			exists, err := src.StreamExists(i)
			if err != nil {
				return err
			}
			if !exists {
				if _, err := w.AddNilStream(); err != nil {
					return err
				}
				continue
			}
			data, err := src.ReadStream(i)
			if err != nil {
				return err
			}
			if _, err := w.AddStream(data); err != nil {
				return err
			}
		}

		if err := w.Finish(); err != nil {
			return err
		}
		if err := dest.CloseAtomicallyReplace(); err != nil {
			return err
		}

		fmt.Fprintf(output, "converted %d streams to %s\n", numStreams, args[1])
		return nil
	},
}

func init() {
	pdzCmd.Flags().StringVar(&pdzCompression, "compression", "zstd", "chunk compression: zstd, deflate, or none")
}
