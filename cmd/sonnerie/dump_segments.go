package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/njaard/sonnerie/internal/segment"
)

func newDumpSegmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-segments <file>",
		Short: "print one data file's segment headers",
		Long: `
Scan a single "main" or "tx.*" file from front to back and print each
segment's first/last key, compressed payload size, and byte offset,
without decompressing key blocks. Useful for checking that a file's
framing is intact after a crash.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDumpSegments(args[0])
		},
	}
	return cmd
}

func runDumpSegments(path string) error {
	r, err := segment.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h, ok, err := r.First()
	if err != nil {
		return err
	}
	for n := 0; ok; n++ {
		fmt.Printf("segment %d: first=%q last=%q payload=%dB offset=%d prevSegLen=%d prevSameKey=%d\n",
			n, h.FirstKey, h.LastKey, len(h.Payload), h.Offset, h.PrevSegLen, h.PrevSameKey)
		h, ok, err = r.After(h)
		if err != nil {
			return err
		}
	}
	return nil
}
