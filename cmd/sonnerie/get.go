package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/njaard/sonnerie"
)

func newGetCommand() *cobra.Command {
	var loKey, hiKey, prefix string

	cmd := &cobra.Command{
		Use:   "get <dir>",
		Short: "print records for a key range or prefix",
		Long: `
Open the database at <dir> and print every record matching --lo/--hi or
--prefix, one per line, as "key timestamp format value...".
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], loKey, hiKey, prefix)
		},
	}
	cmd.Flags().StringVar(&loKey, "lo", "", "lower bound key (inclusive)")
	cmd.Flags().StringVar(&hiKey, "hi", "", "upper bound key (inclusive)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix, instead of --lo/--hi")
	return cmd
}

func runGet(dir, loKey, hiKey, prefix string) error {
	db, err := sonnerie.Open(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	var it *sonnerie.Iterator
	if prefix != "" {
		it, err = db.GetByPrefix(prefix)
	} else {
		it, err = db.GetRange(loKey, hiKey, 0, math.MaxUint64)
	}
	if err != nil {
		return err
	}

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		printRecord(rec)
	}
}

func printRecord(rec sonnerie.Record) {
	fmt.Printf("%s\t%d\t%s", rec.Key, rec.Timestamp, rec.Format)
	for _, v := range rec.Values {
		fmt.Printf("\t%v", v)
	}
	fmt.Println()
}
