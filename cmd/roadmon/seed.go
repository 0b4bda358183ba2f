package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:     "seed <file>",
	GroupID: "data",
	Short:   "Load fixture records into the local cache",
	Long: `Load entity fixtures from a YAML, TOML or JSONL file into the local cache.

Each record becomes a create update tagged "seed". Records are applied
locally only and are not sent to the relay.

YAML/TOML files group records by entity type:
  project:
    - id: p1
      name: Highlands Highway

JSONL files hold one {"entityType": ..., "payload": {...}} per line.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := seed.ApplyFile(ctx, a.service, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("Seeded %d record(s) from %s\n", res.Applied, args[0])
		for _, et := range envelope.AllEntityTypes {
			if n := res.ByEntity[et]; n > 0 {
				fmt.Printf("  %-10s %d\n", et, n)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
