package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/envelope"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Inspect the local entity cache",
}

var cacheListCmd = &cobra.Command{
	Use:       "list <entity>",
	Short:     "List cached records of one entity type",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"project", "gps", "financial", "user"},
	Run: func(cmd *cobra.Command, args []string) {
		et, err := envelope.ParseEntityType(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		list, err := a.cache.List(context.Background(), et)
		if err != nil {
			fatalf("%v", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(list)
			return
		}

		if len(list) == 0 {
			fmt.Printf("No cached %s records\n", et)
			return
		}
		for _, p := range list {
			data, _ := json.Marshal(p)
			fmt.Println(string(data))
		}
		fmt.Printf("\n%d %s record(s)\n", len(list), et)
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached record counts per entity type",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx := context.Background()
		counts, err := a.cache.Counts(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		pending, err := a.ledger.Len(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("Local cache: %s\n", a.store.Path())
		for _, et := range envelope.AllEntityTypes {
			fmt.Printf("  %-10s %d\n", et, counts[et])
		}
		fmt.Printf("Offline ledger: %d pending\n", pending)
	},
}

func init() {
	cacheListCmd.Flags().Bool("json", false, "Print as one JSON array")

	cacheCmd.AddCommand(cacheListCmd, cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
