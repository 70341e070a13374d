package main

import (
	"fmt"

	"p2p-chunkcast/pkg/storage"

	"github.com/spf13/cobra"
)

var splitCmd = &cobra.Command{
	Use:   "split <file>",
	Short: "Split a file into announceable chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		n, err := storage.SplitFile(args[0], cfg.ChunkDir, cfg.ChunkSize)
		if err != nil {
			return err
		}
		fmt.Printf("Split %s into %d chunks in %s\n", args[0], n, cfg.ChunkDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(splitCmd)
}
