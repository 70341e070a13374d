package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"p2p-chunkcast/pkg/discovery"

	"github.com/spf13/cobra"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse mDNS for chunkcast nodes on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := discovery.NewResolver()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		defer cancel()

		results, err := resolver.Browse(ctx)
		if err != nil {
			return err
		}

		found := 0
		for info := range results {
			found++
			fmt.Printf("%s  %s  port=%d  peer_port=%s\n",
				info.InstanceName, strings.Join(info.IPs, ","), info.Port, info.Meta["peer_port"])
		}
		if found == 0 {
			fmt.Println("No chunkcast nodes found.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 3*time.Second, "How long to browse before giving up")
}
