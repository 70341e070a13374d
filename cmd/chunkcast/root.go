package main

import (
	"os"

	"p2p-chunkcast/pkg/config"
	"p2p-chunkcast/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	peerID     int
)

var rootCmd = &cobra.Command{
	Use:   "chunkcast",
	Short: "P2P chunked file distribution",
	Long:  `chunkcast splits files into chunks, announces them over UDP broadcast, and fetches missing chunks directly from peers.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, peerID)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON config file (defaults apply when omitted)")
	rootCmd.PersistentFlags().IntVarP(&peerID, "peer-id", "p", 0, "Numeric peer id; offsets the well-known ports so peers can share a host")
}
