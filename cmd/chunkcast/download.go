package main

import (
	"fmt"

	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/download"
	"p2p-chunkcast/pkg/pool"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download <content_name>",
	Short: "Download a content item using the persisted content directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		contentDict, err := directory.LoadContentDict(cfg.ContentDictPath)
		if err != nil {
			return err
		}

		p := pool.New(cfg.MaxConnections, cfg.ConnectionTimeout)
		p.StartReaper()
		defer func() {
			p.Stop()
			p.CloseAll()
		}()

		mgr := download.NewManager(contentDict, p, cfg.ChunkDir, cfg.DownloadsDir, cfg.PeerPort, cfg.DownloadTimeout)
		out, err := mgr.Download(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded to %s\n", out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
