package main

import (
	"fmt"
	"os"
	"strings"

	"p2p-chunkcast/node"
	"p2p-chunkcast/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var nodeInteractive bool

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a full peer node (announcer + listener + chunk server)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}

		if nodeInteractive {
			fmt.Println("chunkcast node interactive shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { nodeExecutor(in, n) },
				nodeCompleter,
				prompt.OptionPrefix("chunkcast> "),
				prompt.OptionTitle("chunkcast node"),
			).Run()
			return nil
		}

		logger.Sugar.Info("[Node] running, Ctrl-C to stop")
		select {}
	},
}

func nodeExecutor(in string, n *node.Node) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		if err := n.Stop(); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(n.GetStatus())
	case "peers":
		peers := n.Peers()
		if len(peers) == 0 {
			fmt.Println("No peers known yet.")
			return
		}
		for _, p := range peers {
			fmt.Println("- " + p)
		}
	case "announce":
		n.AnnounceNow()
		fmt.Println("Announcement cycle triggered.")
	case "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: download <content_name>")
			return
		}
		out, err := n.Download(blocks[1])
		if err != nil {
			fmt.Printf("Download failed: %v\n", err)
		} else {
			fmt.Printf("Downloaded to %s\n", out)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show node status")
		fmt.Println("  peers                  - List known peers")
		fmt.Println("  announce               - Trigger an announcement cycle now")
		fmt.Println("  download <name>        - Download a content item by name")
		fmt.Println("  exit                   - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func nodeCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List known peers"},
		{Text: "announce", Description: "Trigger an announcement cycle"},
		{Text: "download", Description: "Download a content item"},
		{Text: "exit", Description: "Stop the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start with an interactive shell")
}
