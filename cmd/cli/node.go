package main

// node.go – node status commands: health summary and the peer registry.

import (
	"github.com/spf13/cobra"

	"github.com/AnonMoon64/Anvil/core"
)

func registerNode(root *cobra.Command) {
	nodeCmd := &cobra.Command{Use: "node", Short: "inspect a running node"}

	health := &cobra.Command{
		Use:   "health",
		Short: "print the node status summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out core.HealthReply
			if err := getJSON("/health", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	peers := &cobra.Command{
		Use:   "peers",
		Short: "list the node's known peers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []core.PeerSummary
			if err := getJSON("/peers", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	nodeCmd.AddCommand(health, peers)
	root.AddCommand(nodeCmd)
}
