package main

// chain.go – chain inspection commands: full blocks, headers and SPV proofs.

import (
	"github.com/spf13/cobra"

	"github.com/AnonMoon64/Anvil/core"
)

func registerChain(root *cobra.Command) {
	chainCmd := &cobra.Command{Use: "chain", Short: "inspect the committed chain"}

	blocks := &cobra.Command{
		Use:   "blocks",
		Short: "print the most recent full blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []core.Block
			if err := getJSON("/chain", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	headers := &cobra.Command{
		Use:   "headers",
		Short: "print the most recent block headers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []core.BlockHeader
			if err := getJSON("/headers", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	proof := &cobra.Command{
		Use:   "proof <txHash>",
		Short: "fetch the Merkle inclusion proof of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out core.ProofReply
			if err := getJSON("/proof/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	chainCmd.AddCommand(blocks, headers, proof)
	root.AddCommand(chainCmd)
}
