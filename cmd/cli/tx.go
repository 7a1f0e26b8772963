package main

// tx.go – transaction commands: balance lookup, faucet minting and signed
// transfers. Transfers load the sender key pair from a node data directory
// and pick the next nonce from the target node's account view.

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AnonMoon64/Anvil/core"
)

func registerTx(root *cobra.Command) {
	txCmd := &cobra.Command{Use: "tx", Short: "submit and query value transfers"}

	balance := &cobra.Command{
		Use:   "balance <address>",
		Short: "print balance and nonce of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out core.BalanceReply
			if err := getJSON("/balance/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	faucet := &cobra.Command{
		Use:   "faucet <address> <amount>",
		Short: "mint tokens to an address via a coinbase transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			var out struct {
				OK bool             `json:"ok"`
				Tx core.Transaction `json:"tx"`
			}
			if err := postJSON("/faucet", core.FaucetMsg{To: args[0], Amount: amount}, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var keyDir string
	send := &cobra.Command{
		Use:   "send <to> <amount>",
		Short: "sign and submit a transfer from the key pair in --keydir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			pub, priv, err := core.LoadOrCreateKeyPair(keyDir)
			if err != nil {
				return err
			}
			from, err := core.AddressOf(pub)
			if err != nil {
				return err
			}
			var acct core.BalanceReply
			if err := getJSON("/balance/"+from.Hex(), &acct); err != nil {
				return err
			}
			tx, err := core.NewSignedTransaction(priv, pub, args[0], amount, acct.Nonce+1)
			if err != nil {
				return err
			}
			var out core.OKReply
			if err := postJSON("/transaction", tx, &out); err != nil {
				return err
			}
			if !out.OK {
				return fmt.Errorf("transaction rejected: %s", out.Error)
			}
			hash, err := tx.HashHex()
			if err != nil {
				return err
			}
			printJSON(map[string]string{"txHash": hash, "from": tx.From, "to": tx.To})
			return nil
		},
	}
	send.Flags().StringVar(&keyDir, "keydir", "./data/wallet", "directory holding keypair.priv")

	txCmd.AddCommand(balance, faucet, send)
	root.AddCommand(txCmd)
}

func parseAmount(s string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n == 0 {
		return 0, fmt.Errorf("amount must be a positive integer")
	}
	return n, nil
}
