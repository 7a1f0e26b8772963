package main

// root.go – Anvil CLI entrypoint. Each subsystem file registers its command
// tree on the root; every command speaks the node's HTTP wire protocol.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AnonMoon64/Anvil/pkg/utils"
)

var nodeURL string

func main() {
	root := &cobra.Command{
		Use:   "anvil",
		Short: "query and drive a running Anvil node",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			lvl, err := log.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "warn"))
			if err != nil {
				lvl = log.WarnLevel
			}
			log.SetLevel(lvl)
			if nodeURL == "" {
				nodeURL = utils.EnvOrDefault("ANVIL_NODE_URL", "http://localhost:7001")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&nodeURL, "node", "", "base URL of the target node")

	registerChain(root)
	registerTx(root)
	registerNode(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

var cliClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(path string, out interface{}) error {
	resp, err := cliClient.Get(nodeURL + path)
	if err != nil {
		return utils.Wrap(err, "get "+path)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return utils.Wrap(err, "encode request")
	}
	resp, err := cliClient.Post(nodeURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return utils.Wrap(err, "post "+path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.Wrap(err, "read "+path)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
