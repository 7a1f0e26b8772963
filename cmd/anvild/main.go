package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AnonMoon64/Anvil/core"
	"github.com/AnonMoon64/Anvil/pkg/config"
	"github.com/AnonMoon64/Anvil/pkg/utils"
)

func main() {
	root := &cobra.Command{
		Use:   "anvild <name> <port> <publicUrl> [bootstrapPeerUrl]",
		Short: "run one Anvil consensus node",
		Args:  cobra.RangeArgs(3, 4),
		RunE:  run,
	}
	root.SilenceUsage = true
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("node failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	lvl, err := log.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	name := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return core.Errf(core.ErrMalformedInput, "invalid port %q", args[1])
	}
	publicURL := args[2]
	bootstrap := ""
	if len(args) == 4 {
		bootstrap = args[3]
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	node, err := core.NewNode(name, port, publicURL, cfg)
	if err != nil {
		return err
	}
	node.Start(bootstrap)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-node.ServeErr():
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return node.Stop(ctx)
}
