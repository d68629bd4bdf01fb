package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const (
	name              = "pac-fleet"
	defaultConfigPath = "configs/fleet.yaml"
)

// overridden during build with ldflags
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Synchronized passive audio capture across a fleet of nodes",
		Version: version,
		Description: `Schedules capture rounds that start at the same instant on every
responsive node, waits for them to finish and copies the recordings to local
storage while the next round is being recorded.

Node clocks must be synchronized (NTP or PTP); the start instant is sent as
an absolute wall-clock time.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "fleet configuration file",
				Value:   defaultConfigPath,
				Sources: cli.EnvVars("PAC_FLEET_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			probeCmd(),
			filesCmd(),
			fetchCmd(),
			resetCmd(),
		},
	}
}
