package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"github.com/webitel/im-realtime-engine/config"
)

const (
	ServiceName      = "im-realtime-engine"
	ServiceNamespace = "webitel"
)

// Overridden at build time via -ldflags.
var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

func buildVersion() string {
	return fmt.Sprintf("%s-%s (%s)", version, commit, branch)
}

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Real-time message delivery, presence and typing engine",
		Version: buildVersion(),
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the engine server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}
