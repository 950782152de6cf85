package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "cadenza",
		Usage:                 "Schedule-driven workflow orchestration runtime",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			versionCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cadenza:", err)
		os.Exit(1)
	}
}

// configFlags are shared by the commands that build a runtime configuration.
// Values left unset fall through to env vars and settings.json.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "db-path",
			Usage: "libSQL database path, or :memory: for the in-memory store",
		},
		&cli.StringFlag{
			Name:  "definitions-dir",
			Usage: "Directory of workflow definitions (.yaml, .yml, .json)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format (text, json)",
		},
		&cli.IntFlag{
			Name:  "pool-size",
			Usage: "Concurrent activity processors",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Address serving Prometheus metrics on /metrics (disabled when empty)",
		},
		&cli.StringFlag{
			Name:  "expression-lang",
			Usage: "Default expression language (jq, cel, expr)",
		},
	}
}

func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	cfg.applyFlags(cmd)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
