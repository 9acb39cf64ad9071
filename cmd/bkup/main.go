package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"bkup/internal/errdefs"
)

func main() {
	cmd := &cli.Command{
		Name:    "bkup",
		Usage:   "Directory backup with retention, verification and restore",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a backup archive",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Backup config to run (all configs when omitted)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCreate(ctx, cmd.String("config"), cmd.String("name"))
				},
			},
			{
				Name:  "list",
				Usage: "List recorded backups",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Filter by backup config name",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Emit JSON instead of a table",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(cmd.String("config"), cmd.String("name"), cmd.Bool("json"))
				},
			},
			{
				Name:  "cleanup",
				Usage: "Apply retention policy and delete expired backups",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Backup config to clean (all configs when omitted)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Report what would be deleted without deleting",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCleanup(cmd.String("config"), cmd.String("name"), cmd.Bool("dry-run"))
				},
			},
			{
				Name:      "verify",
				Usage:     "Verify archive integrity against its checksum",
				ArgsUsage: "[archive path]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
					&cli.StringFlag{
						Name:  "checksum",
						Usage: "Expected BLAKE3 digest (overrides the sidecar file)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Emit JSON instead of text",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runVerify(cmd.String("config"), cmd.Args().First(),
						cmd.String("checksum"), cmd.Bool("json"))
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore an archive into a target directory",
				ArgsUsage: "<archive path>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Directory to restore into",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "Replace pre-existing files",
					},
					&cli.BoolFlag{
						Name:  "best-effort",
						Usage: "Skip unsafe or conflicting entries instead of aborting",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRestore(ctx, cmd.Args().First(), cmd.String("target"),
						cmd.Bool("overwrite"), cmd.Bool("best-effort"))
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete one backup by id, honoring the retention floor",
				ArgsUsage: "<backup id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRemove(cmd.String("config"), cmd.Args().First())
				},
			},
			{
				Name:  "check",
				Usage: "Validate the configuration and probe sources and destinations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "bkup.yaml",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(cmd.String("config"))
				},
			},
		},
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			os.Exit(130)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
