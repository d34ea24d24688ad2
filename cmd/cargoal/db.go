package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/config"
	"github.com/kjstillabower/cargoal/internal/db"
)

func dbCommand(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database operations",
		Commands: []*cli.Command{
			{
				Name:  "tables",
				Usage: "List tables and their columns",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					database, err := openDatabase(ctx, logger)
					if err != nil {
						return err
					}
					defer database.Close()

					tables, err := database.FetchTablesMetadata(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TABLE\tCOLUMN\tTYPE\tNULLABLE")
					for _, t := range tables {
						for _, c := range t.Columns {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", t.Name, c.Name, c.DataType, c.Nullable)
						}
					}
					return tw.Flush()
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply pending SQL migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "dir",
						Aliases: []string{"d"},
						Usage:   "Directory containing goose migration files",
						Value:   "migrations",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					database, err := openDatabase(ctx, logger)
					if err != nil {
						return err
					}
					defer database.Close()
					return database.Migrate(ctx, os.DirFS("."), cmd.String("dir"))
				},
			},
		},
	}
}

func openDatabase(ctx context.Context, logger *zap.Logger) (*db.Database, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Database == nil {
		return nil, errors.New("no database configured: set DATABASE_URL or database.url")
	}
	return db.Open(ctx, *cfg.Database, db.WithLogger(logger))
}
