package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:  "cargoal",
		Usage: "Serve the demo web application and manage its database",
		Commands: []*cli.Command{
			serveCommand(logger),
			dbCommand(logger),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = app.Run(ctx, os.Args)
	stop()
	_ = observability.FlushTelemetry(context.Background(), logger)
	if err != nil {
		logger.Fatal("cargoal", zap.Error(err))
	}
}
