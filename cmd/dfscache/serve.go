package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgecache/dfscache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := dfscache.New(configFromViper())
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				slog.Warn("Failed to close cache", "error", err)
			}
		}()

		root := viper.GetString("root")
		if err := cache.Reload(root); err != nil {
			slog.Warn("Failed to reload cache root; starting empty", "root", root, "error", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Cache daemon started",
			"root", root,
			"files", cache.Len(),
			"weight", cache.CurrentWeight())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return cache.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("Shutting down")
			return gctx.Err()
		})
		if err := g.Wait(); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
