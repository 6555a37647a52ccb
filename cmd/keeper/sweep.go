package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/finalizer"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finalize due withdrawal requests",
		RunE:  runSweep,
	}
	cmd.Flags().Bool("once", false, "run a single sweep and exit")
	addChainFlags(cmd)
	addPipelineFlags(cmd)
	addLedgerFlags(cmd)
	addScriptFlags(cmd)
	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe, err := buildManualWithdrawPipeline(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	sweeper, err := finalizer.NewSweeper(finalizer.Config{
		Interval: cfg.SweepInterval,
	}, store, pipe.Finalize, logger)
	if err != nil {
		return err
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		return sweeper.SweepOnce(ctx)
	}
	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
