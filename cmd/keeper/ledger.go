package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/ledger"
)

func newLedgerCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the withdrawal ledger",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print all withdrawal requests",
		RunE:  runLedgerList,
	}
	addLedgerFlags(listCmd)
	root.AddCommand(listCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop finished requests older than the retention window",
		RunE:  runLedgerPurge,
	}
	addLedgerFlags(purgeCmd)
	root.AddCommand(purgeCmd)

	return root
}

func runLedgerList(cmd *cobra.Command, _ []string) error {
	_, store, ctx, cleanup, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	reqs, err := store.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQ ID\tSTATUS\tREDEEM AT\tUPDATED\tLAST ERROR")
	for _, req := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			req.ReqID,
			req.Status,
			time.UnixMilli(req.RedeemAt).Format(time.RFC3339),
			time.UnixMilli(req.UpdatedAt).Format(time.RFC3339),
			req.LastError,
		)
	}
	return w.Flush()
}

func runLedgerPurge(cmd *cobra.Command, _ []string) error {
	cfg, store, ctx, cleanup, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	removed, err := store.Purge(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d finished requests older than %s\n", removed, retention)
	return nil
}

func openLedger(cmd *cobra.Command) (config.Config, ledger.Store, context.Context, func(), error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		stop()
		return config.Config{}, nil, nil, nil, err
	}
	cleanup := func() {
		closeStore()
		stop()
	}
	return cfg, store, ctx, cleanup, nil
}
