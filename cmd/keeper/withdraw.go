package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/chain"
	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/extproc"
	"github.com/hwdeboer1977/algostrats/internal/ledger"
	"github.com/hwdeboer1977/algostrats/internal/model"
	"github.com/hwdeboer1977/algostrats/internal/pipeline"
	"github.com/hwdeboer1977/algostrats/internal/units"
	"github.com/hwdeboer1977/algostrats/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

func newWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Run one withdrawal stage by hand",
		RunE:  runWithdraw,
	}
	cmd.Flags().String("stage", "", "withdrawal stage (init or finalize)")
	cmd.Flags().String("amount", "", "stablecoin amount to unwind (init)")
	cmd.Flags().String("user", "", "withdrawing user address, informational (init)")
	cmd.Flags().String("req-id", "", "ledger request id (finalize)")
	cmd.Flags().Bool("force", false, "finalize before the redemption period elapses")
	addChainFlags(cmd)
	addPipelineFlags(cmd)
	addLedgerFlags(cmd)
	addScriptFlags(cmd)
	return cmd
}

func runWithdraw(cmd *cobra.Command, _ []string) error {
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

	stage, _ := cmd.Flags().GetString("stage")

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

	switch stage {
	case "init":
		amount, _ := cmd.Flags().GetString("amount")
		if amount == "" {
			return fmt.Errorf("--amount is required for stage=init")
		}
		raw, err := units.Parse(amount, cfg.StableDecimals)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		req, err := pipe.Init(ctx, pipeline.WithdrawJob{
			Event:     model.WithdrawInitiatedEvent{User: user},
			StableRaw: raw,
		})
		if err != nil {
			return err
		}
		fmt.Printf("recorded %s, redeemable at %s\n",
			req.ReqID, time.UnixMilli(req.RedeemAt).Format(time.RFC3339))
		return nil

	case "finalize":
		reqID, _ := cmd.Flags().GetString("req-id")
		if reqID == "" {
			return fmt.Errorf("--req-id is required for stage=finalize")
		}
		force, _ := cmd.Flags().GetBool("force")
		return finalizeOne(ctx, store, pipe, reqID, force, logger)

	default:
		return fmt.Errorf("--stage must be init or finalize, got %q", stage)
	}
}

func finalizeOne(ctx context.Context, store ledger.Store, pipe *pipeline.WithdrawPipeline, reqID string, force bool, logger *zap.Logger) error {
	reqs, err := store.List(ctx)
	if err != nil {
		return err
	}
	var req *ledger.Request
	for i := range reqs {
		if reqs[i].ReqID == reqID {
			req = &reqs[i]
			break
		}
	}
	if req == nil {
		return fmt.Errorf("request %s not found", reqID)
	}
	if req.Status == ledger.StatusDone {
		return fmt.Errorf("request %s is already done", reqID)
	}
	if now := time.Now().UnixMilli(); req.RedeemAt > now && !force {
		return fmt.Errorf("request %s redeemable at %s, pass --force to override",
			reqID, time.UnixMilli(req.RedeemAt).Format(time.RFC3339))
	}

	if err := store.Claim(ctx, []string{reqID}); err != nil {
		return err
	}
	if err := pipe.Finalize(ctx, *req); err != nil {
		if markErr := store.MarkPending(ctx, reqID, err.Error()); markErr != nil {
			logger.Error("mark pending failed", zap.String("req_id", reqID), zap.Error(markErr))
		}
		return err
	}
	return store.MarkDone(ctx, reqID)
}

// buildManualWithdrawPipeline wires the withdraw pipeline for one-shot CLI
// stages. The chain connection is only used for stablecoin balance reads and
// finality waits.
func buildManualWithdrawPipeline(ctx context.Context, cfg config.Config, store ledger.Store, logger *zap.Logger) (*pipeline.WithdrawPipeline, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	stableToken, err := vault.NewERC20(chainClient, common.HexToAddress(cfg.Stable))
	if err != nil {
		return nil, err
	}
	runner := extproc.NewRunner(logger, evmFinality{
		chain:         chainClient,
		confirmations: cfg.Confirmations,
		poll:          cfg.PollInterval,
	})
	return newWithdrawPipeline(cfg, stableToken, store, runner, logger)
}
