package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/extproc"
	"github.com/hwdeboer1977/algostrats/internal/model"
)

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fakeRunner records every command and optionally fails one script.
type fakeRunner struct {
	mu       sync.Mutex
	commands []extproc.Command
	failOn   string
}

func (r *fakeRunner) Run(_ context.Context, cmd extproc.Command) (extproc.Result, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.failOn != "" && strings.Contains(r.script(cmd), r.failOn) {
		return extproc.Result{Error: "boom"}, fmt.Errorf("%s reported failure: boom", cmd.Bin)
	}
	return extproc.Result{OK: true, TxID: "0xfeed"}, nil
}

// script returns the script path regardless of interpreter wrapping.
func (r *fakeRunner) script(cmd extproc.Command) string {
	if cmd.Bin == "python3" && len(cmd.Args) > 0 {
		return cmd.Args[0]
	}
	return cmd.Bin
}

func (r *fakeRunner) ran(script string) []extproc.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []extproc.Command
	for _, cmd := range r.commands {
		if strings.Contains(r.script(cmd), script) {
			out = append(out, cmd)
		}
	}
	return out
}

func argValue(cmd extproc.Command, prefix string) string {
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, prefix) {
			return strings.TrimPrefix(arg, prefix)
		}
	}
	return ""
}

// fakeToken returns scripted balances per holder, holding the last value once
// the sequence is exhausted. When readErr is set, every read after the first
// errAfter calls fails.
type fakeToken struct {
	mu       sync.Mutex
	balances map[common.Address][]*big.Int
	readErr  error
	errAfter int
	reads    int
}

func (f *fakeToken) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil && f.reads > f.errAfter {
		return nil, f.readErr
	}
	seq := f.balances[holder]
	if len(seq) == 0 {
		return big.NewInt(0), nil
	}
	v := seq[0]
	if len(seq) > 1 {
		f.balances[holder] = seq[1:]
	}
	return new(big.Int).Set(v), nil
}

func testScripts() config.Scripts {
	return config.Scripts{
		Swap:                  "swap.sh",
		SwapBack:              "swap_back.sh",
		Bridge:                "bridge.sh",
		BridgeBack:            "bridge_back.sh",
		VenueDeposit:          "venue_deposit.py",
		VenueOpen:             "venue_open.py",
		VenueClose:            "venue_close.py",
		VenueWithdraw:         "venue_withdraw.py",
		VaultDeposit:          "vault_deposit.sh",
		VaultRequestWithdraw:  "vault_request_withdraw.sh",
		VaultFinalizeWithdraw: "vault_finalize_withdraw.sh",
		SendStable:            "send_stable.sh",
		PythonBin:             "python3",
	}
}

func newDepositPipeline(t *testing.T, reserve, stable *fakeToken, runner *fakeRunner) *DepositPipeline {
	t.Helper()
	pipe, err := NewDepositPipeline(DepositConfig{
		WalletA:         walletA,
		WalletB:         walletB,
		ReserveDecimals: 8,
		StableDecimals:  6,
		ArrivalTimeout:  time.Second,
		ArrivalPoll:     time.Millisecond,
		Scripts:         testScripts(),
	}, reserve, stable, runner, nil)
	if err != nil {
		t.Fatalf("new deposit pipeline: %v", err)
	}
	return pipe
}

func depositJob() Job {
	return Job{
		ID:   "0xdeadbeef",
		Kind: KindDeposit,
		Payload: model.DepositEvent{
			Caller: walletA.Hex(),
			Owner:  walletA.Hex(),
			Assets: big.NewInt(100_000_000),
			Shares: big.NewInt(100_000_000),
		},
	}
}

func TestDepositPipelineFanOut(t *testing.T) {
	reserve := &fakeToken{balances: map[common.Address][]*big.Int{
		walletA: {big.NewInt(0), big.NewInt(100_000_000)},
		walletB: {big.NewInt(0), big.NewInt(0)},
	}}
	stable := &fakeToken{balances: map[common.Address][]*big.Int{
		walletA: {big.NewInt(50_000_000)},
		walletB: {big.NewInt(20_000_000)},
	}}
	runner := &fakeRunner{}

	pipe := newDepositPipeline(t, reserve, stable, runner)
	if err := pipe.Execute(context.Background(), depositJob()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	swaps := runner.ran("swap.sh")
	if len(swaps) != 1 {
		t.Fatalf("ran %d swaps, want 1 (wallet B had no arrival)", len(swaps))
	}
	if got := argValue(swaps[0], "--amount="); got != "0.9" {
		t.Fatalf("swap amount = %s, want 0.9", got)
	}
	if got := argValue(swaps[0], "--wallet="); got != walletA.Hex() {
		t.Fatalf("swap wallet = %s, want %s", got, walletA.Hex())
	}

	bridges := runner.ran("bridge.sh")
	if len(bridges) != 1 {
		t.Fatalf("ran %d bridges, want 1", len(bridges))
	}
	if got := argValue(bridges[0], "--amount="); got != "25" {
		t.Fatalf("bridge amount = %s, want 25", got)
	}

	deposits := runner.ran("venue_deposit.py")
	opens := runner.ran("venue_open.py")
	if len(deposits) != 1 || len(opens) != 1 {
		t.Fatalf("venue deposit/open ran %d/%d times, want 1/1", len(deposits), len(opens))
	}
	if deposits[0].Bin != "python3" {
		t.Fatalf("venue deposit bin = %s, want the python interpreter", deposits[0].Bin)
	}
	if got := argValue(deposits[0], "--amount="); got != "20" {
		t.Fatalf("venue deposit amount = %s, want 20", got)
	}
	if got := argValue(opens[0], "--size="); got != "20" {
		t.Fatalf("venue open size = %s, want 20", got)
	}
	if got := argValue(opens[0], "--side="); got != "short" {
		t.Fatalf("venue open side = %s, want short", got)
	}

	vaults := runner.ran("vault_deposit.sh")
	if len(vaults) != 1 {
		t.Fatalf("ran %d yield vault deposits, want 1", len(vaults))
	}
	if got := argValue(vaults[0], "--amount="); got != "22.5" {
		t.Fatalf("yield vault amount = %s, want 22.5 (90%% of bridged)", got)
	}
}

func TestDepositPipelineAbortsOnScriptFailure(t *testing.T) {
	reserve := &fakeToken{balances: map[common.Address][]*big.Int{
		walletA: {big.NewInt(0), big.NewInt(100_000_000)},
		walletB: {big.NewInt(0)},
	}}
	stable := &fakeToken{balances: map[common.Address][]*big.Int{}}
	runner := &fakeRunner{failOn: "swap.sh"}

	pipe := newDepositPipeline(t, reserve, stable, runner)
	if err := pipe.Execute(context.Background(), depositJob()); err == nil {
		t.Fatalf("expected error from failed swap")
	}
	if len(runner.ran("bridge.sh")) != 0 {
		t.Fatalf("bridge ran after the swap failed")
	}
}

func TestDepositPipelineArrivalTimeout(t *testing.T) {
	reserve := &fakeToken{balances: map[common.Address][]*big.Int{
		walletA: {big.NewInt(7)},
		walletB: {big.NewInt(0)},
	}}
	runner := &fakeRunner{}

	pipe, err := NewDepositPipeline(DepositConfig{
		WalletA:         walletA,
		WalletB:         walletB,
		ReserveDecimals: 8,
		StableDecimals:  6,
		ArrivalTimeout:  20 * time.Millisecond,
		ArrivalPoll:     time.Millisecond,
		Scripts:         testScripts(),
	}, reserve, &fakeToken{}, runner, nil)
	if err != nil {
		t.Fatalf("new deposit pipeline: %v", err)
	}

	if err := pipe.Execute(context.Background(), depositJob()); err == nil {
		t.Fatalf("expected timeout error when no balance increases")
	}
	if len(runner.commands) != 0 {
		t.Fatalf("scripts ran despite no arrival")
	}
}

func TestDepositPipelineArrivalTimeoutOnReadErrors(t *testing.T) {
	// Baselines read fine, then the RPC goes dark. The arrival wait must still
	// give up at the deadline instead of retrying forever.
	reserve := &fakeToken{
		balances: map[common.Address][]*big.Int{
			walletA: {big.NewInt(7)},
			walletB: {big.NewInt(0)},
		},
		readErr:  fmt.Errorf("rpc timeout"),
		errAfter: 2,
	}
	runner := &fakeRunner{}

	pipe, err := NewDepositPipeline(DepositConfig{
		WalletA:         walletA,
		WalletB:         walletB,
		ReserveDecimals: 8,
		StableDecimals:  6,
		ArrivalTimeout:  20 * time.Millisecond,
		ArrivalPoll:     time.Millisecond,
		Scripts:         testScripts(),
	}, reserve, &fakeToken{}, runner, nil)
	if err != nil {
		t.Fatalf("new deposit pipeline: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pipe.Execute(context.Background(), depositJob()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected timeout error when reads keep failing")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("arrival wait outlived its deadline under read errors")
	}
	if len(runner.commands) != 0 {
		t.Fatalf("scripts ran despite no arrival")
	}
}
