package pipeline

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/extproc"
)

// ScriptRunner runs one external operation program to completion.
type ScriptRunner interface {
	Run(ctx context.Context, cmd extproc.Command) (extproc.Result, error)
}

// BalanceReader reads a raw token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
}

// scriptCommand builds the Command for a configured script path. Python
// scripts run under the configured interpreter; everything else executes
// directly.
func scriptCommand(s config.Scripts, path string, args ...string) extproc.Command {
	if strings.HasSuffix(path, ".py") {
		return extproc.Command{Bin: s.PythonBin, Args: append([]string{path}, args...)}
	}
	return extproc.Command{Bin: path, Args: args}
}
