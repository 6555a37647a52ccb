package extproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Result is the structured outcome of an external operation. Collaborators are
// expected to print it as a single trailing JSON line; the legacy
// "Transaction signature: <token>" stdout pattern is supported as a fallback.
type Result struct {
	OK    bool   `json:"ok"`
	TxID  string `json:"txId,omitempty"`
	Error string `json:"error,omitempty"`
}

// FinalityWaiter blocks until a transaction identifier reported by an external
// operation reaches its network's confirmation status.
type FinalityWaiter interface {
	WaitFinal(ctx context.Context, txID string) error
}

// Command describes one external operation invocation.
type Command struct {
	Bin  string
	Args []string
	Dir  string
	Env  map[string]string
}

var txSignaturePattern = regexp.MustCompile(`Transaction signature:\s+([A-Za-z0-9]+)`)

// Runner spawns external operation programs and interprets their output.
type Runner struct {
	logger   *zap.Logger
	finality FinalityWaiter
}

// NewRunner builds a Runner. finality may be nil to skip confirmation waits.
func NewRunner(logger *zap.Logger, finality FinalityWaiter) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger, finality: finality}
}

// Run executes the command and waits for it to exit. Exit code 0 is success.
// When the output carries a transaction identifier and a finality waiter is
// configured, Run additionally blocks until that transaction is final.
func (r *Runner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Bin == "" {
		return Result{}, fmt.Errorf("command bin is required")
	}

	proc := exec.CommandContext(ctx, cmd.Bin, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = os.Environ()
	for k, v := range cmd.Env {
		proc.Env = append(proc.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	r.logger.Info("external op start",
		zap.String("bin", cmd.Bin),
		zap.Strings("args", cmd.Args),
	)

	runErr := proc.Run()
	result := ParseOutput(stdout.String())

	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if result.Error != "" {
			detail = result.Error
		}
		return result, fmt.Errorf("%s exited abnormally: %w (%s)", cmd.Bin, runErr, detail)
	}
	if !result.OK {
		return result, fmt.Errorf("%s reported failure: %s", cmd.Bin, result.Error)
	}

	if result.TxID != "" && r.finality != nil {
		if err := r.finality.WaitFinal(ctx, result.TxID); err != nil {
			return result, fmt.Errorf("wait finality %s: %w", result.TxID, err)
		}
		r.logger.Info("external op confirmed", zap.String("bin", cmd.Bin), zap.String("tx_id", result.TxID))
	}

	return result, nil
}

// ParseOutput extracts a Result from captured stdout. Preference order: a
// trailing JSON object line, then the signature pattern, then plain success.
func ParseOutput(stdout string) Result {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var result Result
		if err := json.Unmarshal([]byte(line), &result); err == nil {
			return result
		}
	}

	result := Result{OK: true}
	if match := txSignaturePattern.FindStringSubmatch(stdout); match != nil {
		result.TxID = match[1]
	}
	return result
}
