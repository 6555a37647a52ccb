package extproc

import (
	"context"
	"testing"
)

func TestParseOutputJSONLine(t *testing.T) {
	out := "booting venue client\nsubmitting order\n{\"ok\":true,\"txId\":\"5KtP3rQ\"}\n"
	result := ParseOutput(out)
	if !result.OK || result.TxID != "5KtP3rQ" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestParseOutputJSONFailure(t *testing.T) {
	out := "{\"ok\":false,\"error\":\"insufficient balance\"}"
	result := ParseOutput(out)
	if result.OK {
		t.Fatalf("expected failure result")
	}
	if result.Error != "insufficient balance" {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestParseOutputSignatureFallback(t *testing.T) {
	out := "Sending transaction...\nTransaction signature: 3nXy2AbCdEf\nDone.\n"
	result := ParseOutput(out)
	if !result.OK {
		t.Fatalf("expected ok result")
	}
	if result.TxID != "3nXy2AbCdEf" {
		t.Fatalf("txId = %q", result.TxID)
	}
}

func TestParseOutputPlainSuccess(t *testing.T) {
	result := ParseOutput("swap complete\n")
	if !result.OK || result.TxID != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunSuccess(t *testing.T) {
	runner := NewRunner(nil, nil)
	result, err := runner.Run(context.Background(), Command{
		Bin:  "sh",
		Args: []string{"-c", `echo '{"ok":true,"txId":"abc123"}'`},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.OK || result.TxID != "abc123" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	runner := NewRunner(nil, nil)
	if _, err := runner.Run(context.Background(), Command{
		Bin:  "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	}); err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
}

func TestRunReportedFailure(t *testing.T) {
	runner := NewRunner(nil, nil)
	if _, err := runner.Run(context.Background(), Command{
		Bin:  "sh",
		Args: []string{"-c", `echo '{"ok":false,"error":"slippage"}'`},
	}); err == nil {
		t.Fatalf("expected error for ok=false result")
	}
}
