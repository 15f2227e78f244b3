package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ShellInvoker runs workflows through a local command, for dev and test
// deployments without a real engine. The workflow id is appended as the last
// argument and the trigger params are fed on stdin.
type ShellInvoker struct {
	Command string
	Args    []string
}

func (s *ShellInvoker) RunWorkflow(ctx context.Context, workflowID string, params json.RawMessage) error {
	if s.Command == "" {
		return fmt.Errorf("shell invoker: command is required")
	}
	args := append(append([]string{}, s.Args...), workflowID)
	cmd := exec.CommandContext(ctx, s.Command, args...)
	if len(params) > 0 {
		cmd.Stdin = bytes.NewReader(params)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("workflow command failed: %v; out=%s", err, string(out))
	}
	return nil
}
