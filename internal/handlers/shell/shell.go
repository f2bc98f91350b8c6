// Package shell runs a command as a task payload. Demo handler; the pool
// treats it as an opaque task type.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

type Handler struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Output struct {
	Output string `json:"output"`
}

func (h Handler) Handle(ctx context.Context, payload json.RawMessage, report unit.Progress) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return json.Marshal(Output{Output: string(out)})
}
