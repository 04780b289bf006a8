package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/transfer"
)

// resolveLocalPath makes the local side of a pair absolute so snapshots
// stay valid when a job is resumed from another working directory.
func resolveLocalPath(local string) (string, error) {
	absolutePath, err := filepath.Abs(local)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	return absolutePath, nil
}

func newRoot(remote, local string, typ paths.Type) (*paths.Path, error) {
	abs, err := resolveLocalPath(local)
	if err != nil {
		return nil, err
	}
	p := paths.New(remote, typ)
	p.Local = paths.NewLocal(abs)
	return p, nil
}

// choice is one answer offered by the action prompt.
type choice struct {
	key    string
	action transfer.Action
	label  string
}

var (
	existingChoices = []choice{
		{"o", transfer.ActionOverwrite, "overwrite"},
		{"r", transfer.ActionResume, "resume"},
		{"n", transfer.ActionRename, "rename"},
		{"s", transfer.ActionSkip, "skip"},
		{"c", transfer.ActionCancel, "cancel"},
	}
	syncChoices = []choice{
		{"m", transfer.ActionMirror, "mirror"},
		{"d", transfer.ActionDownload, "download"},
		{"u", transfer.ActionUpload, "upload"},
		{"c", transfer.ActionCancel, "cancel"},
	}
)

func parseChoice(choices []choice, answer string) (transfer.Action, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, c := range choices {
		if answer == c.key || answer == c.label {
			return c.action, true
		}
	}
	return "", false
}

// PromptAction asks how to treat files that already exist at the
// destination, or which policy a sync should follow.
func (c *console) PromptAction(ctx context.Context, t *transfer.Transfer) (transfer.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	choices := existingChoices
	if t.Kind() == transfer.KindSync {
		choices = syncChoices
		fmt.Fprintf(c.out, "\nSynchronize %s (current policy %s)\n", t.Name(), t.Policy())
	} else {
		root := t.Root()
		fmt.Fprintf(c.out, "\nFile %s%s will replace %s\n", t.Session().Host.URL(), root.Absolute(), root.Local)
	}

	var keys []string
	for _, ch := range choices {
		keys = append(keys, fmt.Sprintf("[%s] %s", ch.key, ch.label))
	}
	for {
		if err := ctx.Err(); err != nil {
			return transfer.ActionCancel, err
		}
		fmt.Fprintf(c.out, "%s? ", strings.Join(keys, " "))
		answer, err := c.readLine()
		if errors.Is(err, io.EOF) {
			logging.Warn("no answer on standard input, canceling", logging.String("transfer", t.Name()))
			return transfer.ActionCancel, nil
		}
		if err != nil {
			return transfer.ActionCancel, err
		}
		if a, ok := parseChoice(choices, answer); ok {
			return a, nil
		}
	}
}
