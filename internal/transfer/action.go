package transfer

import (
	"context"
	"fmt"

	"github.com/yarkm13/skiff/internal/config"
)

// Action selects how a transfer treats files that already exist at the
// destination, or which way a sync runs.
type Action string

const (
	ActionOverwrite Action = config.ActionOverwrite
	ActionResume    Action = config.ActionResume
	ActionRename    Action = config.ActionRename
	ActionSkip      Action = config.ActionSkip
	ActionAsk       Action = config.ActionAsk
	ActionCancel    Action = "cancel"

	ActionMirror   Action = config.SyncMirror
	ActionDownload Action = config.SyncDownload
	ActionUpload   Action = config.SyncUpload
)

// ParseAction validates a user supplied action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionOverwrite, ActionResume, ActionRename, ActionSkip, ActionAsk, ActionCancel,
		ActionMirror, ActionDownload, ActionUpload:
		return a, nil
	}
	return "", fmt.Errorf("unknown transfer action %q", s)
}

// IsPolicy reports whether a is one of the sync policies.
func (a Action) IsPolicy() bool {
	return a == ActionMirror || a == ActionDownload || a == ActionUpload
}

func (a Action) String() string { return string(a) }

// Prompt is asked which action to take when files exist at the
// destination. A sync transfer may also be answered with a policy.
type Prompt interface {
	PromptAction(ctx context.Context, t *Transfer) (Action, error)
}

// PromptFunc adapts a function to Prompt.
type PromptFunc func(ctx context.Context, t *Transfer) (Action, error)

func (f PromptFunc) PromptAction(ctx context.Context, t *Transfer) (Action, error) {
	return f(ctx, t)
}
