package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

// Filter decides which paths take part in a transfer and reads what the
// transfer needs to know about them before bytes move.
type Filter interface {
	// Accept reports whether p is transferred. It may fill missing
	// attributes of p as a side effect.
	Accept(ctx context.Context, p *paths.Path) bool
	// Prepare runs at most once per accepted path. It adds the path to
	// the size estimate and marks it prepared.
	Prepare(ctx context.Context, p *paths.Path)
}

// Resolve returns the filter for action. ActionAsk consults the prompt
// when any root exists at the destination and otherwise resolves to
// ActionOverwrite. A nil filter without error means the run is canceled.
// Filters are memoized, so resolving the same action twice in one run
// returns the same instance.
func (t *Transfer) Resolve(ctx context.Context, action Action) (Filter, error) {
	switch {
	case action == ActionCancel:
		return nil, nil
	case action == ActionAsk:
		return t.ask(ctx)
	case action.IsPolicy():
		if err := t.SetPolicy(action); err != nil {
			return nil, err
		}
		return t.Resolve(ctx, ActionOverwrite)
	}

	t.mu.Lock()
	f, ok := t.filters[action]
	t.mu.Unlock()
	if ok {
		return f, nil
	}
	f = t.dir.filter(action)
	if f == nil {
		return nil, fmt.Errorf("%s transfer: unsupported action %q", t.dir.kind(), action)
	}
	t.mu.Lock()
	t.filters[action] = f
	t.mu.Unlock()
	return f, nil
}

func (t *Transfer) ask(ctx context.Context) (Filter, error) {
	if !t.dir.alwaysPrompt() && !t.anyAtDestination(ctx) {
		return t.Resolve(ctx, ActionOverwrite)
	}
	answer := Action(t.cfg.PromptDefaultAction)
	if t.prompt != nil {
		var err error
		answer, err = t.prompt.PromptAction(ctx, t)
		if err != nil {
			if session.IsCanceled(err) || errors.Is(err, context.Canceled) {
				return nil, nil
			}
			return nil, err
		}
	} else if t.dir.kind() == KindSync {
		answer = t.Policy()
	}
	if answer == ActionAsk {
		return nil, fmt.Errorf("prompt answered %q", answer)
	}
	return t.Resolve(ctx, answer)
}

func (t *Transfer) anyAtDestination(ctx context.Context) bool {
	for _, r := range t.roots {
		if t.dir.destinationExists(ctx, r) {
			return true
		}
	}
	return false
}

// existence memoizes remote and local presence checks for one run. A sync
// transfer shares one instance with its delegates.
type existence struct {
	mu     sync.Mutex
	remote map[string]bool
	local  map[string]bool
}

func newExistence() *existence {
	e := &existence{}
	e.reset()
	return e
}

func (e *existence) reset() {
	e.mu.Lock()
	e.remote = make(map[string]bool)
	e.local = make(map[string]bool)
	e.mu.Unlock()
}

func (e *existence) lookup(m map[string]bool, key string) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := m[key]
	return v, ok
}

func (e *existence) store(m map[string]bool, key string, v bool) {
	e.mu.Lock()
	m[key] = v
	e.mu.Unlock()
}

// exists reports whether p is present on the server. Children of a
// directory already known to be missing are missing too, without asking.
func (t *Transfer) exists(ctx context.Context, p *paths.Path) bool {
	e := t.seen
	if v, ok := e.lookup(e.remote, p.Absolute()); ok {
		return v
	}
	if !p.IsRoot() {
		if v, ok := e.lookup(e.remote, p.Parent().Absolute()); ok && !v {
			e.store(e.remote, p.Absolute(), false)
			return false
		}
	}
	ok, err := t.sess.Exists(ctx, p)
	if err != nil {
		t.logger.Debug("existence check failed", zap.String("path", p.Absolute()), zap.Error(err))
		return false
	}
	e.store(e.remote, p.Absolute(), ok)
	return ok
}

func (t *Transfer) markExists(p *paths.Path) {
	t.seen.store(t.seen.remote, p.Absolute(), true)
}

func (t *Transfer) localExists(p *paths.Path) bool {
	if p.Local == nil {
		return false
	}
	e := t.seen
	key := p.Local.Path()
	if v, ok := e.lookup(e.local, key); ok {
		return v
	}
	ok := p.Local.Exists()
	e.store(e.local, key, ok)
	return ok
}

// readMissing fills the attributes the listing did not carry.
func (t *Transfer) readMissing(ctx context.Context, p *paths.Path, perms bool) {
	if !t.exists(ctx, p) {
		return
	}
	if p.IsFile() && p.Attributes.Size == paths.UnknownSize {
		_ = t.sess.ReadSize(ctx, p)
	}
	if p.Attributes.Modified.IsZero() {
		_ = t.sess.ReadTimestamp(ctx, p)
	}
	if perms && !p.Attributes.Permission.Known() {
		_ = t.sess.ReadPermission(ctx, p)
	}
}

// canceledWriter stops a byte copy once the path is canceled.
type canceledWriter struct {
	w      io.Writer
	status *paths.Status
}

func (c canceledWriter) Write(b []byte) (int, error) {
	if c.status.IsCanceled() {
		return 0, session.ErrCanceled
	}
	return c.w.Write(b)
}

type canceledReader struct {
	r      io.Reader
	status *paths.Status
}

func (c canceledReader) Read(b []byte) (int, error) {
	if c.status.IsCanceled() {
		return 0, session.ErrCanceled
	}
	return c.r.Read(b)
}
