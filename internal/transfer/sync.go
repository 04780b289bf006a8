package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/cache"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

// Comparison is the verdict of a sync for one path.
type Comparison int

const (
	Equal Comparison = iota
	RemoteNewer
	LocalNewer
	// unequal sizes still waiting for the policy to decide
	unequal
)

func (c Comparison) String() string {
	switch c {
	case Equal:
		return "equal"
	case RemoteNewer:
		return "remote-newer"
	case LocalNewer:
		return "local-newer"
	}
	return "unequal"
}

// NewSync creates a transfer synchronizing root with its Local counterpart
// under the configured default policy.
func NewSync(sess *session.Session, root *paths.Path, opts Options) *Transfer {
	t := newTransfer(sess, []*paths.Path{root}, opts)
	delegate := opts
	delegate.Prompt = nil
	delegate.Queue = nil

	s := &syncer{
		t:           t,
		down:        NewDownload(sess, t.roots, delegate),
		up:          NewUpload(sess, t.roots, delegate),
		policy:      Action(opts.Config.SyncDefaultAction),
		comparisons: make(map[string]Comparison),
		listings:    cache.New(),
	}
	// one view of what exists, shared by the walk and both delegates
	s.down.seen = t.seen
	s.up.seen = t.seen
	s.down.owner = t
	s.up.owner = t
	t.dir = s
	return t
}

// Policy returns the sync policy, or the empty action for other kinds.
func (t *Transfer) Policy() Action {
	s, ok := t.dir.(*syncer)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy switches a sync transfer to mirror, download or upload and
// forgets every comparison made under the previous policy.
func (t *Transfer) SetPolicy(a Action) error {
	s, ok := t.dir.(*syncer)
	if !ok {
		return fmt.Errorf("%s transfer has no sync policy", t.dir.kind())
	}
	if !a.IsPolicy() {
		return fmt.Errorf("unknown sync policy %q", a)
	}
	s.mu.Lock()
	s.policy = a
	s.comparisons = make(map[string]Comparison)
	s.mu.Unlock()
	t.logger.Info("sync policy changed", zap.String("policy", string(a)))
	return nil
}

// Compare returns the sync verdict for p. It is memoized until the policy
// changes or the next run starts. Transfers other than sync report Equal.
func (t *Transfer) Compare(ctx context.Context, p *paths.Path) Comparison {
	s, ok := t.dir.(*syncer)
	if !ok {
		return Equal
	}
	return s.compare(ctx, p)
}

type syncer struct {
	t        *Transfer
	down, up *Transfer

	mu          sync.Mutex
	policy      Action
	comparisons map[string]Comparison

	// merged remote and local listings of the current run
	listings *cache.Cache
}

func (s *syncer) kind() Kind         { return KindSync }
func (s *syncer) alwaysPrompt() bool { return true }

func (s *syncer) action(resume, reload bool) Action { return ActionAsk }

func (s *syncer) destinationExists(ctx context.Context, p *paths.Path) bool {
	return s.t.localExists(p) || s.t.exists(ctx, p)
}

func (s *syncer) clear() {
	s.mu.Lock()
	s.comparisons = make(map[string]Comparison)
	s.mu.Unlock()
	s.listings.Clear()
	s.down.clear()
	s.up.clear()
}

func (s *syncer) reset() {
	s.down.reset()
	s.up.reset()
}

func (s *syncer) evict(p *paths.Path) {
	s.listings.Remove(p)
	s.down.dir.evict(p)
	s.up.dir.evict(p)
}

func (s *syncer) filter(a Action) Filter {
	if a != ActionOverwrite {
		return nil
	}
	return &syncFilter{s: s}
}

// children merges the remote and local listings of parent. Remote entries
// come first; local entries missing on the server follow.
func (s *syncer) children(ctx context.Context, parent *paths.Path) []*paths.Path {
	if l := s.listings.Get(parent); l != nil {
		return l.Items()
	}
	var items []*paths.Path
	seen := make(map[string]struct{})
	if s.t.exists(ctx, parent) {
		for _, c := range s.down.dir.children(ctx, parent) {
			seen[c.Absolute()] = struct{}{}
			items = append(items, c)
		}
	}
	if s.t.localExists(parent) {
		for _, c := range s.up.dir.children(ctx, parent) {
			if _, ok := seen[c.Absolute()]; ok {
				continue
			}
			items = append(items, c)
		}
	}
	s.listings.Put(parent, cache.NewList(items))
	return items
}

func (s *syncer) transferPath(ctx context.Context, p *paths.Path) error {
	switch s.compare(ctx, p) {
	case RemoteNewer:
		return s.down.dir.transferPath(ctx, p)
	case LocalNewer:
		return s.up.dir.transferPath(ctx, p)
	}
	return nil
}

func (s *syncer) compare(ctx context.Context, p *paths.Path) Comparison {
	key := p.Absolute()
	s.mu.Lock()
	if c, ok := s.comparisons[key]; ok {
		s.mu.Unlock()
		return c
	}
	policy := s.policy
	s.mu.Unlock()

	local := s.t.localExists(p)
	remote := s.t.exists(ctx, p)
	var result Comparison
	switch {
	case local && remote:
		if p.IsFile() {
			result = s.compareSize(ctx, p)
			if result == unequal {
				switch policy {
				case ActionDownload:
					result = RemoteNewer
				case ActionUpload:
					result = LocalNewer
				default:
					result = s.compareTimestamp(ctx, p)
				}
			}
		}
	case remote:
		result = RemoteNewer
	case local:
		result = LocalNewer
	}

	switch result {
	case Equal:
		p.Status.SetSkipped(p.IsFile())
	case RemoteNewer:
		p.Status.SetSkipped(policy == ActionUpload)
	case LocalNewer:
		p.Status.SetSkipped(policy == ActionDownload)
	}

	s.mu.Lock()
	s.comparisons[key] = result
	s.mu.Unlock()
	return result
}

// compareSize settles the zero-size cases and equal sizes; anything else
// is unequal.
func (s *syncer) compareSize(ctx context.Context, p *paths.Path) Comparison {
	if p.Attributes.Size == paths.UnknownSize {
		_ = s.t.sess.ReadSize(ctx, p)
	}
	remote, local := p.Attributes.Size, p.Local.Size()
	switch {
	case remote == 0 && local == 0:
		return Equal
	case remote == 0:
		return LocalNewer
	case local == 0:
		return RemoteNewer
	case remote == local:
		return Equal
	}
	return unequal
}

// compareTimestamp compares at one second precision in UTC.
func (s *syncer) compareTimestamp(ctx context.Context, p *paths.Path) Comparison {
	if p.Attributes.Modified.IsZero() {
		_ = s.t.sess.ReadTimestamp(ctx, p)
	}
	remote := p.Attributes.Modified.UTC().Truncate(time.Second)
	local := p.Local.ModTime().UTC().Truncate(time.Second)
	switch {
	case local.Before(remote):
		return RemoteNewer
	case local.After(remote):
		return LocalNewer
	}
	return Equal
}

// syncFilter hands each path to the delegate of the winning side.
type syncFilter struct {
	s *syncer

	once     sync.Once
	down, up Filter
}

func (f *syncFilter) delegates(ctx context.Context) {
	f.once.Do(func() {
		f.down, _ = f.s.down.Resolve(ctx, ActionOverwrite)
		f.up, _ = f.s.up.Resolve(ctx, ActionOverwrite)
	})
}

func (f *syncFilter) Accept(ctx context.Context, p *paths.Path) bool {
	f.delegates(ctx)
	switch f.s.compare(ctx, p) {
	case RemoteNewer:
		return f.down.Accept(ctx, p)
	case LocalNewer:
		return f.up.Accept(ctx, p)
	}
	return false
}

func (f *syncFilter) Prepare(ctx context.Context, p *paths.Path) {
	f.delegates(ctx)
	switch f.s.compare(ctx, p) {
	case RemoteNewer:
		f.down.Prepare(ctx, p)
	case LocalNewer:
		f.up.Prepare(ctx, p)
	}
}
