package transfer

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/cache"
	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/metrics"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
	"github.com/yarkm13/skiff/internal/throttle"
)

// NewUpload creates a transfer copying the Local counterparts of roots to
// the server. A root without a type takes the type of its local file.
func NewUpload(sess *session.Session, roots []*paths.Path, opts Options) *Transfer {
	for _, r := range roots {
		if r.Type == 0 && r.Local != nil {
			r.Type = r.Local.Type()
		}
	}
	t := newTransfer(sess, roots, opts)
	t.dir = newUploader(t)
	t.limiter = throttle.New(opts.Config.Upload.Bandwidth)
	return t
}

type uploader struct {
	t    *Transfer
	cfg  config.DirectionConfig
	skip *regexp.Regexp
	// local listings of the current run
	listings *cache.Cache
}

func newUploader(t *Transfer) *uploader {
	return &uploader{
		t:        t,
		cfg:      t.cfg.Upload,
		skip:     t.cfg.Upload.SkipPattern(),
		listings: cache.New(),
	}
}

func (u *uploader) kind() Kind          { return KindUpload }
func (u *uploader) alwaysPrompt() bool  { return false }
func (u *uploader) clear()              { u.listings.Clear() }
func (u *uploader) reset()              {}
func (u *uploader) evict(p *paths.Path) { u.listings.Remove(p) }

func (u *uploader) action(resume, reload bool) Action {
	switch {
	case resume:
		return ActionResume
	case reload:
		return Action(u.cfg.ReloadFileExists)
	}
	return Action(u.cfg.FileExists)
}

func (u *uploader) destinationExists(ctx context.Context, p *paths.Path) bool {
	return u.t.exists(ctx, p)
}

func (u *uploader) children(ctx context.Context, parent *paths.Path) []*paths.Path {
	if l := u.listings.Get(parent); l != nil {
		return l.Items()
	}
	if parent.Local == nil {
		return nil
	}
	locals, err := parent.Local.List()
	if err != nil {
		u.t.fail(parent, err)
		return nil
	}
	items := make([]*paths.Path, 0, len(locals))
	for _, l := range locals {
		if u.skip != nil && u.skip.MatchString(l.Name()) {
			continue
		}
		child := paths.NewChild(parent, l.Name(), l.Type())
		child.Local = l
		items = append(items, child)
	}
	u.listings.Put(parent, cache.NewList(items))
	return items
}

func (u *uploader) filter(a Action) Filter {
	switch a {
	case ActionOverwrite, ActionResume, ActionRename, ActionSkip:
		return &uploadFilter{u: u, action: a}
	}
	return nil
}

func (u *uploader) transferPath(ctx context.Context, p *paths.Path) error {
	t := u.t
	if p.IsDirectory() {
		if !t.exists(ctx, p) {
			if err := t.sess.Mkdir(ctx, p); err != nil {
				return err
			}
			t.markExists(p)
		}
		u.chmod(ctx, p, true)
		p.Status.SetComplete(true)
		return nil
	}

	f, err := p.Local.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	var offset int64
	if p.Status.IsResume() {
		offset = p.Status.Current()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
	} else {
		p.Status.SetCurrent(0)
	}
	_, err = t.sess.Upload(ctx, p, canceledReader{r: f, status: p.Status}, session.StreamOptions{
		Offset:   offset,
		Limiter:  t.limiter,
		Progress: t.progress(p),
	})
	metrics.RecordPath(string(KindUpload), err == nil)
	if err != nil {
		return err
	}
	t.markExists(p)
	p.Status.SetComplete(true)
	u.chmod(ctx, p, false)
	if u.cfg.PreserveDate {
		u.preserveDate(ctx, p)
	}
	return nil
}

func (u *uploader) chmod(ctx context.Context, p *paths.Path, dir bool) {
	if !u.cfg.ChangePermissions {
		return
	}
	perm := u.t.permission(u.cfg, p.Local.Permission(), dir)
	err := u.t.sess.WritePermissions(ctx, p, perm, false)
	if err != nil && !errors.Is(err, session.ErrUnsupported) {
		u.t.logger.Warn("change remote permission", zap.String("path", p.Absolute()), zap.Error(err))
	}
}

// preserveDate copies the local timestamp to the server. When the server
// refuses and the fallback is on, the local file takes the server's
// timestamp instead so both sides agree.
func (u *uploader) preserveDate(ctx context.Context, p *paths.Path) {
	t := u.t
	err := t.sess.WriteModificationDate(ctx, p, p.Local.ModTime())
	if err == nil || !u.cfg.PreserveDateFallback {
		return
	}
	p.Attributes.Modified = time.Time{}
	if rerr := t.sess.ReadTimestamp(ctx, p); rerr != nil || p.Attributes.Modified.IsZero() {
		return
	}
	if lerr := p.Local.SetModTime(p.Attributes.Modified); lerr != nil {
		t.logger.Warn("align local modification date", zap.String("path", p.Local.Path()), zap.Error(lerr))
	}
}

type uploadFilter struct {
	u      *uploader
	action Action
}

func (f *uploadFilter) Accept(ctx context.Context, p *paths.Path) bool {
	t := f.u.t
	if p.Local == nil || !p.Local.Exists() {
		return false
	}
	t.readMissing(ctx, p, false)
	if !p.IsFile() {
		return true
	}
	switch f.action {
	case ActionResume:
		if t.exists(ctx, p) && p.Attributes.Size >= p.Local.Size() {
			p.Status.SetComplete(true)
			return false
		}
	case ActionSkip:
		if t.exists(ctx, p) {
			return false
		}
	}
	return true
}

func (f *uploadFilter) Prepare(ctx context.Context, p *paths.Path) {
	t := f.u.t
	p.Status.SetResume(false)
	switch f.action {
	case ActionRename:
		if p.IsFile() && t.exists(ctx, p) {
			parent := p.Parent()
			p.Rename(paths.UniqueName(p.Name(), func(name string) bool {
				return t.exists(ctx, paths.NewChild(parent, name, p.Type))
			}))
		}
	case ActionResume:
		if p.IsFile() && t.exists(ctx, p) && p.Attributes.Size > 0 {
			p.Status.SetResume(true)
			p.Status.SetCurrent(p.Attributes.Size)
			t.transferred.Add(p.Attributes.Size)
		}
	}
	if p.IsFile() {
		if n := p.Local.Size(); n > 0 {
			t.size.Add(n)
		}
	}
	p.Status.SetPrepared(true)
}
