package transfer

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/metrics"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
	"github.com/yarkm13/skiff/internal/throttle"
)

// NewDownload creates a transfer copying the remote roots to their Local
// counterparts. Every root must have Local set.
func NewDownload(sess *session.Session, roots []*paths.Path, opts Options) *Transfer {
	t := newTransfer(sess, roots, opts)
	t.dir = newDownloader(t)
	t.limiter = throttle.New(opts.Config.Download.Bandwidth)
	return t
}

type downloader struct {
	t    *Transfer
	cfg  config.DirectionConfig
	skip *regexp.Regexp
}

func newDownloader(t *Transfer) *downloader {
	return &downloader{t: t, cfg: t.cfg.Download, skip: t.cfg.Download.SkipPattern()}
}

func (d *downloader) kind() Kind         { return KindDownload }
func (d *downloader) alwaysPrompt() bool { return false }
func (d *downloader) clear()             {}
func (d *downloader) reset()             {}

// evict drops the session's listing of p once its subtree is walked.
func (d *downloader) evict(p *paths.Path) { d.t.sess.Cache().Remove(p) }

func (d *downloader) action(resume, reload bool) Action {
	switch {
	case resume:
		return ActionResume
	case reload:
		return Action(d.cfg.ReloadFileExists)
	}
	return Action(d.cfg.FileExists)
}

func (d *downloader) destinationExists(ctx context.Context, p *paths.Path) bool {
	return d.t.localExists(p)
}

func (d *downloader) visible(p *paths.Path) bool {
	return d.skip == nil || !d.skip.MatchString(p.Name())
}

func (d *downloader) children(ctx context.Context, parent *paths.Path) []*paths.Path {
	l, err := d.t.sess.List(ctx, parent)
	if err != nil {
		d.t.fail(parent, err)
		if l == nil {
			return nil
		}
	}
	items := l.Filtered(nil, d.visible)
	for _, c := range items {
		if c.Local == nil && parent.Local != nil {
			c.Local = parent.Local.Join(c.Name())
		}
	}
	return items
}

func (d *downloader) filter(a Action) Filter {
	switch a {
	case ActionOverwrite, ActionResume, ActionRename, ActionSkip:
		return &downloadFilter{d: d, action: a}
	}
	return nil
}

func (d *downloader) transferPath(ctx context.Context, p *paths.Path) error {
	if p.IsDirectory() {
		if err := p.Local.Mkdir(); err != nil {
			return err
		}
		d.seen(p)
		d.chmod(p, true)
		p.Status.SetComplete(true)
		return nil
	}

	resume := p.Status.IsResume()
	var offset int64
	if resume {
		offset = p.Status.Current()
	} else {
		p.Status.SetCurrent(0)
	}
	f, err := p.Local.Create(resume)
	if err != nil {
		return err
	}
	_, err = d.t.sess.Download(ctx, p, canceledWriter{w: f, status: p.Status}, session.StreamOptions{
		Offset:   offset,
		Limiter:  d.t.limiter,
		Progress: d.t.progress(p),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	metrics.RecordPath(string(KindDownload), err == nil)
	if err != nil {
		return err
	}
	d.seen(p)
	p.Status.SetComplete(true)
	d.chmod(p, false)
	if d.cfg.PreserveDate && !p.Attributes.Modified.IsZero() {
		if err := p.Local.SetModTime(p.Attributes.Modified); err != nil {
			d.t.logger.Warn("preserve modification date", zap.String("path", p.Local.Path()), zap.Error(err))
		}
	}
	return nil
}

func (d *downloader) seen(p *paths.Path) {
	d.t.seen.store(d.t.seen.local, p.Local.Path(), true)
}

func (d *downloader) chmod(p *paths.Path, dir bool) {
	if !d.cfg.ChangePermissions {
		return
	}
	perm := d.t.permission(d.cfg, p.Attributes.Permission, dir)
	if dir {
		perm = perm.WithOwnerWriteExecute()
	}
	if err := p.Local.Chmod(perm); err != nil {
		d.t.logger.Warn("change local permission", zap.String("path", p.Local.Path()), zap.Error(err))
	}
}

type downloadFilter struct {
	d      *downloader
	action Action
}

func (f *downloadFilter) Accept(ctx context.Context, p *paths.Path) bool {
	t := f.d.t
	t.readMissing(ctx, p, f.d.cfg.ChangePermissions && !f.d.cfg.PermissionsUseDefault)
	if !p.IsFile() {
		return true
	}
	switch f.action {
	case ActionResume:
		if t.localExists(p) && p.Attributes.Size >= 0 && p.Local.Size() >= p.Attributes.Size {
			// nothing left to fetch
			p.Status.SetComplete(true)
			return false
		}
	case ActionSkip:
		if t.localExists(p) {
			return false
		}
	}
	return true
}

func (f *downloadFilter) Prepare(ctx context.Context, p *paths.Path) {
	t := f.d.t
	p.Status.SetResume(false)
	switch f.action {
	case ActionRename:
		if p.IsFile() && t.localExists(p) {
			p.Local = p.Local.Unique()
		}
	case ActionResume:
		if p.IsFile() && t.localExists(p) {
			if cur := p.Local.Size(); cur > 0 {
				p.Status.SetResume(true)
				p.Status.SetCurrent(cur)
				t.transferred.Add(cur)
			}
		}
	}
	if p.IsFile() && p.Attributes.Size > 0 {
		t.size.Add(p.Attributes.Size)
	}
	p.Status.SetPrepared(true)
}
