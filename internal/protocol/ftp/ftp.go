// Package ftp implements the session driver for FTP servers.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol"
	"github.com/yarkm13/skiff/internal/session"
)

const (
	codeNotLoggedIn = 530
	codeUnavailable = 550
)

// Options configures the FTP driver.
type Options struct {
	Timeout     time.Duration
	DisableEPSV bool
	// TLS enables explicit FTPS when set.
	TLS *tls.Config
}

// Driver speaks FTP through github.com/jlaffaye/ftp. Every socket it dials
// is tracked so Abort can close them from another goroutine.
type Driver struct {
	opts Options

	client    *ftp.ServerConn
	connected atomic.Bool
	conns     protocol.Tracker

	mu      sync.Mutex
	dialCtx context.Context
}

// New creates a disconnected FTP driver.
func New(opts Options) *Driver {
	d := &Driver{opts: opts}
	d.conns.Timeout = opts.Timeout
	return d
}

func (d *Driver) Protocol() string { return session.ProtocolFTP }

func (d *Driver) dial(network, address string) (net.Conn, error) {
	d.mu.Lock()
	ctx := d.dialCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return d.conns.DialContext(ctx, network, address)
}

func (d *Driver) Dial(ctx context.Context, host *session.Host, transcript io.Writer) error {
	d.mu.Lock()
	d.dialCtx = ctx
	d.mu.Unlock()
	defer func() {
		// data connections are dialed later with their own timeout
		d.mu.Lock()
		d.dialCtx = nil
		d.mu.Unlock()
	}()

	loc := host.Timezone
	if loc == nil {
		loc = time.UTC
	}
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(d.opts.Timeout),
		ftp.DialWithDialFunc(d.dial),
		ftp.DialWithDebugOutput(transcript),
		ftp.DialWithDisabledEPSV(d.opts.DisableEPSV),
		ftp.DialWithLocation(loc),
	}
	if d.opts.TLS != nil {
		opts = append(opts, ftp.DialWithExplicitTLS(d.opts.TLS))
	}

	c, err := ftp.Dial(host.Address(), opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host.Address(), err)
	}
	d.client = c
	d.connected.Store(true)
	return nil
}

func (d *Driver) Login(ctx context.Context, creds *session.Credentials) error {
	user, pass := "anonymous", "anonymous@"
	if !creds.Anonymous() {
		user, pass = creds.Username, string(creds.Password)
	}
	if err := d.client.Login(user, pass); err != nil {
		return loginError(err)
	}
	return nil
}

func loginError(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code == codeNotLoggedIn {
		return fmt.Errorf("%s: %w", te.Msg, session.ErrLoginFailed)
	}
	return err
}

func (d *Driver) Connected() bool { return d.connected.Load() && d.client != nil }

func (d *Driver) Noop(ctx context.Context) error { return d.client.NoOp() }

func (d *Driver) Workdir(ctx context.Context) (string, error) { return d.client.CurrentDir() }

func (d *Driver) List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error) {
	entries, err := d.client.List(dir.Absolute())
	if err != nil {
		return nil, notFound(err)
	}
	items := make([]*paths.Path, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		items = append(items, entryToPath(dir, e))
	}
	return items, nil
}

func entryToPath(dir *paths.Path, e *ftp.Entry) *paths.Path {
	var p *paths.Path
	switch e.Type {
	case ftp.EntryTypeFolder:
		p = paths.NewChild(dir, e.Name, paths.DirectoryType)
	case ftp.EntryTypeLink:
		p = paths.NewChild(dir, e.Name, paths.FileType)
		resolved := paths.FileType
		if len(e.Target) > 0 && e.Target[len(e.Target)-1] == '/' {
			resolved = paths.DirectoryType
		}
		p.SetSymlink(e.Target, resolved)
	default:
		p = paths.NewChild(dir, e.Name, paths.FileType)
	}
	p.Attributes.Modified = e.Time
	if e.Type == ftp.EntryTypeFolder {
		p.Attributes.Size = 0
	} else {
		p.Attributes.Size = int64(e.Size)
	}
	return p
}

// Stat is answered by SIZE and MDTM; directories fall back to the listing.
func (d *Driver) Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error) {
	if p.IsDirectory() {
		return paths.Attributes{}, session.ErrUnsupported
	}
	attrs := paths.NewAttributes()
	size, err := d.client.FileSize(p.Absolute())
	if err != nil {
		var te *textproto.Error
		if errors.As(err, &te) {
			return attrs, session.ErrUnsupported
		}
		return attrs, err
	}
	attrs.Size = size
	if d.client.IsGetTimeSupported() {
		if t, err := d.client.GetTime(p.Absolute()); err == nil {
			attrs.Modified = t
		}
	}
	return attrs, nil
}

func (d *Driver) Mkdir(ctx context.Context, p *paths.Path) error {
	return d.client.MakeDir(p.Absolute())
}

func (d *Driver) Delete(ctx context.Context, p *paths.Path) error {
	if p.IsDirectory() && !p.IsSymlink() {
		return d.client.RemoveDir(p.Absolute())
	}
	return notFound(d.client.Delete(p.Absolute()))
}

func (d *Driver) Rename(ctx context.Context, from, to *paths.Path) error {
	return d.client.Rename(from.Absolute(), to.Absolute())
}

// Chmod needs SITE CHMOD, which the client library does not expose.
func (d *Driver) Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error {
	return session.ErrUnsupported
}

func (d *Driver) Chown(ctx context.Context, p *paths.Path, owner string) error {
	return session.ErrUnsupported
}

func (d *Driver) Chgrp(ctx context.Context, p *paths.Path, group string) error {
	return session.ErrUnsupported
}

func (d *Driver) SetModTime(ctx context.Context, p *paths.Path, t time.Time) error {
	if !d.client.IsSetTimeSupported() {
		return session.ErrUnsupported
	}
	return d.client.SetTime(p.Absolute(), t)
}

func (d *Driver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	if offset < 0 {
		offset = 0
	}
	r, err := d.client.RetrFrom(p.Absolute(), uint64(offset))
	if err != nil {
		return nil, 0, notFound(err)
	}
	return r, offset, nil
}

func (d *Driver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		var err error
		if offset > 0 {
			err = d.client.Append(p.Absolute(), pr)
		} else {
			err = d.client.Stor(p.Absolute(), pr)
		}
		pr.CloseWithError(err)
		done <- err
	}()
	return &storWriter{pw: pw, done: done}, nil
}

type storWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *storWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *storWriter) Close() error {
	w.pw.Close()
	return <-w.done
}

func (d *Driver) Close() error {
	d.connected.Store(false)
	if d.client == nil {
		return nil
	}
	err := d.client.Quit()
	d.client = nil
	return err
}

func (d *Driver) Abort() {
	d.connected.Store(false)
	d.conns.CloseAll()
}

func notFound(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code == codeUnavailable {
		return fmt.Errorf("%s: %w", te.Msg, session.ErrNotFound)
	}
	return err
}

var _ session.Driver = (*Driver)(nil)
