// Package webdav implements the session driver for WebDAV servers on top
// of the gowebdav client.
package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol"
	"github.com/yarkm13/skiff/internal/session"
)

// Options configures the WebDAV driver.
type Options struct {
	Timeout time.Duration
	// Secure reports the driver as webdavs.
	Secure bool
}

// Driver speaks WebDAV (RFC 4918). Requests do not observe the context;
// Abort closes the tracked sockets instead.
type Driver struct {
	opts Options

	base       string
	client     *gowebdav.Client
	httpc      *http.Client
	conns      protocol.Tracker
	transcript io.Writer
	connected  atomic.Bool
}

// New creates a disconnected WebDAV driver.
func New(opts Options) *Driver {
	d := &Driver{opts: opts, transcript: io.Discard}
	d.conns.Timeout = opts.Timeout
	return d
}

func (d *Driver) Protocol() string {
	if d.opts.Secure {
		return session.ProtocolWebDAVS
	}
	return session.ProtocolWebDAV
}

// transcribe writes every request line and response status.
type transcribe struct {
	d    *Driver
	next http.RoundTripper
}

func (t transcribe) RoundTrip(req *http.Request) (*http.Response, error) {
	fmt.Fprintf(t.d.transcript, "%s %s\n", req.Method, req.URL.Path)
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(t.d.transcript, "%s\n", resp.Status)
	return resp, nil
}

func (d *Driver) newClient(user, pass string) *gowebdav.Client {
	c := gowebdav.NewClient(d.base, user, pass)
	c.SetTransport(transcribe{d: d, next: d.httpc.Transport})
	if d.opts.Timeout > 0 {
		c.SetTimeout(d.opts.Timeout)
	}
	return c
}

func (d *Driver) Dial(ctx context.Context, host *session.Host, transcript io.Writer) error {
	scheme := "http"
	if host.Secure {
		scheme = "https"
	}
	d.base = (&url.URL{Scheme: scheme, Host: host.Address(), Path: "/"}).String()
	d.httpc = d.conns.HTTPClient()
	d.transcript = transcript
	d.client = d.newClient("", "")

	// credentials are sent from Login on, so a 401 still proves the server is up
	if err := d.client.Connect(); err != nil && !gowebdav.IsErrCode(err, http.StatusUnauthorized) {
		return fmt.Errorf("dial %s: %w", host.Address(), err)
	}
	d.connected.Store(true)
	return nil
}

func (d *Driver) Login(ctx context.Context, creds *session.Credentials) error {
	user, pass := "", ""
	if !creds.Anonymous() {
		user, pass = creds.Username, string(creds.Password)
	}
	d.client = d.newClient(user, pass)
	if _, err := d.client.Stat("/"); err != nil && !gowebdav.IsErrNotFound(err) {
		return classify(err)
	}
	return nil
}

func (d *Driver) Connected() bool { return d.connected.Load() }

func (d *Driver) Noop(ctx context.Context) error {
	return classify(d.client.Connect())
}

func (d *Driver) Workdir(ctx context.Context) (string, error) { return "/", nil }

// classify maps the status codes the session understands onto its
// sentinel errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case gowebdav.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", session.ErrNotFound, err)
	case gowebdav.IsErrCode(err, http.StatusUnauthorized):
		return fmt.Errorf("%w: %v", session.ErrLoginFailed, err)
	case gowebdav.IsErrCode(err, http.StatusMethodNotAllowed),
		gowebdav.IsErrCode(err, http.StatusNotImplemented):
		return fmt.Errorf("%w: %v", session.ErrUnsupported, err)
	}
	return err
}

func attributes(fi os.FileInfo) paths.Attributes {
	a := paths.NewAttributes()
	a.Size = 0
	if !fi.IsDir() {
		a.Size = fi.Size()
	}
	a.Modified = fi.ModTime()
	return a
}

func (d *Driver) List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error) {
	infos, err := d.client.ReadDir(dir.Absolute())
	if err != nil {
		return nil, classify(err)
	}
	items := make([]*paths.Path, 0, len(infos))
	for _, fi := range infos {
		t := paths.FileType
		if fi.IsDir() {
			t = paths.DirectoryType
		}
		p := paths.NewChild(dir, fi.Name(), t)
		p.Attributes = attributes(fi)
		items = append(items, p)
	}
	return items, nil
}

func (d *Driver) Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error) {
	fi, err := d.client.Stat(p.Absolute())
	if err != nil {
		return paths.Attributes{}, classify(err)
	}
	return attributes(fi), nil
}

func (d *Driver) Mkdir(ctx context.Context, p *paths.Path) error {
	return classify(d.client.Mkdir(p.Absolute(), 0755))
}

func (d *Driver) Delete(ctx context.Context, p *paths.Path) error {
	target := p.Absolute()
	if p.IsDirectory() && target != "/" {
		target += "/"
	}
	return classify(d.client.Remove(target))
}

func (d *Driver) Rename(ctx context.Context, from, to *paths.Path) error {
	return classify(d.client.Rename(from.Absolute(), to.Absolute(), true))
}

func (d *Driver) Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error {
	return session.ErrUnsupported
}

func (d *Driver) Chown(ctx context.Context, p *paths.Path, owner string) error {
	return session.ErrUnsupported
}

func (d *Driver) Chgrp(ctx context.Context, p *paths.Path, group string) error {
	return session.ErrUnsupported
}

// SetModTime is unsupported: getlastmodified is a protected property.
func (d *Driver) SetModTime(ctx context.Context, p *paths.Path, t time.Time) error {
	return session.ErrUnsupported
}

// Open asks for a byte range when resuming. The client skips the prefix
// itself when a server ignores Range, so the stream always starts at offset.
func (d *Driver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if offset > 0 {
		r, err = d.client.ReadStreamRange(p.Absolute(), offset, 0)
	} else {
		r, err = d.client.ReadStream(p.Absolute())
	}
	if err != nil {
		return nil, 0, classify(err)
	}
	return r, offset, nil
}

// Create spools the body; PUT replaces the resource so appending re-sends
// the existing prefix.
func (d *Driver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	var prefix io.Reader
	if offset > 0 {
		r, _, err := d.Open(ctx, p, 0)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		prefix = io.LimitReader(r, offset)
	}
	return protocol.Spool(prefix, func(body io.ReadSeeker, size int64) error {
		return classify(d.client.WriteStream(p.Absolute(), body, 0644))
	})
}

func (d *Driver) Close() error {
	d.connected.Store(false)
	if d.httpc != nil {
		d.httpc.CloseIdleConnections()
	}
	d.conns.CloseAll()
	return nil
}

func (d *Driver) Abort() {
	d.connected.Store(false)
	d.conns.CloseAll()
}

var _ session.Driver = (*Driver)(nil)
