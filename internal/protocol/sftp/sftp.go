package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

// Driver speaks SFTP over an SSH connection.
type Driver struct {
	conn       sshConn
	client     *sftp.Client
	transcript io.Writer
	connected  atomic.Bool
}

// New creates a disconnected SFTP driver.
func New(opts Options) *Driver {
	return &Driver{conn: sshConn{opts: opts}, transcript: io.Discard}
}

func (d *Driver) Protocol() string { return session.ProtocolSFTP }

func (d *Driver) Dial(ctx context.Context, host *session.Host, transcript io.Writer) error {
	d.transcript = transcript
	if err := d.conn.dial(ctx, host); err != nil {
		return err
	}
	fmt.Fprintf(d.transcript, "Connected to %s\n", d.conn.addr)
	d.connected.Store(true)
	return nil
}

func (d *Driver) Login(ctx context.Context, creds *session.Credentials) error {
	if err := d.conn.handshake(ctx, creds); err != nil {
		if errors.Is(err, session.ErrLoginFailed) {
			// the server closed the socket, keep the session dialable
			d.connected.Store(true)
		}
		return err
	}
	fmt.Fprintf(d.transcript, "Authenticated as %s\n", creds.Username)

	client, err := sftp.NewClient(d.conn.client)
	if err != nil {
		return fmt.Errorf("start sftp subsystem: %w", err)
	}
	d.client = client
	return nil
}

func (d *Driver) Connected() bool { return d.connected.Load() }

func (d *Driver) cmd(format string, args ...any) {
	fmt.Fprintf(d.transcript, format+"\n", args...)
}

func (d *Driver) Noop(ctx context.Context) error {
	if d.conn.connected() {
		if err := d.conn.noop(); err != nil {
			return err
		}
	}
	_, err := d.client.Getwd()
	return err
}

func (d *Driver) Workdir(ctx context.Context) (string, error) {
	d.cmd("PWD")
	return d.client.Getwd()
}

func (d *Driver) List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error) {
	d.cmd("LIST %s", dir.Absolute())
	infos, err := d.client.ReadDir(dir.Absolute())
	if err != nil {
		return nil, wrap(err)
	}
	items := make([]*paths.Path, 0, len(infos))
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		items = append(items, d.infoToPath(dir, fi))
	}
	return items, nil
}

func (d *Driver) infoToPath(dir *paths.Path, fi os.FileInfo) *paths.Path {
	t := paths.FileType
	if fi.IsDir() {
		t = paths.DirectoryType
	}
	p := paths.NewChild(dir, fi.Name(), t)
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := d.client.ReadLink(p.Absolute())
		if err == nil {
			resolved := paths.FileType
			if !path.IsAbs(target) {
				target = path.Join(dir.Absolute(), target)
			}
			if st, err := d.client.Stat(target); err == nil && st.IsDir() {
				resolved = paths.DirectoryType
			}
			p.SetSymlink(target, resolved)
		}
	}
	p.Attributes = attributes(fi)
	return p
}

func attributes(fi os.FileInfo) paths.Attributes {
	a := paths.NewAttributes()
	a.Size = fi.Size()
	if fi.IsDir() {
		a.Size = 0
	}
	a.Modified = fi.ModTime()
	a.Permission = paths.Permission(fi.Mode().Perm())
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		a.Owner = strconv.FormatUint(uint64(st.UID), 10)
		a.Group = strconv.FormatUint(uint64(st.GID), 10)
		a.Accessed = time.Unix(int64(st.Atime), 0)
	}
	return a
}

func (d *Driver) Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error) {
	fi, err := d.client.Lstat(p.Absolute())
	if err != nil {
		return paths.Attributes{}, wrap(err)
	}
	return attributes(fi), nil
}

func (d *Driver) Mkdir(ctx context.Context, p *paths.Path) error {
	d.cmd("MKDIR %s", p.Absolute())
	return wrap(d.client.Mkdir(p.Absolute()))
}

func (d *Driver) Delete(ctx context.Context, p *paths.Path) error {
	if p.IsDirectory() && !p.IsSymlink() {
		d.cmd("RMDIR %s", p.Absolute())
		return wrap(d.client.RemoveDirectory(p.Absolute()))
	}
	d.cmd("RM %s", p.Absolute())
	return wrap(d.client.Remove(p.Absolute()))
}

func (d *Driver) Rename(ctx context.Context, from, to *paths.Path) error {
	d.cmd("RENAME %s %s", from.Absolute(), to.Absolute())
	return wrap(d.client.Rename(from.Absolute(), to.Absolute()))
}

func (d *Driver) Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error {
	d.cmd("CHMOD %s %s", perm.Octal(), p.Absolute())
	return wrap(d.client.Chmod(p.Absolute(), os.FileMode(perm)))
}

func (d *Driver) Chown(ctx context.Context, p *paths.Path, owner string) error {
	uid, err := strconv.Atoi(owner)
	if err != nil {
		return fmt.Errorf("owner %q is not numeric: %w", owner, session.ErrUnsupported)
	}
	_, gid, err := d.ids(p)
	if err != nil {
		return err
	}
	d.cmd("CHOWN %d %s", uid, p.Absolute())
	return wrap(d.client.Chown(p.Absolute(), uid, gid))
}

func (d *Driver) Chgrp(ctx context.Context, p *paths.Path, group string) error {
	gid, err := strconv.Atoi(group)
	if err != nil {
		return fmt.Errorf("group %q is not numeric: %w", group, session.ErrUnsupported)
	}
	uid, _, err := d.ids(p)
	if err != nil {
		return err
	}
	d.cmd("CHGRP %d %s", gid, p.Absolute())
	return wrap(d.client.Chown(p.Absolute(), uid, gid))
}

func (d *Driver) ids(p *paths.Path) (int, int, error) {
	fi, err := d.client.Lstat(p.Absolute())
	if err != nil {
		return 0, 0, wrap(err)
	}
	st, ok := fi.Sys().(*sftp.FileStat)
	if !ok {
		return 0, 0, session.ErrUnsupported
	}
	return int(st.UID), int(st.GID), nil
}

func (d *Driver) SetModTime(ctx context.Context, p *paths.Path, t time.Time) error {
	return wrap(d.client.Chtimes(p.Absolute(), t, t))
}

func (d *Driver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	d.cmd("GET %s", p.Absolute())
	f, err := d.client.Open(p.Absolute())
	if err != nil {
		return nil, 0, wrap(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, err
		}
	}
	return f, max(offset, 0), nil
}

func (d *Driver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	d.cmd("PUT %s", p.Absolute())
	flags := os.O_WRONLY | os.O_CREATE
	if offset <= 0 {
		flags |= os.O_TRUNC
	}
	f, err := d.client.OpenFile(p.Absolute(), flags)
	if err != nil {
		return nil, wrap(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (d *Driver) Close() error {
	d.connected.Store(false)
	var err error
	if d.client != nil {
		err = d.client.Close()
		d.client = nil
	}
	if cerr := d.conn.close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Driver) Abort() {
	d.connected.Store(false)
	d.conn.abort()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%v: %w", err, session.ErrNotFound)
	}
	return err
}

var _ session.Driver = (*Driver)(nil)
