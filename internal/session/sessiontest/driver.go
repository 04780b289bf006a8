// Package sessiontest provides an in-memory Driver for engine tests.
package sessiontest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

type node struct {
	dir  bool
	data []byte
	mod  time.Time
	perm paths.Permission
	user string
	grp  string
}

// Driver keeps a remote tree in memory. Hook, when set, runs before every
// call with the operation name and path and may return an error to inject
// a failure or block to simulate slow I/O.
type Driver struct {
	Name     string
	Home     string
	Password string
	// NoSeek makes Open ignore the offset, as a stream-only protocol would.
	NoSeek bool
	Hook   func(op, path string) error

	mu        sync.Mutex
	nodes     map[string]*node
	connected bool
	aborted   chan struct{}
	calls     map[string]int
}

// New creates a driver with an empty root directory.
func New() *Driver {
	d := &Driver{
		Name:    "mem",
		Home:    "/",
		nodes:   map[string]*node{"/": {dir: true, perm: 0755}},
		aborted: make(chan struct{}),
		calls:   make(map[string]int),
	}
	return d
}

// AddFile creates a file and every missing parent directory.
func (d *Driver) AddFile(p string, data []byte, mod time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = paths.Clean(p)
	d.mkdirAll(path.Dir(p))
	d.nodes[p] = &node{data: append([]byte(nil), data...), mod: mod, perm: 0644}
}

// AddDir creates a directory and its parents.
func (d *Driver) AddDir(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(paths.Clean(p))
}

func (d *Driver) mkdirAll(p string) {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := d.nodes[cur]; !ok {
			d.nodes[cur] = &node{dir: true, perm: 0755}
		}
		if cur == "/" {
			return
		}
	}
}

// File returns the content of a remote file.
func (d *Driver) File(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[paths.Clean(p)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether p is in the tree.
func (d *Driver) Exists(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[paths.Clean(p)]
	return ok
}

// ModTime returns the modification time of p.
func (d *Driver) ModTime(p string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[paths.Clean(p)]; ok {
		return n.mod
	}
	return time.Time{}
}

// Permission returns the mode of p.
func (d *Driver) Permission(p string) paths.Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[paths.Clean(p)]; ok {
		return n.perm
	}
	return paths.NoPermission
}

// Owner returns the owner and group of p.
func (d *Driver) Owner(p string) (user, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[paths.Clean(p)]; ok {
		return n.user, n.grp
	}
	return "", ""
}

// Calls returns how often op was called.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Aborted is closed by Abort; hooks can wait on it to simulate a blocked
// socket.
func (d *Driver) Aborted() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// Drop marks the connection as lost without Abort, like a server timeout.
func (d *Driver) Drop() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

func (d *Driver) enter(op, p string) error {
	d.mu.Lock()
	d.calls[op]++
	hook := d.Hook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(op, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) ready(op, p string) error {
	if err := d.enter(op, p); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return &session.ConnectionError{Host: "mem", Err: io.ErrClosedPipe}
	}
	return nil
}

func (d *Driver) Protocol() string { return d.Name }

func (d *Driver) Dial(ctx context.Context, host *session.Host, transcript io.Writer) error {
	if err := d.enter("dial", ""); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	select {
	case <-d.aborted:
		d.aborted = make(chan struct{})
	default:
	}
	d.mu.Unlock()
	fmt.Fprintf(transcript, "220 %s ready\r\n", host.Hostname)
	return nil
}

func (d *Driver) Login(ctx context.Context, creds *session.Credentials) error {
	if err := d.ready("login", ""); err != nil {
		return err
	}
	if d.Password != "" && (creds == nil || string(creds.Password) != d.Password) {
		return fmt.Errorf("530 bad password: %w", session.ErrLoginFailed)
	}
	return nil
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) Noop(ctx context.Context) error { return d.ready("noop", "") }

func (d *Driver) Workdir(ctx context.Context) (string, error) {
	if err := d.ready("workdir", ""); err != nil {
		return "", err
	}
	return d.Home, nil
}

func (d *Driver) List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error) {
	if err := d.ready("list", dir.Absolute()); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[dir.Absolute()]
	if !ok || !n.dir {
		return nil, fmt.Errorf("550 %s: %w", dir.Absolute(), session.ErrNotFound)
	}
	prefix := strings.TrimSuffix(dir.Absolute(), "/") + "/"
	var names []string
	for p := range d.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		if rest := p[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	items := make([]*paths.Path, 0, len(names))
	for _, name := range names {
		c := d.nodes[prefix+name]
		t := paths.FileType
		if c.dir {
			t = paths.DirectoryType
		}
		child := paths.NewChild(dir, name, t)
		child.Attributes = c.attributes()
		items = append(items, child)
	}
	return items, nil
}

func (n *node) attributes() paths.Attributes {
	a := paths.NewAttributes()
	a.Modified = n.mod
	a.Permission = n.perm
	a.Owner, a.Group = n.user, n.grp
	if n.dir {
		a.Size = 0
	} else {
		a.Size = int64(len(n.data))
	}
	return a
}

func (d *Driver) lookup(p string) (*node, error) {
	n, ok := d.nodes[p]
	if !ok {
		return nil, fmt.Errorf("550 %s: %w", p, session.ErrNotFound)
	}
	return n, nil
}

func (d *Driver) Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error) {
	if err := d.ready("stat", p.Absolute()); err != nil {
		return paths.Attributes{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(p.Absolute())
	if err != nil {
		return paths.Attributes{}, err
	}
	return n.attributes(), nil
}

func (d *Driver) Mkdir(ctx context.Context, p *paths.Path) error {
	if err := d.ready("mkdir", p.Absolute()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(path.Dir(p.Absolute())); err != nil {
		return err
	}
	if _, ok := d.nodes[p.Absolute()]; !ok {
		d.nodes[p.Absolute()] = &node{dir: true, perm: 0755, mod: time.Now()}
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, p *paths.Path) error {
	if err := d.ready("delete", p.Absolute()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(p.Absolute()); err != nil {
		return err
	}
	prefix := p.Absolute() + "/"
	for k := range d.nodes {
		if strings.HasPrefix(k, prefix) {
			return fmt.Errorf("550 %s: directory not empty", p.Absolute())
		}
	}
	delete(d.nodes, p.Absolute())
	return nil
}

func (d *Driver) Rename(ctx context.Context, from, to *paths.Path) error {
	if err := d.ready("rename", from.Absolute()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(from.Absolute()); err != nil {
		return err
	}
	old := from.Absolute()
	moved := map[string]*node{}
	for k, n := range d.nodes {
		if k == old || strings.HasPrefix(k, old+"/") {
			moved[to.Absolute()+k[len(old):]] = n
			delete(d.nodes, k)
		}
	}
	for k, n := range moved {
		d.nodes[k] = n
	}
	return nil
}

func (d *Driver) mutate(op string, p *paths.Path, fn func(n *node)) error {
	if err := d.ready(op, p.Absolute()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(p.Absolute())
	if err != nil {
		return err
	}
	fn(n)
	return nil
}

func (d *Driver) Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error {
	return d.mutate("chmod", p, func(n *node) { n.perm = perm })
}

func (d *Driver) Chown(ctx context.Context, p *paths.Path, owner string) error {
	return d.mutate("chown", p, func(n *node) { n.user = owner })
}

func (d *Driver) Chgrp(ctx context.Context, p *paths.Path, group string) error {
	return d.mutate("chgrp", p, func(n *node) { n.grp = group })
}

func (d *Driver) SetModTime(ctx context.Context, p *paths.Path, t time.Time) error {
	return d.mutate("mtime", p, func(n *node) { n.mod = t })
}

func (d *Driver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	if err := d.ready("open", p.Absolute()); err != nil {
		return nil, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(p.Absolute())
	if err != nil {
		return nil, 0, err
	}
	data := append([]byte(nil), n.data...)
	if d.NoSeek || offset <= 0 {
		return io.NopCloser(bytes.NewReader(data)), 0, nil
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), offset, nil
}

func (d *Driver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	if err := d.ready("create", p.Absolute()); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(path.Dir(p.Absolute())); err != nil {
		return nil, err
	}
	w := &writer{d: d, path: p.Absolute()}
	if n, ok := d.nodes[p.Absolute()]; ok && offset > 0 {
		w.buf.Write(n.data)
	}
	return w, nil
}

type writer struct {
	d    *Driver
	path string
	buf  bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	n, ok := w.d.nodes[w.path]
	if !ok {
		n = &node{perm: 0644}
		w.d.nodes[w.path] = n
	}
	n.data = append([]byte(nil), w.buf.Bytes()...)
	n.mod = time.Now()
	return nil
}

func (d *Driver) Close() error {
	_ = d.enter("close", "")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Driver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["abort"]++
	d.connected = false
	select {
	case <-d.aborted:
	default:
		close(d.aborted)
	}
}

var _ session.Driver = (*Driver)(nil)

// Resolver resolves every name to the loopback address.
type Resolver struct{}

func (Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []string{"127.0.0.1"}, nil
}
