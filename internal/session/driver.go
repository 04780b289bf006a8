package session

import (
	"context"
	"io"
	"time"

	"github.com/yarkm13/skiff/internal/paths"
)

// Driver speaks one wire protocol. A Session never calls two Driver
// methods at once, with the exception of Abort, which may run on any
// goroutine while another call is blocked in I/O.
type Driver interface {
	Protocol() string

	// Dial opens the transport. Wire traffic is written to transcript one
	// line at a time.
	Dial(ctx context.Context, host *Host, transcript io.Writer) error
	// Login authenticates; rejected credentials wrap ErrLoginFailed.
	Login(ctx context.Context, creds *Credentials) error
	Connected() bool
	Noop(ctx context.Context) error
	// Workdir returns the directory the server placed the session in.
	Workdir(ctx context.Context) (string, error)

	// List returns the children of dir, built with paths.NewChild.
	List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error)
	// Stat reads the attributes of p. Drivers without a cheap stat return
	// ErrUnsupported and the Session falls back to the parent listing.
	Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error)
	Mkdir(ctx context.Context, p *paths.Path) error
	// Delete removes a file or an empty directory.
	Delete(ctx context.Context, p *paths.Path) error
	Rename(ctx context.Context, from, to *paths.Path) error
	Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error
	Chown(ctx context.Context, p *paths.Path, owner string) error
	Chgrp(ctx context.Context, p *paths.Path, group string) error
	SetModTime(ctx context.Context, p *paths.Path, t time.Time) error

	// Open reads p starting at offset. The returned position is where the
	// stream actually starts; a driver that cannot seek returns 0 and the
	// Session skips forward itself.
	Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error)
	// Create writes p. An offset greater than zero appends to the
	// existing content.
	Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error)

	Close() error
	// Abort force-closes the transport so blocked calls fail. Connected
	// reports false afterwards.
	Abort()
}
