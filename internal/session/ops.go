package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/cache"
	"github.com/yarkm13/skiff/internal/paths"
)

// run brackets fn with activity events, makes sure the connection is
// alive and maps the result onto the error taxonomy. The caller holds mu.
func (s *Session) run(ctx context.Context, op string, p *paths.Path, fn func(ctx context.Context) error) error {
	s.fire(ActivityStarted)
	defer s.fire(ActivityStopped)

	if err := s.check(ctx); err != nil {
		return s.report(p, err)
	}
	ctx, done := s.operationContext(ctx)
	defer done()
	return s.report(p, s.classify(op, p, fn(ctx)))
}

func (s *Session) do(ctx context.Context, op string, p *paths.Path, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, op, p, fn)
}

// List returns the children of dir, from the cache when a clean listing
// is there. A listing the server refuses is cached as an empty, unreadable
// list and returned together with the error.
func (s *Session) List(ctx context.Context, dir *paths.Path) (*cache.AttributedList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(ctx, dir)
}

func (s *Session) list(ctx context.Context, dir *paths.Path) (*cache.AttributedList, error) {
	if s.cache.IsValid(dir) {
		return s.cache.Get(dir), nil
	}
	s.Message("Listing directory %s", dir.Absolute())

	var items []*paths.Path
	err := s.run(ctx, "list", dir, func(ctx context.Context) error {
		var err error
		items, err = s.driver.List(ctx, dir)
		return err
	})
	if err != nil {
		if !isOperation(err) {
			return nil, err
		}
		l := cache.NewList(nil)
		l.Attributes().SetReadable(false)
		s.cache.Put(dir, l)
		return l, err
	}
	for _, item := range items {
		item.SetParent(dir)
	}
	l := cache.NewList(items)
	s.cache.Put(dir, l)
	return l, nil
}

// Exists reports whether p is present in its parent's listing.
func (s *Session) Exists(ctx context.Context, p *paths.Path) (bool, error) {
	if p.IsRoot() {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.list(ctx, p.Parent())
	if err != nil && !isOperation(err) {
		return false, err
	}
	return l.Contains(p.Absolute()), nil
}

// readAttributes fills p's attributes from a stat, or from the parent
// listing when the driver cannot stat.
func (s *Session) readAttributes(ctx context.Context, p *paths.Path) error {
	var attrs paths.Attributes
	err := s.run(ctx, "stat", p, func(ctx context.Context) error {
		var err error
		attrs, err = s.driver.Stat(ctx, p)
		return err
	})
	if errors.Is(err, ErrUnsupported) {
		l, lerr := s.list(ctx, p.Parent())
		if lerr != nil {
			return lerr
		}
		child := l.Get(p.Absolute())
		if child == nil {
			return &OperationError{Op: "stat", Path: p.Absolute(), Err: ErrNotFound}
		}
		attrs, err = child.Attributes, nil
	}
	if err != nil {
		return err
	}
	merge(&p.Attributes, attrs)
	return nil
}

func merge(dst *paths.Attributes, src paths.Attributes) {
	if dst.Size == paths.UnknownSize {
		dst.Size = src.Size
	}
	if dst.Modified.IsZero() {
		dst.Modified = src.Modified
	}
	if dst.Accessed.IsZero() {
		dst.Accessed = src.Accessed
	}
	if !dst.Permission.Known() {
		dst.Permission = src.Permission
	}
	if dst.Owner == "" {
		dst.Owner = src.Owner
	}
	if dst.Group == "" {
		dst.Group = src.Group
	}
}

// ReadSize fills p's size if it is unknown.
func (s *Session) ReadSize(ctx context.Context, p *paths.Path) error {
	if p.Attributes.Size != paths.UnknownSize {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message("Getting size of %s", p.Name())
	return s.readAttributes(ctx, p)
}

// ReadTimestamp fills p's modification time if it is unknown.
func (s *Session) ReadTimestamp(ctx context.Context, p *paths.Path) error {
	if !p.Attributes.Modified.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message("Getting timestamp of %s", p.Name())
	return s.readAttributes(ctx, p)
}

// ReadPermission fills p's permission bits if they are unknown.
func (s *Session) ReadPermission(ctx context.Context, p *paths.Path) error {
	if p.Attributes.Permission.Known() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message("Getting permission of %s", p.Name())
	return s.readAttributes(ctx, p)
}

// Mkdir creates the directory p.
func (s *Session) Mkdir(ctx context.Context, p *paths.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message("Make directory %s", p.Name())
	defer s.cache.Invalidate(p.Parent())
	defer s.cache.Remove(p)
	return s.run(ctx, "mkdir", p, func(ctx context.Context) error {
		return s.driver.Mkdir(ctx, p)
	})
}

// Delete removes p; directories are emptied first.
func (s *Session) Delete(ctx context.Context, p *paths.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ctx, p)
}

func (s *Session) delete(ctx context.Context, p *paths.Path) error {
	defer s.cache.Invalidate(p.Parent())
	if p.IsDirectory() && !p.IsSymlink() {
		s.cache.Invalidate(p)
		l, err := s.list(ctx, p)
		if err != nil {
			return err
		}
		for _, child := range l.Items() {
			if err := s.delete(ctx, child); err != nil {
				return err
			}
		}
		s.cache.Remove(p)
	}
	s.Message("Deleting %s", p.Name())
	return s.run(ctx, "delete", p, func(ctx context.Context) error {
		return s.driver.Delete(ctx, p)
	})
}

// Rename moves from to the location of to.
func (s *Session) Rename(ctx context.Context, from, to *paths.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message("Renaming %s to %s", from.Name(), to.Absolute())
	defer func() {
		s.cache.Invalidate(from.Parent())
		s.cache.Invalidate(to.Parent())
	}()
	return s.run(ctx, "rename", from, func(ctx context.Context) error {
		return s.driver.Rename(ctx, from, to)
	})
}

// WritePermissions sets perm on p, and on every descendant when recursive.
func (s *Session) WritePermissions(ctx context.Context, p *paths.Path, perm paths.Permission, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walkMutation(ctx, p, recursive, func(ctx context.Context, q *paths.Path) error {
		s.Message("Changing permission of %s to %s", q.Name(), perm.Octal())
		err := s.run(ctx, "chmod", q, func(ctx context.Context) error {
			return s.driver.Chmod(ctx, q, perm)
		})
		if err == nil {
			q.Attributes.Permission = perm
		}
		return err
	})
}

// WriteOwner changes the owner of p.
func (s *Session) WriteOwner(ctx context.Context, p *paths.Path, owner string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walkMutation(ctx, p, recursive, func(ctx context.Context, q *paths.Path) error {
		s.Message("Changing owner of %s to %s", q.Name(), owner)
		err := s.run(ctx, "chown", q, func(ctx context.Context) error {
			return s.driver.Chown(ctx, q, owner)
		})
		if err == nil {
			q.Attributes.Owner = owner
		}
		return err
	})
}

// WriteGroup changes the group of p.
func (s *Session) WriteGroup(ctx context.Context, p *paths.Path, group string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walkMutation(ctx, p, recursive, func(ctx context.Context, q *paths.Path) error {
		s.Message("Changing group of %s to %s", q.Name(), group)
		err := s.run(ctx, "chgrp", q, func(ctx context.Context) error {
			return s.driver.Chgrp(ctx, q, group)
		})
		if err == nil {
			q.Attributes.Group = group
		}
		return err
	})
}

func (s *Session) walkMutation(ctx context.Context, p *paths.Path, recursive bool, fn func(context.Context, *paths.Path) error) error {
	defer s.cache.Invalidate(p.Parent())
	if recursive && p.IsDirectory() && !p.IsSymlink() {
		l, err := s.list(ctx, p)
		if err != nil {
			return err
		}
		for _, child := range l.Items() {
			if err := s.walkMutation(ctx, child, true, fn); err != nil {
				return err
			}
		}
		s.cache.Invalidate(p)
	}
	return fn(ctx, p)
}

// WriteModificationDate sets the remote modification time of p.
func (s *Session) WriteModificationDate(ctx context.Context, p *paths.Path, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cache.Invalidate(p.Parent())
	err := s.run(ctx, "mtime", p, func(ctx context.Context) error {
		return s.driver.SetModTime(ctx, p, t)
	})
	if err == nil {
		p.Attributes.Modified = t
	} else {
		s.logger.Debug("set modification date", zap.String("path", p.Absolute()), zap.Error(err))
	}
	return err
}
