package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Local is an entry on the local file system.
type Local struct {
	path string
}

// NewLocal returns a Local for the given path, made absolute when possible.
func NewLocal(p string) *Local {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return &Local{path: filepath.Clean(p)}
}

func (l *Local) Path() string   { return l.path }
func (l *Local) Name() string   { return filepath.Base(l.path) }
func (l *Local) String() string { return l.path }

// Parent returns the containing directory.
func (l *Local) Parent() *Local { return &Local{path: filepath.Dir(l.path)} }

// Join returns the child entry name.
func (l *Local) Join(name string) *Local {
	return &Local{path: filepath.Join(l.path, name)}
}

// Stat follows symbolic links.
func (l *Local) Stat() (fs.FileInfo, error) { return os.Stat(l.path) }

// Exists reports whether the entry is present.
func (l *Local) Exists() bool {
	_, err := os.Lstat(l.path)
	return err == nil
}

// IsDir reports whether the entry is a directory.
func (l *Local) IsDir() bool {
	info, err := os.Stat(l.path)
	return err == nil && info.IsDir()
}

// Type returns the path type flags of the local entry, or 0 if missing.
func (l *Local) Type() Type {
	info, err := os.Lstat(l.path)
	if err != nil {
		return 0
	}
	var t Type
	if info.Mode()&os.ModeSymlink != 0 {
		t |= SymlinkType
		if target, err := os.Stat(l.path); err == nil {
			if target.IsDir() {
				return t | DirectoryType
			}
			return t | FileType
		}
		return t
	}
	if info.IsDir() {
		return DirectoryType
	}
	return FileType
}

// Size returns the file length or UnknownSize if the entry is missing.
func (l *Local) Size() int64 {
	info, err := os.Stat(l.path)
	if err != nil {
		return UnknownSize
	}
	if info.IsDir() {
		return 0
	}
	return info.Size()
}

// ModTime returns the modification time or the zero time if missing.
func (l *Local) ModTime() time.Time {
	info, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Permission returns the permission bits or NoPermission if missing.
func (l *Local) Permission() Permission {
	info, err := os.Stat(l.path)
	if err != nil {
		return NoPermission
	}
	return Permission(info.Mode().Perm())
}

// Mkdir creates the directory and any missing parents.
func (l *Local) Mkdir() error {
	if err := os.MkdirAll(l.path, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// Open opens the file for reading.
func (l *Local) Open() (*os.File, error) {
	return os.Open(l.path)
}

// Create opens the file for writing, creating parents as needed. With
// appendMode the existing content is kept and writes go to the end.
func (l *Local) Create(appendMode bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	flag := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(l.path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	return f, nil
}

// SetModTime writes the modification time.
func (l *Local) SetModTime(t time.Time) error {
	return os.Chtimes(l.path, t, t)
}

// Chmod writes the permission bits.
func (l *Local) Chmod(p Permission) error {
	if !p.Known() {
		return nil
	}
	return os.Chmod(l.path, os.FileMode(p))
}

// Delete removes the entry and, for directories, everything below it.
func (l *Local) Delete() error {
	return os.RemoveAll(l.path)
}

// List returns the children of a directory sorted by name.
func (l *Local) List() ([]*Local, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return nil, err
	}
	children := make([]*Local, 0, len(entries))
	for _, e := range entries {
		children = append(children, l.Join(e.Name()))
	}
	sort.Slice(children, func(i, j int) bool { return children[i].path < children[j].path })
	return children, nil
}

// Unique returns the first sibling "name-N.ext" that does not exist yet.
func (l *Local) Unique() *Local {
	if !l.Exists() {
		return l
	}
	return &Local{path: filepath.Join(filepath.Dir(l.path), UniqueName(l.Name(), func(name string) bool {
		_, err := os.Lstat(filepath.Join(filepath.Dir(l.path), name))
		return err == nil || !errors.Is(err, fs.ErrNotExist)
	}))}
}

// UniqueName derives "base-N.ext" for the smallest N where taken reports false.
func UniqueName(name string, taken func(string) bool) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
