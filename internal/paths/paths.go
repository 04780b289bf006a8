// Package paths models remote and local file system entries.
package paths

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Type is a set of flags describing what kind of entry a Path is.
type Type uint8

const (
	FileType Type = 1 << iota
	DirectoryType
	SymlinkType
	VolumeType
)

func (t Type) String() string {
	var parts []string
	if t&FileType != 0 {
		parts = append(parts, "file")
	}
	if t&DirectoryType != 0 {
		parts = append(parts, "directory")
	}
	if t&SymlinkType != 0 {
		parts = append(parts, "symlink")
	}
	if t&VolumeType != 0 {
		parts = append(parts, "volume")
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// UnknownSize marks a size that has not been read yet.
const UnknownSize int64 = -1

// Permission holds POSIX permission bits. NoPermission marks an unread value.
type Permission int

const NoPermission Permission = -1

// ParsePermission parses an octal string such as "644" or "0755".
func ParsePermission(s string) (Permission, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return NoPermission, fmt.Errorf("invalid permission %q: %w", s, err)
	}
	return Permission(n & 07777), nil
}

// Known reports whether the permission has been read.
func (p Permission) Known() bool { return p >= 0 }

// Octal returns the three or four digit octal form.
func (p Permission) Octal() string {
	if !p.Known() {
		return ""
	}
	return fmt.Sprintf("%03o", int(p))
}

// WithOwnerWriteExecute sets the owner write and execute bits.
func (p Permission) WithOwnerWriteExecute() Permission {
	if !p.Known() {
		return p
	}
	return p | 0300
}

func (p Permission) String() string {
	if !p.Known() {
		return "unknown"
	}
	const rwx = "rwxrwxrwx"
	b := []byte("---------")
	for i := 0; i < 9; i++ {
		if int(p)&(1<<(8-i)) != 0 {
			b[i] = rwx[i]
		}
	}
	return string(b)
}

// Attributes is the metadata record of a Path. Fields are filled lazily;
// unread values are UnknownSize, the zero time and NoPermission.
type Attributes struct {
	Size       int64
	Modified   time.Time
	Accessed   time.Time
	Owner      string
	Group      string
	Permission Permission
}

// NewAttributes returns attributes with every field unread.
func NewAttributes() Attributes {
	return Attributes{Size: UnknownSize, Permission: NoPermission}
}

// Path identifies one remote entry. Its Local field is the counterpart on
// the local file system for transfers.
type Path struct {
	abs    string
	parent *Path

	Type       Type
	Attributes Attributes

	// symlink target and the cached type it resolves to
	target     string
	targetType Type

	Local  *Local
	Status *Status
}

// New creates a path for an absolute remote location.
func New(abs string, t Type) *Path {
	abs = Clean(abs)
	return &Path{
		abs:        abs,
		Type:       t,
		Attributes: NewAttributes(),
		Status:     &Status{},
	}
}

// NewChild creates a child entry of parent.
func NewChild(parent *Path, name string, t Type) *Path {
	p := New(path.Join(parent.abs, name), t)
	p.parent = parent
	return p
}

// Clean normalizes a remote path to an absolute slash separated form.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Absolute returns the absolute remote path.
func (p *Path) Absolute() string { return p.abs }

// Name returns the last element of the path.
func (p *Path) Name() string {
	if p.abs == "/" {
		return "/"
	}
	return path.Base(p.abs)
}

// IsRoot reports whether p is the root directory.
func (p *Path) IsRoot() bool { return p.abs == "/" }

// Parent returns the parent directory. The root is its own parent.
func (p *Path) Parent() *Path {
	if p.parent != nil {
		return p.parent
	}
	if p.IsRoot() {
		return p
	}
	p.parent = New(path.Dir(p.abs), DirectoryType)
	return p.parent
}

// SetParent replaces the back-reference used by Parent.
func (p *Path) SetParent(parent *Path) { p.parent = parent }

// Rename moves p to a new name inside its parent, keeping attributes.
func (p *Path) Rename(name string) {
	p.abs = path.Join(p.Parent().abs, name)
}

// SetSymlink marks p as a symbolic link to target, caching the resolved type.
func (p *Path) SetSymlink(target string, resolved Type) {
	p.Type |= SymlinkType
	p.target = target
	p.targetType = resolved
}

// SymlinkTarget returns the link target or the empty string.
func (p *Path) SymlinkTarget() string { return p.target }

// IsSymlink reports whether p is a symbolic link.
func (p *Path) IsSymlink() bool { return p.Type&SymlinkType != 0 }

// IsDirectory reports whether p is a directory or a link to one.
func (p *Path) IsDirectory() bool {
	if p.Type&DirectoryType != 0 {
		return true
	}
	return p.IsSymlink() && p.targetType&DirectoryType != 0
}

// IsFile reports whether p is a plain file or a link to one.
func (p *Path) IsFile() bool {
	if p.Type&FileType != 0 {
		return true
	}
	return p.IsSymlink() && p.targetType&FileType != 0
}

// Join returns a child path of p for name, with a matching local
// counterpart if p has one.
func (p *Path) Join(name string, t Type) *Path {
	child := NewChild(p, name, t)
	if p.Local != nil {
		child.Local = p.Local.Join(name)
	}
	return child
}

func (p *Path) String() string { return p.abs }
