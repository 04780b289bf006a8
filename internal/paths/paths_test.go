package paths

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPath_Navigation(t *testing.T) {
	p := New("home/user//docs/", DirectoryType)
	if p.Absolute() != "/home/user/docs" {
		t.Errorf("Absolute = %q", p.Absolute())
	}
	if p.Name() != "docs" {
		t.Errorf("Name = %q", p.Name())
	}
	if p.Parent().Absolute() != "/home/user" {
		t.Errorf("Parent = %q", p.Parent().Absolute())
	}
	root := New("/", DirectoryType)
	if root.Parent() != root {
		t.Error("root should be its own parent")
	}

	child := p.Join("a.txt", FileType)
	if child.Parent() != p {
		t.Error("child should reference the parent it was created from")
	}
	if !child.IsFile() || child.IsDirectory() {
		t.Error("child should be a file")
	}
	if child.Attributes.Size != UnknownSize || child.Attributes.Permission.Known() {
		t.Error("fresh attributes should be unread")
	}

	child.Rename("b.txt")
	if child.Absolute() != "/home/user/docs/b.txt" {
		t.Errorf("renamed path = %q", child.Absolute())
	}
}

func TestPath_Symlink(t *testing.T) {
	p := New("/link", 0)
	p.SetSymlink("/var/data", DirectoryType)
	if !p.IsSymlink() || !p.IsDirectory() || p.IsFile() {
		t.Errorf("symlink to directory resolved as %s", p.Type)
	}
	if p.SymlinkTarget() != "/var/data" {
		t.Errorf("target = %q", p.SymlinkTarget())
	}
}

func TestPermission(t *testing.T) {
	p, err := ParsePermission("644")
	if err != nil {
		t.Fatalf("ParsePermission: %v", err)
	}
	if p.Octal() != "644" {
		t.Errorf("Octal = %q", p.Octal())
	}
	if p.String() != "rw-r--r--" {
		t.Errorf("String = %q", p.String())
	}
	if p.WithOwnerWriteExecute().Octal() != "744" {
		t.Errorf("WithOwnerWriteExecute = %q", p.WithOwnerWriteExecute().Octal())
	}
	if _, err := ParsePermission("9z"); err == nil {
		t.Error("expected parse error")
	}
	if NoPermission.WithOwnerWriteExecute().Known() {
		t.Error("unknown permission must stay unknown")
	}
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "sub", "file.txt"))
	if l.Exists() {
		t.Fatal("file should not exist yet")
	}
	if l.Size() != UnknownSize {
		t.Errorf("missing file size = %d", l.Size())
	}

	f, err := l.Create(false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.WriteString("hello")
	f.Close()

	f, err = l.Create(true)
	if err != nil {
		t.Fatalf("Create append: %v", err)
	}
	f.WriteString(" world")
	f.Close()

	if l.Size() != 11 {
		t.Errorf("Size = %d, want 11", l.Size())
	}
	if l.Type() != FileType {
		t.Errorf("Type = %s", l.Type())
	}

	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := l.SetModTime(ts); err != nil {
		t.Fatalf("SetModTime: %v", err)
	}
	if !l.ModTime().Equal(ts) {
		t.Errorf("ModTime = %v, want %v", l.ModTime(), ts)
	}

	if err := l.Chmod(0600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if l.Permission() != 0600 {
		t.Errorf("Permission = %s", l.Permission())
	}

	children, err := l.Parent().List()
	if err != nil || len(children) != 1 || children[0].Name() != "file.txt" {
		t.Errorf("List = %v, %v", children, err)
	}
}

func TestLocal_Unique(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"report.txt", "report-1.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	got := NewLocal(filepath.Join(dir, "report.txt")).Unique()
	if got.Name() != "report-2.txt" {
		t.Errorf("Unique = %q, want report-2.txt", got.Name())
	}
	fresh := NewLocal(filepath.Join(dir, "new.txt"))
	if fresh.Unique() != fresh {
		t.Error("non-existing file should be its own unique name")
	}
	if UniqueName(".profile", func(string) bool { return false }) != ".profile-1" {
		t.Error("dotfile without extension should get a plain suffix")
	}
}
