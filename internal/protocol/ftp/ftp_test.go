package ftp

import (
	"errors"
	"fmt"
	"net/textproto"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

func TestEntryToPath(t *testing.T) {
	dir := paths.New("/pub", paths.DirectoryType)
	mod := time.Date(2021, 5, 6, 7, 8, 0, 0, time.UTC)

	cases := []struct {
		entry   ftp.Entry
		isDir   bool
		isLink  bool
		size    int64
		absPath string
	}{
		{ftp.Entry{Name: "a.txt", Type: ftp.EntryTypeFile, Size: 42, Time: mod}, false, false, 42, "/pub/a.txt"},
		{ftp.Entry{Name: "sub", Type: ftp.EntryTypeFolder, Size: 4096, Time: mod}, true, false, 0, "/pub/sub"},
		{ftp.Entry{Name: "latest", Type: ftp.EntryTypeLink, Target: "releases/", Time: mod}, true, true, 0, "/pub/latest"},
	}
	for _, tc := range cases {
		t.Run(tc.entry.Name, func(t *testing.T) {
			e := tc.entry
			p := entryToPath(dir, &e)
			if p.Absolute() != tc.absPath || p.IsDirectory() != tc.isDir || p.IsSymlink() != tc.isLink {
				t.Errorf("unexpected path %s dir=%v link=%v", p, p.IsDirectory(), p.IsSymlink())
			}
			if p.Attributes.Size != tc.size || !p.Attributes.Modified.Equal(mod) {
				t.Errorf("unexpected attributes %+v", p.Attributes)
			}
			if p.Parent() != dir {
				t.Error("parent should be the listed directory")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	rejected := &textproto.Error{Code: 530, Msg: "Login incorrect."}
	if err := loginError(rejected); !errors.Is(err, session.ErrLoginFailed) {
		t.Errorf("530 should map to ErrLoginFailed, got %v", err)
	}
	other := fmt.Errorf("dial: %w", errors.New("refused"))
	if err := loginError(other); errors.Is(err, session.ErrLoginFailed) {
		t.Error("transport errors are not login failures")
	}

	missing := &textproto.Error{Code: 550, Msg: "No such file"}
	if err := notFound(missing); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("550 should map to ErrNotFound, got %v", err)
	}
	if notFound(nil) != nil {
		t.Error("nil stays nil")
	}
}

func TestAbortWithoutConnection(t *testing.T) {
	d := New(Options{})
	d.Abort()
	if d.Connected() {
		t.Error("fresh driver must not report connected")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close on idle driver: %v", err)
	}
}
