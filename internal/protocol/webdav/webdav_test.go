package webdav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/studio-b12/gowebdav"
	"golang.org/x/net/webdav"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

func server(t *testing.T) *session.Host {
	t.Helper()
	dav := &webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "me" || p != "pw" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		dav.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return &session.Host{Protocol: session.ProtocolWebDAV, Hostname: host, Port: p}
}

func dial(t *testing.T, h *session.Host, creds *session.Credentials) (*Driver, error) {
	t.Helper()
	d := New(Options{})
	if err := d.Dial(context.Background(), h, io.Discard); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, d.Login(context.Background(), creds)
}

func TestLogin(t *testing.T) {
	h := server(t)
	if _, err := dial(t, h, &session.Credentials{Username: "me", Password: []byte("nope")}); !errors.Is(err, session.ErrLoginFailed) {
		t.Fatalf("expected login failure, got %v", err)
	}
	d, err := dial(t, h, &session.Credentials{Username: "me", Password: []byte("pw")})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Connected() {
		t.Error("driver should be connected after login")
	}
	if err := d.Noop(context.Background()); err != nil {
		t.Errorf("Noop: %v", err)
	}
}

func TestDriver_FileOperations(t *testing.T) {
	d, err := dial(t, server(t), &session.Credentials{Username: "me", Password: []byte("pw")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	root := paths.New("/", paths.DirectoryType)
	dir := paths.NewChild(root, "docs", paths.DirectoryType)

	if err := d.Mkdir(ctx, dir); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	file := paths.NewChild(dir, "a.txt", paths.FileType)
	w, err := d.Create(ctx, file, 0)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "hello")
	if err := w.Close(); err != nil {
		t.Fatalf("PUT: %v", err)
	}

	t.Run("append re-sends the prefix", func(t *testing.T) {
		w, err := d.Create(ctx, file, 5)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, " world")
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	})

	items, err := d.List(ctx, dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Name() != "a.txt" || items[0].Attributes.Size != 11 {
		t.Fatalf("unexpected listing %v", items)
	}
	if items[0].Attributes.Modified.IsZero() {
		t.Error("listing should carry the modification date")
	}

	rootItems, err := d.List(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(rootItems) != 1 || !rootItems[0].IsDirectory() {
		t.Errorf("root should hold one directory, got %v", rootItems)
	}

	r, start, err := d.Open(ctx, file, 6)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	io.Copy(&buf, r)
	r.Close()
	if start != 6 || buf.String() != "world" {
		t.Errorf("ranged GET start=%d body=%q", start, buf.String())
	}

	attrs, err := d.Stat(ctx, file)
	if err != nil || attrs.Size != 11 {
		t.Errorf("Stat: %+v %v", attrs, err)
	}

	moved := paths.NewChild(dir, "b.txt", paths.FileType)
	if err := d.Rename(ctx, file, moved); err != nil {
		t.Fatalf("MOVE: %v", err)
	}
	if _, err := d.Stat(ctx, file); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("source should be gone, got %v", err)
	}
	if err := d.Delete(ctx, moved); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := d.List(ctx, dir); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("deleted collection should be missing, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{code: http.StatusNotFound, want: session.ErrNotFound},
		{code: http.StatusUnauthorized, want: session.ErrLoginFailed},
		{code: http.StatusMethodNotAllowed, want: session.ErrUnsupported},
		{code: http.StatusNotImplemented, want: session.ErrUnsupported},
	}
	for _, tt := range tests {
		err := classify(gowebdav.NewPathError("PROPFIND", "/x", tt.code))
		if !errors.Is(err, tt.want) {
			t.Errorf("%d: got %v, want %v", tt.code, err, tt.want)
		}
	}
	if err := classify(gowebdav.NewPathError("PUT", "/x", http.StatusForbidden)); errors.Is(err, session.ErrNotFound) || err == nil {
		t.Errorf("403 should pass through, got %v", err)
	}
	if classify(nil) != nil {
		t.Error("nil stays nil")
	}
}

func TestDriver_Transcript(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{})
	if err := d.Dial(context.Background(), server(t), &buf); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Login(context.Background(), &session.Credentials{Username: "me", Password: []byte("pw")}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "OPTIONS /\n") || !strings.Contains(buf.String(), "PROPFIND /") {
		t.Errorf("transcript %q", buf.String())
	}
}
