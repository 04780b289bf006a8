package sftp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

// memDriver connects a Driver to an in-memory SFTP server over pipes.
func memDriver(t *testing.T) *Driver {
	t.Helper()
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite}, sftp.InMemHandler())
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		t.Fatal(err)
	}
	d := New(Options{})
	d.client = client
	d.connected.Store(true)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return d
}

func TestDriver_FileOperations(t *testing.T) {
	d := memDriver(t)
	ctx := context.Background()
	root := paths.New("/", paths.DirectoryType)
	dir := paths.NewChild(root, "docs", paths.DirectoryType)

	if err := d.Mkdir(ctx, dir); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	file := paths.NewChild(dir, "a.txt", paths.FileType)
	w, err := d.Create(ctx, file, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(w, "hello world"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	items, err := d.List(ctx, dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Name() != "a.txt" || items[0].Attributes.Size != 11 {
		t.Fatalf("unexpected listing %v", items)
	}

	r, start, err := d.Open(ctx, file, 6)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if start != 6 || string(got) != "world" {
		t.Errorf("start=%d content=%q", start, got)
	}

	attrs, err := d.Stat(ctx, file)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attrs.Size != 11 {
		t.Errorf("stat size %d", attrs.Size)
	}

	moved := paths.NewChild(dir, "b.txt", paths.FileType)
	if err := d.Rename(ctx, file, moved); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := d.Stat(ctx, file); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("old name should be gone, got %v", err)
	}

	if err := d.Delete(ctx, moved); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if err := d.Delete(ctx, dir); err != nil {
		t.Fatalf("Delete dir: %v", err)
	}
	if _, err := d.List(ctx, dir); err == nil {
		t.Errorf("deleted directory should not list, got %v", err)
	}
}

func TestDriver_Workdir(t *testing.T) {
	d := memDriver(t)
	wd, err := d.Workdir(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if wd != "/" {
		t.Errorf("workdir %q", wd)
	}
	if err := d.Noop(context.Background()); err != nil {
		t.Errorf("Noop: %v", err)
	}
	d.Abort()
	if d.Connected() {
		t.Error("Abort must mark the driver disconnected")
	}
}

func TestKnownHosts(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	prompts := 0
	answer := false
	k := NewKnownHosts(session.HostKeyPromptFunc(func(host, keyType, fingerprint string) (bool, error) {
		prompts++
		if !strings.HasPrefix(fingerprint, "SHA256:") {
			t.Errorf("unexpected fingerprint %q", fingerprint)
		}
		return answer, nil
	}))

	err = k.Callback("example.com:22", nil, key)
	if !errors.Is(err, session.ErrLoginCanceled) {
		t.Fatalf("rejected key should cancel login, got %v", err)
	}
	answer = true
	if err := k.Callback("example.com:22", nil, key); err != nil {
		t.Fatal(err)
	}
	if err := k.Callback("example.com:22", nil, key); err != nil {
		t.Fatal(err)
	}
	if prompts != 2 {
		t.Errorf("accepted key should be remembered, prompted %d times", prompts)
	}

	if err := NewKnownHosts(nil).Callback("example.com:22", nil, key); err == nil {
		t.Error("unknown key without a prompt must be rejected")
	}
}

func TestSCP_ReadHeader(t *testing.T) {
	cases := []struct {
		stream string
		size   int64
		err    string
	}{
		{"C0644 11 a.txt\n", 11, ""},
		{"T1600000000 0 1600000000 0\nC0600 3 b\n", 3, ""},
		{"\x01scp: /x: No such file or directory\n", 0, "No such file"},
		{"garbage\n", 0, "unexpected SCP metadata"},
		{"C0644 abc a\n", 0, "invalid file size"},
	}
	for _, tc := range cases {
		size, err := readHeader(bufio.NewReader(strings.NewReader(tc.stream)))
		if tc.err != "" {
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("%q: expected error containing %q, got %v", tc.stream, tc.err, err)
			}
			continue
		}
		if err != nil || size != tc.size {
			t.Errorf("%q: size=%d err=%v", tc.stream, size, err)
		}
	}
}

func TestSCP_WriteFile(t *testing.T) {
	// the remote acknowledges ready, header and data
	acks := bufio.NewReader(bytes.NewReader([]byte{0, 0, 0}))
	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	if err := writeFile(acks, w, 0640, "c.txt", strings.NewReader("data"), 4); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "C0640 4 c.txt\ndata\x00" {
		t.Errorf("unexpected stream %q", got)
	}

	refused := bufio.NewReader(strings.NewReader("\x02scp: permission denied\n"))
	err := writeFile(refused, bufio.NewWriter(io.Discard), 0644, "c", strings.NewReader(""), 0)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected remote error, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("/it's here"); got != `'/it'\''s here'` {
		t.Errorf("quote = %s", got)
	}
}
