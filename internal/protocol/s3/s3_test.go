package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

const listBuckets = `<?xml version="1.0" encoding="UTF-8"?>
<ListAllMyBucketsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Owner><ID>1</ID><DisplayName>me</DisplayName></Owner>
<Buckets><Bucket><Name>media</Name><CreationDate>2021-01-02T03:04:05.000Z</CreationDate></Bucket></Buckets>
</ListAllMyBucketsResult>`

const listObjects = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>media</Name><Prefix>docs/</Prefix><KeyCount>3</KeyCount><MaxKeys>1000</MaxKeys>
<Delimiter>/</Delimiter><IsTruncated>false</IsTruncated>
<Contents><Key>docs/</Key><LastModified>2021-01-02T03:04:05.000Z</LastModified><ETag>"d41d8cd98f00b204e9800998ecf8427e"</ETag><Size>0</Size><StorageClass>STANDARD</StorageClass></Contents>
<Contents><Key>docs/a.txt</Key><LastModified>2021-01-02T03:04:05.000Z</LastModified><ETag>"5d41402abc4b2a76b9719d911017c592"</ETag><Size>5</Size><StorageClass>STANDARD</StorageClass></Contents>
<CommonPrefixes><Prefix>docs/sub/</Prefix></CommonPrefixes>
</ListBucketResult>`

const accessDenied = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>InvalidAccessKeyId</Code><Message>The AWS Access Key Id you provided does not exist in our records.</Message></Error>`

// fakeStore answers the handful of requests the tests make.
func fakeStore(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		switch {
		case r.URL.Path == "/" && r.Method == http.MethodGet:
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(accessDenied))
				return
			}
			w.Write([]byte(listBuckets))
		case r.URL.Path == "/media" && r.URL.Query().Get("list-type") == "2":
			w.Write([]byte(listObjects))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *httptest.Server, creds *session.Credentials) (*Driver, error) {
	t.Helper()
	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	h := &session.Host{Protocol: session.ProtocolS3, Hostname: host, Port: p}

	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	d := New(Options{})
	if err := d.Dial(context.Background(), h, io.Discard); err != nil {
		t.Fatal(err)
	}
	return d, d.Login(context.Background(), creds)
}

func TestDriver_ListBucketsAndObjects(t *testing.T) {
	srv := fakeStore(t)
	d, err := connect(t, srv, &session.Credentials{Username: "key", Password: []byte("secret")})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	ctx := context.Background()

	root := paths.New("/", paths.DirectoryType)
	buckets, err := d.List(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].Name() != "media" || !buckets[0].IsDirectory() {
		t.Fatalf("unexpected buckets %v", buckets)
	}

	items, err := d.List(ctx, paths.New("/media/docs", paths.DirectoryType))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected the sub prefix and one object, got %v", items)
	}
	if items[0].Absolute() != "/media/docs/sub" || !items[0].IsDirectory() {
		t.Errorf("unexpected prefix entry %s", items[0])
	}
	if items[1].Absolute() != "/media/docs/a.txt" || items[1].Attributes.Size != 5 {
		t.Errorf("unexpected object entry %s %+v", items[1], items[1].Attributes)
	}
}

func TestDriver_LoginRejected(t *testing.T) {
	srv := fakeStore(t)
	_, err := connect(t, srv, &session.Credentials{})
	if !errors.Is(err, session.ErrLoginFailed) {
		t.Fatalf("expected login failure, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	cases := map[string][2]string{
		"/":                 {"", ""},
		"/media":            {"media", ""},
		"/media/":           {"media", ""},
		"/media/docs/a.txt": {"media", "docs/a.txt"},
	}
	for in, want := range cases {
		b, k := split(in)
		if b != want[0] || k != want[1] {
			t.Errorf("split(%q) = %q, %q", in, b, k)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	missing := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}
	if !errors.Is(wrap(missing), session.ErrNotFound) {
		t.Error("NoSuchKey should map to not found")
	}
	denied := &smithy.GenericAPIError{Code: "SignatureDoesNotMatch", Message: "bad"}
	if !errors.Is(loginError(denied), session.ErrLoginFailed) {
		t.Error("signature mismatch should map to a login failure")
	}
	if wrap(nil) != nil {
		t.Error("nil stays nil")
	}
}

func TestUnsupportedMutations(t *testing.T) {
	d := New(Options{})
	ctx := context.Background()
	p := paths.New("/media/a", paths.FileType)
	if err := d.Chmod(ctx, p, 0644); !errors.Is(err, session.ErrUnsupported) {
		t.Errorf("chmod: %v", err)
	}
	if err := d.Rename(ctx, paths.New("/media/dir", paths.DirectoryType), paths.New("/media/d2", paths.DirectoryType)); !errors.Is(err, session.ErrUnsupported) {
		t.Errorf("directory rename: %v", err)
	}
	if _, err := d.Stat(ctx, paths.New("/media", paths.DirectoryType)); !errors.Is(err, session.ErrUnsupported) {
		t.Errorf("bucket stat: %v", err)
	}
}
