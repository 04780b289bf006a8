// Package s3 implements the session driver for S3 compatible object stores.
// The first path segment names the bucket; the rest is the object key, with
// "/" separated prefixes presented as directories.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol"
	"github.com/yarkm13/skiff/internal/session"
)

const defaultRegion = "us-east-1"

// Options configures the S3 driver.
type Options struct {
	Region  string
	Timeout time.Duration
}

// Driver speaks the S3 REST API through aws-sdk-go-v2.
type Driver struct {
	opts Options

	endpoint   string
	bucket     string
	transcript io.Writer
	client     *s3.Client
	conns      protocol.Tracker
	connected  atomic.Bool
}

// New creates a disconnected S3 driver.
func New(opts Options) *Driver {
	if opts.Region == "" {
		opts.Region = defaultRegion
	}
	d := &Driver{opts: opts, transcript: io.Discard}
	d.conns.Timeout = opts.Timeout
	return d
}

func (d *Driver) Protocol() string { return session.ProtocolS3 }

// Dial only fixes the endpoint; requests are signed with the credentials
// given to Login.
func (d *Driver) Dial(ctx context.Context, host *session.Host, transcript io.Writer) error {
	scheme := "http"
	if host.Secure {
		scheme = "https"
	}
	d.endpoint = scheme + "://" + host.Address()
	d.bucket, _ = split(host.DefaultPath)
	d.transcript = transcript
	fmt.Fprintf(d.transcript, "Endpoint %s\n", d.endpoint)
	d.connected.Store(true)
	return nil
}

func (d *Driver) Login(ctx context.Context, creds *session.Credentials) error {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               d.endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	var provider aws.CredentialsProvider = aws.AnonymousCredentials{}
	if !creds.Anonymous() {
		provider = credentials.NewStaticCredentialsProvider(creds.Username, string(creds.Password), "")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(d.opts.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(provider),
		config.WithHTTPClient(d.conns.HTTPClient()),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	d.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if err := d.verify(ctx); err != nil {
		return loginError(err)
	}
	fmt.Fprintf(d.transcript, "Authenticated as %s\n", creds.Username)
	return nil
}

// verify checks the credentials with the cheapest request available.
func (d *Driver) verify(ctx context.Context) error {
	if d.bucket != "" {
		d.cmd("HEAD /%s", d.bucket)
		_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
		return err
	}
	d.cmd("GET /")
	_, err := d.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	return err
}

func (d *Driver) Connected() bool { return d.connected.Load() && d.client != nil }

func (d *Driver) cmd(format string, args ...any) {
	fmt.Fprintf(d.transcript, format+"\n", args...)
}

func (d *Driver) Noop(ctx context.Context) error { return wrap(d.verify(ctx)) }

func (d *Driver) Workdir(ctx context.Context) (string, error) { return "/", nil }

// split maps an absolute path to a bucket and an object key.
func split(abs string) (bucket, key string) {
	abs = strings.TrimPrefix(path.Clean("/"+abs), "/")
	if abs == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(abs, "/")
	return bucket, key
}

func (d *Driver) List(ctx context.Context, dir *paths.Path) ([]*paths.Path, error) {
	d.cmd("LIST %s", dir.Absolute())
	bucket, key := split(dir.Absolute())
	if bucket == "" {
		return d.listBuckets(ctx, dir)
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var items []*paths.Path
	pager := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrap(err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			p := paths.NewChild(dir, name, paths.DirectoryType)
			p.Attributes.Size = 0
			items = append(items, p)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				// the directory placeholder itself
				continue
			}
			p := paths.NewChild(dir, name, paths.FileType)
			p.Attributes.Size = aws.ToInt64(obj.Size)
			p.Attributes.Modified = aws.ToTime(obj.LastModified)
			if obj.Owner != nil {
				p.Attributes.Owner = aws.ToString(obj.Owner.DisplayName)
			}
			items = append(items, p)
		}
	}
	if len(items) == 0 && key != "" {
		// an empty listing is only a directory if its placeholder exists
		if _, err := d.head(ctx, bucket, prefix); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (d *Driver) listBuckets(ctx context.Context, root *paths.Path) ([]*paths.Path, error) {
	out, err := d.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, wrap(err)
	}
	items := make([]*paths.Path, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		p := paths.NewChild(root, aws.ToString(b.Name), paths.DirectoryType)
		p.Attributes.Size = 0
		p.Attributes.Modified = aws.ToTime(b.CreationDate)
		items = append(items, p)
	}
	return items, nil
}

func (d *Driver) head(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return out, wrap(err)
}

// Stat reads object metadata. Directories have none and fall back to the
// parent listing.
func (d *Driver) Stat(ctx context.Context, p *paths.Path) (paths.Attributes, error) {
	bucket, key := split(p.Absolute())
	if key == "" || p.IsDirectory() {
		return paths.Attributes{}, session.ErrUnsupported
	}
	out, err := d.head(ctx, bucket, key)
	if err != nil {
		return paths.Attributes{}, err
	}
	a := paths.NewAttributes()
	a.Size = aws.ToInt64(out.ContentLength)
	a.Modified = aws.ToTime(out.LastModified)
	return a, nil
}

func (d *Driver) Mkdir(ctx context.Context, p *paths.Path) error {
	bucket, key := split(p.Absolute())
	if key == "" {
		d.cmd("MKBUCKET %s", bucket)
		_, err := d.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		return wrap(err)
	}
	d.cmd("MKDIR %s", p.Absolute())
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key + "/"),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return wrap(err)
}

// Delete removes an object, a directory placeholder or an empty bucket.
func (d *Driver) Delete(ctx context.Context, p *paths.Path) error {
	bucket, key := split(p.Absolute())
	if key == "" {
		d.cmd("RMBUCKET %s", bucket)
		_, err := d.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		return wrap(err)
	}
	if p.IsDirectory() {
		key += "/"
	}
	d.cmd("DELETE %s", p.Absolute())
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return wrap(err)
}

// Rename copies the object and deletes the source. Prefixes cannot be
// renamed in one request.
func (d *Driver) Rename(ctx context.Context, from, to *paths.Path) error {
	if from.IsDirectory() {
		return fmt.Errorf("rename directory %s: %w", from, session.ErrUnsupported)
	}
	srcBucket, srcKey := split(from.Absolute())
	dstBucket, dstKey := split(to.Absolute())
	if srcKey == "" || dstKey == "" {
		return fmt.Errorf("rename bucket %s: %w", from, session.ErrUnsupported)
	}
	d.cmd("COPY %s %s", from.Absolute(), to.Absolute())
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + url.PathEscape(srcKey)),
	})
	if err != nil {
		return wrap(err)
	}
	return d.Delete(ctx, from)
}

func (d *Driver) Chmod(ctx context.Context, p *paths.Path, perm paths.Permission) error {
	return session.ErrUnsupported
}

func (d *Driver) Chown(ctx context.Context, p *paths.Path, owner string) error {
	return session.ErrUnsupported
}

func (d *Driver) Chgrp(ctx context.Context, p *paths.Path, group string) error {
	return session.ErrUnsupported
}

// SetModTime is unsupported: LastModified is assigned by the store.
func (d *Driver) SetModTime(ctx context.Context, p *paths.Path, t time.Time) error {
	return session.ErrUnsupported
}

func (d *Driver) Open(ctx context.Context, p *paths.Path, offset int64) (io.ReadCloser, int64, error) {
	bucket, key := split(p.Absolute())
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	d.cmd("GET %s", p.Absolute())
	out, err := d.client.GetObject(ctx, input)
	if err != nil {
		return nil, 0, wrap(err)
	}
	if offset > 0 && out.ContentRange == nil {
		// the store ignored the range and sent everything
		return out.Body, 0, nil
	}
	return out.Body, max(offset, 0), nil
}

// Create spools the upload because objects are written whole. Appending
// re-sends the existing prefix.
func (d *Driver) Create(ctx context.Context, p *paths.Path, offset int64) (io.WriteCloser, error) {
	bucket, key := split(p.Absolute())
	if key == "" {
		return nil, fmt.Errorf("%s is a bucket: %w", p, session.ErrUnsupported)
	}
	var prefix io.Reader
	if offset > 0 {
		r, _, err := d.Open(ctx, p, 0)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		prefix = io.LimitReader(r, offset)
	}
	return protocol.Spool(prefix, func(body io.ReadSeeker, size int64) error {
		d.cmd("PUT %s", p.Absolute())
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
		})
		return wrap(err)
	})
}

func (d *Driver) Close() error {
	d.connected.Store(false)
	d.client = nil
	d.conns.CloseAll()
	return nil
}

func (d *Driver) Abort() {
	d.connected.Store(false)
	d.conns.CloseAll()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%s: %w", ae.ErrorMessage(), session.ErrNotFound)
		}
	}
	return err
}

func loginError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "Forbidden":
			return fmt.Errorf("%s: %w", ae.ErrorMessage(), session.ErrLoginFailed)
		}
	}
	return wrap(err)
}

var _ session.Driver = (*Driver)(nil)
