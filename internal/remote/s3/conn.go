// Package s3 implements remote.Connection on an S3 bucket. Directories are
// key prefixes, optionally marked by an empty "dir/" object so that empty
// directories survive.
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
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// API is the subset of *s3.Client the connection uses.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// Conn is one logical connection to a bucket. Connections built by the same
// factory share the SDK client; chunk sessions belong to one Conn.
type Conn struct {
	api    API
	bucket string
	prefix string
	logger *logging.Logger

	connected atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
}

var _ remote.Connection = (*Conn)(nil)

// New returns an unconnected Conn on bucket. Remote paths are stored under prefix.
func New(api API, bucket, prefix string, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Conn{
		api:      api,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Connect checks that the bucket is reachable with the configured credentials.
func (c *Conn) Connect(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("bucket %s: %w", c.bucket, err)
	}
	c.connected.Store(true)
	return nil
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// Close aborts chunk sessions that were never stopped.
func (c *Conn) Close() error {
	c.connected.Store(false)

	c.mu.Lock()
	open := c.sessions
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range open {
		c.abort(ctx, s)
	}
	return nil
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return remote.ErrNotConnected
	}
	return nil
}

// key maps a remote path to an object key. The root maps to the prefix itself.
func (c *Conn) key(p string) string {
	return c.prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

// dirKey is the key prefix for the contents of directory p.
func (c *Conn) dirKey(p string) string {
	k := c.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func (c *Conn) pathOf(key string) string {
	return "/" + strings.TrimSuffix(strings.TrimPrefix(key, c.prefix), "/")
}

func isRoot(p string) bool {
	return path.Clean("/"+p) == "/"
}

func (c *Conn) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if _, err := c.stat(ctx, dir); err != nil {
		return nil, err
	}

	prefix := c.dirKey(dir)
	var entries []remote.Entry
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, prefix)
		}
		for _, cp := range page.CommonPrefixes {
			entries = append(entries, remote.Entry{Path: c.pathOf(aws.ToString(cp.Prefix)), IsDir: true})
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				// The directory's own marker.
				continue
			}
			entries = append(entries, remote.Entry{
				Path:    c.pathOf(k),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func (c *Conn) Stat(ctx context.Context, p string) (remote.Entry, error) {
	if err := c.check(ctx); err != nil {
		return remote.Entry{}, err
	}
	return c.stat(ctx, p)
}

// stat resolves p as an object, then as a directory marker, then as a
// non-empty implicit directory.
func (c *Conn) stat(ctx context.Context, p string) (remote.Entry, error) {
	clean := path.Clean("/" + p)
	if isRoot(clean) {
		return remote.Entry{Path: "/", IsDir: true}, nil
	}

	key := c.key(clean)
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err == nil {
		return remote.Entry{
			Path:    clean,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return remote.Entry{}, mapError(err, key)
	}

	head, err = c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key + "/")})
	if err == nil {
		return remote.Entry{Path: clean, IsDir: true, ModTime: aws.ToTime(head.LastModified)}, nil
	}
	if !isNotFound(err) {
		return remote.Entry{}, mapError(err, key+"/")
	}

	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return remote.Entry{}, mapError(err, key)
	}
	if len(out.Contents) > 0 {
		return remote.Entry{Path: clean, IsDir: true}, nil
	}
	return remote.Entry{}, fmt.Errorf("%s: %w", clean, remote.ErrNotFound)
}

func (c *Conn) Download(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	key := c.key(p)
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length > 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		if offset > 0 && isInvalidRange(err) {
			// Reading at the end of the object.
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, mapError(err, key)
	}
	return out.Body, nil
}

// UploadSmall buffers r so that the request body is seekable for signing and retries.
func (c *Conn) UploadSmall(ctx context.Context, r io.Reader, size int64, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("upload %s: got %d bytes, declared %d: %w", p, len(data), size, remote.ErrIntegrity)
	}

	key := c.key(p)
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
	})
	return mapError(err, key)
}

func (c *Conn) Mkdir(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if _, err := c.stat(ctx, p); err == nil {
		return fmt.Errorf("%s: %w", p, remote.ErrAlreadyExists)
	} else if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	key := c.dirKey(p)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return mapError(err, key)
}

// Rename copies then deletes. Directories are moved object by object.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	src, err := c.stat(ctx, from)
	if err != nil {
		return err
	}
	if _, err := c.stat(ctx, to); err == nil {
		return fmt.Errorf("%s: %w", to, remote.ErrAlreadyExists)
	} else if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	if !src.IsDir {
		return c.move(ctx, c.key(from), c.key(to))
	}

	fromKey, toKey := c.dirKey(from), c.dirKey(to)
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(fromKey),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return mapError(err, fromKey)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if err := c.move(ctx, k, toKey+strings.TrimPrefix(k, fromKey)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) move(ctx context.Context, fromKey, toKey string) error {
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(copySource(c.bucket, fromKey)),
	})
	if err != nil {
		return mapError(err, fromKey)
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(fromKey)})
	return mapError(err, fromKey)
}

// Delete removes a file, or an empty directory's marker.
func (c *Conn) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	e, err := c.stat(ctx, p)
	if err != nil {
		return err
	}
	if !e.IsDir {
		key := c.key(p)
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
		return mapError(err, key)
	}

	prefix := c.dirKey(p)
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapError(err, prefix)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return fmt.Errorf("%s: %w", p, remote.ErrNotEmpty)
		}
	}
	if isRoot(p) {
		return nil
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(prefix)})
	return mapError(err, prefix)
}

// copySource builds the URL-encoded "bucket/key" CopySource value.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, s := range parts {
		// PathEscape leaves "+" alone, which S3 would read as a space.
		parts[i] = strings.ReplaceAll(url.PathEscape(s), "+", "%2B")
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func completedParts(parts []types.CompletedPart) *types.CompletedMultipartUpload {
	return &types.CompletedMultipartUpload{Parts: parts}
}
