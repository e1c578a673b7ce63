package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// session maps a chunk session onto a multipart upload. Chunks are buffered
// until they reach the S3 minimum part size; only the last part may be smaller.
type session struct {
	key      string
	uploadID string
	size     int64
	next     int64
	buf      []byte
	parts    []types.CompletedPart
}

// StartChunkedUpload creates a multipart upload. When startOffset > 0 the
// already stored prefix becomes the first part: copied server-side when it is
// large enough to be a part, otherwise read back into the buffer.
func (c *Conn) StartChunkedUpload(ctx context.Context, p string, size, startOffset int64) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	key := c.key(p)

	if startOffset > 0 {
		existing, err := c.stat(ctx, p)
		if err != nil {
			return "", err
		}
		if existing.Size < startOffset {
			return "", fmt.Errorf("append to %s at %d but only %d stored: %w", p, startOffset, existing.Size, remote.ErrIntegrity)
		}
	}

	out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", mapError(err, key)
	}
	s := &session{key: key, uploadID: aws.ToString(out.UploadId), size: size, next: startOffset}

	if startOffset > 0 {
		if err := c.prefill(ctx, s, startOffset); err != nil {
			c.abort(ctx, s)
			return "", err
		}
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.logger.Debug().Str("key", key).Int64("offset", startOffset).Msg("multipart upload started")
	return id, nil
}

func (c *Conn) prefill(ctx context.Context, s *session, n int64) error {
	if n >= constants.MinPartSize {
		out, err := c.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(s.key),
			UploadId:        aws.String(s.uploadID),
			PartNumber:      aws.Int32(1),
			CopySource:      aws.String(copySource(c.bucket, s.key)),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
		})
		if err != nil {
			return mapError(err, s.key)
		}
		var etag *string
		if out.CopyPartResult != nil {
			etag = out.CopyPartResult.ETag
		}
		s.parts = append(s.parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(1)})
		return nil
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		return mapError(err, s.key)
	}
	defer out.Body.Close()
	buf := make([]byte, n)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return fmt.Errorf("read back %s: %w", s.key, err)
	}
	s.buf = buf
	return nil
}

func (c *Conn) UploadChunk(ctx context.Context, uploadID string, chunk []byte, start, end int64) remote.ChunkResult {
	if err := c.check(ctx); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}

	c.mu.Lock()
	s, ok := c.sessions[uploadID]
	c.mu.Unlock()
	switch {
	case !ok:
		return remote.ChunkResult{Status: remote.ChunkNotFound}
	case start > end || int64(len(chunk)) != end-start || end > s.size:
		return remote.ChunkResult{Status: remote.ChunkMalsized}
	case start != s.next:
		return remote.ChunkResult{Status: remote.ChunkDesync}
	}

	data := append(s.buf, chunk...)
	last := end == s.size
	if last || len(data) >= constants.MinPartSize {
		if err := c.uploadPart(ctx, s, data); err != nil {
			if isNoSuchUpload(err) {
				c.forget(uploadID)
				return remote.ChunkResult{Status: remote.ChunkNotFound}
			}
			return remote.ChunkResult{Status: remote.ChunkError, Err: err}
		}
		data = nil
	}
	s.buf = data
	s.next = end

	if !last {
		return remote.ChunkResult{Status: remote.ChunkSuccess}
	}
	c.forget(uploadID)
	if err := c.complete(ctx, s); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}
	return remote.ChunkResult{Status: remote.ChunkEnd}
}

// StopChunkedUpload commits every byte received so far, buffered ones included.
func (c *Conn) StopChunkedUpload(ctx context.Context, uploadID string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[uploadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, remote.ErrNotFound)
	}
	c.forget(uploadID)

	if len(s.buf) > 0 {
		if err := c.uploadPart(ctx, s, s.buf); err != nil {
			c.abort(ctx, s)
			return err
		}
		s.buf = nil
	}
	if len(s.parts) == 0 {
		// Nothing received: an empty object, like a freshly created file.
		c.abort(ctx, s)
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(s.key),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		return mapError(err, s.key)
	}
	return c.complete(ctx, s)
}

func (c *Conn) uploadPart(ctx context.Context, s *session, data []byte) error {
	n := int32(len(s.parts) + 1)
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int32(n),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w", n, s.key, err)
	}
	s.parts = append(s.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	return nil
}

func (c *Conn) complete(ctx context.Context, s *session) error {
	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: completedParts(s.parts),
	})
	if err != nil {
		return mapError(err, s.key)
	}
	c.logger.Debug().Str("key", s.key).Int("parts", len(s.parts)).Msg("multipart upload completed")
	return nil
}

func (c *Conn) abort(ctx context.Context, s *session) {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("key", s.key).Msg("abort multipart upload failed")
	}
}

func (c *Conn) forget(uploadID string) {
	c.mu.Lock()
	delete(c.sessions, uploadID)
	c.mu.Unlock()
}
